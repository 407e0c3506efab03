package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testMaster(b byte) string {
	return base64.RawURLEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	box, err := NewBox(testMaster(7), "")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	if box.KeyID() != DefaultKeyID {
		t.Fatalf("KeyID = %q, want %q", box.KeyID(), DefaultKeyID)
	}

	const plaintext = "sk-live-abcdef-9876"
	sec, err := box.Wrap("openai default", plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if sec.ID == "" {
		t.Error("record id is empty")
	}
	if sec.Name != "openai default" {
		t.Errorf("Name = %q", sec.Name)
	}
	if sec.KeyID != DefaultKeyID {
		t.Errorf("KeyID = %q, want %q", sec.KeyID, DefaultKeyID)
	}
	if sec.Last4 != "9876" {
		t.Errorf("Last4 = %q, want 9876", sec.Last4)
	}
	if len(sec.Nonce) != 12 {
		t.Errorf("nonce length = %d, want 12", len(sec.Nonce))
	}
	if len(sec.Ciphertext) == 0 {
		t.Fatal("ciphertext is empty")
	}
	if bytes.Contains(sec.Ciphertext, []byte("sk-live")) {
		t.Error("ciphertext leaks plaintext bytes")
	}

	got, err := box.Unwrap(sec)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if got != plaintext {
		t.Errorf("Unwrap = %q, want %q", got, plaintext)
	}

	again, err := box.Wrap("openai default", plaintext)
	if err != nil {
		t.Fatalf("second Wrap: %v", err)
	}
	if bytes.Equal(again.Nonce, sec.Nonce) {
		t.Error("two wraps reused a nonce")
	}
	if bytes.Equal(again.Ciphertext, sec.Ciphertext) {
		t.Error("two wraps produced identical ciphertext")
	}
}

func TestUnwrapRejectsTampering(t *testing.T) {
	box, err := NewBox(testMaster(7), "")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	t.Run("ciphertext bit flip", func(t *testing.T) {
		sec, err := box.Wrap("k", "sk-tamper-test-0001")
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		sec.Ciphertext[0] ^= 0x01
		if _, err := box.Unwrap(sec); err == nil {
			t.Fatal("Unwrap accepted altered ciphertext")
		}
	})

	t.Run("nonce bit flip", func(t *testing.T) {
		sec, err := box.Wrap("k", "sk-tamper-test-0002")
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		sec.Nonce[3] ^= 0x01
		if _, err := box.Unwrap(sec); err == nil {
			t.Fatal("Unwrap accepted altered nonce")
		}
	})

	t.Run("record id swap", func(t *testing.T) {
		sec, err := box.Wrap("k", "sk-tamper-test-0003")
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		sec.ID = "some-other-record"
		if _, err := box.Unwrap(sec); err == nil {
			t.Fatal("Unwrap accepted ciphertext moved to another record id")
		}
	})
}

func TestUnwrapWrongMasterKey(t *testing.T) {
	box1, err := NewBox(testMaster(1), "")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	box2, err := NewBox(testMaster(2), "")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sec, err := box1.Wrap("k", "sk-cross-master")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := box2.Unwrap(sec); err == nil {
		t.Fatal("Unwrap succeeded under a different master key")
	}
}

func TestUnwrapKeyIDMismatch(t *testing.T) {
	v1, err := NewBox(testMaster(3), "v1")
	if err != nil {
		t.Fatalf("NewBox v1: %v", err)
	}
	v2, err := NewBox(testMaster(3), "v2")
	if err != nil {
		t.Fatalf("NewBox v2: %v", err)
	}

	sec, err := v1.Wrap("k", "sk-rotation-check")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	_, err = v2.Unwrap(sec)
	if err == nil {
		t.Fatal("Unwrap ignored key id mismatch")
	}
	if !strings.Contains(err.Error(), "wrapped with key id") {
		t.Errorf("error %q does not name the key id mismatch", err)
	}
}

func TestNewBoxValidation(t *testing.T) {
	if _, err := NewBox("", ""); !errors.Is(err, ErrNoMasterKey) {
		t.Errorf("empty master: err = %v, want ErrNoMasterKey", err)
	}
	if _, err := NewBox("!!!not base64!!!", ""); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.RawURLEncoding.EncodeToString(make([]byte, 16))
	if _, err := NewBox(short, ""); err == nil {
		t.Error("16-byte master accepted")
	} else if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("short-master error %q does not name the required length", err)
	}
}

func TestPaddedAndUnpaddedMasterAgree(t *testing.T) {
	raw := bytes.Repeat([]byte{9}, 32)
	padded := base64.URLEncoding.EncodeToString(raw)
	unpadded := base64.RawURLEncoding.EncodeToString(raw)
	if padded == unpadded {
		t.Fatalf("test is vacuous, encodings agree: %q", padded)
	}

	boxA, err := NewBox(padded, "")
	if err != nil {
		t.Fatalf("NewBox padded: %v", err)
	}
	boxB, err := NewBox(unpadded, "")
	if err != nil {
		t.Fatalf("NewBox unpadded: %v", err)
	}

	sec, err := boxA.Wrap("k", "sk-padding-check")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	got, err := boxB.Unwrap(sec)
	if err != nil {
		t.Fatalf("Unwrap across encodings: %v", err)
	}
	if got != "sk-padding-check" {
		t.Errorf("Unwrap = %q", got)
	}
}

func TestWrapShortAndEmptyValues(t *testing.T) {
	box, err := NewBox(testMaster(4), "")
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	sec, err := box.Wrap("tiny", "abc")
	if err != nil {
		t.Fatalf("Wrap short value: %v", err)
	}
	if sec.Last4 != "abc" {
		t.Errorf("Last4 = %q, want whole short value", sec.Last4)
	}

	if _, err := box.Wrap("empty", ""); err == nil {
		t.Error("empty secret value accepted")
	}
}
