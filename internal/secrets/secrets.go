// Package secrets wraps and unwraps provider API keys.
//
// Plaintext keys never reach the database. Wrap seals them with
// AES-256-GCM under a key derived from the operator's master key via
// HKDF-SHA256, and binds the record id into the AEAD so a ciphertext
// copied onto another row fails to open. Unwrap happens only at the
// point of use, in the LLM router.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	// hkdfInfo pins the derivation domain. Changing it invalidates
	// every stored secret, so treat it as part of the wire format.
	hkdfInfo = "sempervigil:secrets:v1"

	// DefaultKeyID labels records wrapped by an unrotated master key.
	DefaultKeyID = "v1"

	masterKeyLen = 32
	derivedLen   = 32
)

// ErrNoMasterKey is returned when the master key is unset. Secret
// operations are unavailable until the operator exports one.
var ErrNoMasterKey = errors.New("secrets: master key is not set (SV_LLM_MASTER_KEY)")

// Box seals and opens secret records under one derived key.
type Box struct {
	keyID string
	aead  cipher.AEAD
}

// FromConfig builds a Box from process configuration. The master key
// comes from llm.master-key (env SV_LLM_MASTER_KEY) and the key id
// from llm.master-key-id.
func FromConfig() (*Box, error) {
	return NewBox(config.GetString("llm.master-key"), config.GetString("llm.master-key-id"))
}

// NewBox derives the wrapping key from a base64url-encoded 32-byte
// master key. Unpadded encodings are accepted. An empty keyID falls
// back to DefaultKeyID.
func NewBox(masterB64, keyID string) (*Box, error) {
	if masterB64 == "" {
		return nil, ErrNoMasterKey
	}
	master, err := decodeMaster(masterB64)
	if err != nil {
		return nil, fmt.Errorf("secrets: master key is not valid base64url: %w", err)
	}
	if len(master) != masterKeyLen {
		return nil, fmt.Errorf("secrets: master key must decode to %d bytes, got %d", masterKeyLen, len(master))
	}
	key, err := hkdf.Key(sha256.New, master, nil, hkdfInfo, derivedLen)
	if err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	if keyID == "" {
		keyID = DefaultKeyID
	}
	return &Box{keyID: keyID, aead: aead}, nil
}

// KeyID reports the key id stamped onto records this box wraps.
func (b *Box) KeyID() string { return b.keyID }

// Wrap seals plaintext into a new secret record with a fresh random
// nonce. Last4 keeps the trailing four characters for display, or the
// whole value when it is shorter than four.
func (b *Box) Wrap(name, plaintext string) (*types.LLMSecret, error) {
	if plaintext == "" {
		return nil, fmt.Errorf("secrets: empty secret value")
	}
	s := &types.LLMSecret{
		ID:        uuid.NewString(),
		Name:      name,
		KeyID:     b.keyID,
		Last4:     last4(plaintext),
		CreatedAt: time.Now().UTC(),
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	s.Nonce = nonce
	s.Ciphertext = b.aead.Seal(nil, nonce, []byte(plaintext), recordAAD(s.ID))
	return s, nil
}

// Unwrap opens a stored secret record. It fails when the record was
// wrapped under a different key id, when the ciphertext or nonce was
// altered, or when the record id no longer matches the one sealed in.
func (b *Box) Unwrap(s *types.LLMSecret) (string, error) {
	if s.KeyID != b.keyID {
		return "", fmt.Errorf("secrets: secret %s wrapped with key id %q, this process derives %q", s.ID, s.KeyID, b.keyID)
	}
	plaintext, err := b.aead.Open(nil, s.Nonce, s.Ciphertext, recordAAD(s.ID))
	if err != nil {
		return "", fmt.Errorf("secrets: open secret %s: %w", s.ID, err)
	}
	return string(plaintext), nil
}

// recordAAD ties a ciphertext to the row it was written for.
func recordAAD(id string) []byte {
	return []byte("secret:" + id)
}

func last4(s string) string {
	if len(s) >= 4 {
		return s[len(s)-4:]
	}
	return s
}

func decodeMaster(s string) ([]byte, error) {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.URLEncoding.DecodeString(s)
}
