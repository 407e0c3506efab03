package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeContentHash returns the hex SHA-256 of the given parts joined
// with NUL separators, so "a","bc" and "ab","c" hash differently.
func ComputeContentHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StableArticleID derives the article primary key from the canonical URL
// and owning source. The same item re-ingested always maps to the same id.
func StableArticleID(canonicalURL, sourceID string) string {
	return ComputeContentHash(canonicalURL, sourceID)
}

// ContentFingerprint groups near-identical items published across sources.
// It hashes the lowercased title and the first 512 runes of body text.
func ContentFingerprint(title, text string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	b := strings.ToLower(strings.TrimSpace(text))
	if r := []rune(b); len(r) > 512 {
		b = string(r[:512])
	}
	return ComputeContentHash(t, b)
}

// Short8 returns the first 8 hex characters of a hash, used in published
// file names.
func Short8(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}
