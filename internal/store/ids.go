package store

import (
	"crypto/rand"
	"encoding/base64"
	"hash/fnv"
	"regexp"
)

// idAlphabet matches the validation rule in the external interface
// section: alphanumeric plus '-' and '_' only, never empty.
var idAlphabet = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewDocumentID mints an opaque 16-byte, URL-safe base64 identifier.
// The first byte is derived deterministically from the table name so
// the leading character of the encoded id is table-tagged without any
// central allocator — two instances minting ids for the same table
// agree on the tag with no coordination. The remaining 15 bytes are
// cryptographically random, giving 120 bits of entropy per id.
func NewDocumentID(table string) string {
	buf := make([]byte, 16)
	buf[0] = tableTag(table)
	if _, err := rand.Read(buf[1:]); err != nil {
		panic("store: failed to read random bytes: " + err.Error())
	}
	return encodeID(buf)
}

func tableTag(table string) byte {
	h := fnv.New32a()
	_, _ = h.Write([]byte(table))
	return byte(h.Sum32())
}

func encodeID(buf []byte) string {
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ValidID reports whether id satisfies the external identifier rule:
// non-empty, alphanumeric plus '-_' only.
func ValidID(id string) bool {
	return id != "" && idAlphabet.MatchString(id)
}
