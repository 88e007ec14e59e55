package core

import (
	"encoding/hex"
	"strings"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// ID is a unique identifier for domain entities.
type ID = uuid.UUID

// NilID is the zero ID.
var NilID = uuid.Nil

// NewID returns a random ID.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}

// IDFromContent generates a deterministic ID from content parts using BLAKE2b hashing.
// Identical parts produce identical IDs. The result is a version 8 UUID.
func IDFromContent(parts ...string) ID {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(strings.Join(parts, "\x00")))
	sum := h.Sum(nil)
	var id ID
	copy(id[:], sum)
	id[6] = (id[6] & 0x0f) | 0x80
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// ContentHash returns the hex BLAKE2b-256 digest of content.
func ContentHash(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}
