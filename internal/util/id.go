package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewReference returns a short human-readable reservation reference code.
func NewReference() string {
	id := uuid.NewString()
	return "RSV-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
}
