// Package shared holds small identifier helpers shared across the data
// plane packages.
package shared

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gofrs/uuid/v5"
)

// NewConnectionID returns a UUIDv4 string, used as the stable identifier on
// a ConnectionRecord.
func NewConnectionID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure is effectively unrecoverable for UUID
		// generation; fall back to the lighter-weight generator below
		// rather than panicking on the hot path.
		return GenerateConnID()
	}
	return id.String()
}

// GenerateConnID returns a random 16-byte hex token, used for lower-weight
// identifiers such as the push channel's WebSocket connection IDs.
func GenerateConnID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
