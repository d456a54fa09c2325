package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewID generates a random 32-character hex identifier.
func NewID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// NewStreamKey generates an unguessable stream key. Keys are minted exactly
// once per session and never regenerated.
func NewStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}
