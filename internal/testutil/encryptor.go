package testutil

import (
	"quarry-go/internal/encryption"
	"quarry-go/internal/quarry"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() quarry.Encryptor {
	return encryption.NewTestEncryptor()
}
