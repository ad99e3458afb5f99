package models

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// secretEntropyBytes sizes the secret so its urlsafe encoding stays within
// a 255-character column.
const secretEntropyBytes = 191

// UploadSecret is a single-use, unguessable token exchanged for one read
// of a materialized upload. The value itself is the primary key. While a
// secret exists its upload cannot be deleted.
type UploadSecret struct {
	Value    string
	UploadID int64
}

// NewSecretValue generates a high-entropy urlsafe secret value.
func NewSecretValue() (string, error) {
	buf := make([]byte, secretEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secret entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
