package service

import (
	"crypto/rand"
	"encoding/hex"
)

// randomSecret returns a 128-bit hex-encoded capability secret.
func randomSecret() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure means the host is unusable
	}
	return hex.EncodeToString(b)
}
