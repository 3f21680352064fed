package app

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const pinDigits = 6

// newID returns a random UUID string for sessions and participants.
func newID() string {
	return uuid.NewString()
}

// newToken returns a 256-bit random capability token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newPIN returns a 6-digit numeric PIN without a leading zero.
func newPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()+100000), nil
}
