package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrSecretMismatch is returned when a supplied secret does not match.
var ErrSecretMismatch = errors.New("secret mismatch")

// BcryptPasswordHasher hashes and verifies client secrets and user passwords.
//
// Stored values that are not bcrypt hashes are compared in constant time as
// plaintext, which keeps seeded development directories usable.
type BcryptPasswordHasher struct {
	Cost int
}

// NewBcryptPasswordHasher uses bcrypt.DefaultCost when cost <= 0.
func NewBcryptPasswordHasher(cost int) *BcryptPasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordHasher{Cost: cost}
}

// Hash generates a bcrypt hash for secret.
func (h *BcryptPasswordHasher) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashed), nil
}

// Verify compares stored with the supplied secret and returns ErrSecretMismatch
// when they differ.
func (h *BcryptPasswordHasher) Verify(stored, supplied string) error {
	if IsBcryptHash(stored) {
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return err
	}

	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

// IsBcryptHash reports whether s looks like a modular crypt bcrypt hash.
func IsBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
