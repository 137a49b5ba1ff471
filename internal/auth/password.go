package auth

import (
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"rostersync.org/internal/ids"
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// TemporaryPasswords provisions unusable-until-reset passwords for accounts
// created by sync.
type TemporaryPasswords struct {
	Cost int
}

// TemporaryPassword returns the bcrypt hash of a random password. The
// plaintext is discarded; the account owner goes through password reset.
func (t TemporaryPasswords) TemporaryPassword() (string, error) {
	raw, err := ids.Secret(18)
	if err != nil {
		return "", err
	}
	cost := t.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(raw)), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
