package webauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Password length bounds. The lower bound is a policy choice; the upper
// bound is bcrypt's 72-byte input limit, which also caps hashing cost on
// attacker-supplied input.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSetupRequired      = errors.New("no account configured; setup required")
	ErrSetupDone          = errors.New("account already configured")
	ErrWeakPassword       = fmt.Errorf("password must be between %d and %d characters", MinPasswordLength, MaxPasswordLength)
)

// Account is the single administrative login for the web UI, stored as
// plaintext JSON (the hash is bcrypt, so the file itself needs no
// encryption) with owner-only permissions.
type Account struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func checkPasswordPolicy(password string) error {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// dummyHash is compared against when the username does not match, so a
// wrong username costs the same as a wrong password.
var dummyHash = func() string {
	h, _ := bcrypt.GenerateFromPassword([]byte("synoproxy-timing-equalizer"), bcrypt.DefaultCost)
	return string(h)
}()

func loadAccount(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account file: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to parse account file: %w", err)
	}
	if acct.Username == "" || acct.PasswordHash == "" {
		return nil, fmt.Errorf("account file %s is incomplete", path)
	}
	return &acct, nil
}

func saveAccount(path string, acct *Account) error {
	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write account file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save account file: %w", err)
	}
	return nil
}
