// Package secrets provides symmetric-key encryption for at-rest state
// (the NAS session and the web session map). A single key file, generated
// on first run, encrypts every persisted secret; the key never rotates
// automatically.
//
// Load failures are deliberately soft: a missing, corrupt, or
// wrong-key file yields an Empty/Failed result instead of an error, and
// callers fall back to a fresh state. Losing a cached session only costs
// a re-login; crashing the service costs availability.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// ErrDecrypt is returned when ciphertext cannot be authenticated or
// decrypted (wrong key or corrupted data).
var ErrDecrypt = errors.New("decryption failed")

// LoadOrGenerateKey reads the hex-encoded key file at path, generating
// and persisting a fresh key with restrictive permissions if none exists.
func LoadOrGenerateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("key file %s is not valid hex: %w", path, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(key), KeySize)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("key generation: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM. The output is base64 of
// nonce (12 bytes) + ciphertext + auth tag, so every call produces a
// distinct blob even for identical plaintext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. Any authentication or
// decoding failure is reported as ErrDecrypt.
func Decrypt(encoded, key []byte) ([]byte, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(data, encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrDecrypt, err)
	}
	data = data[:n]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
