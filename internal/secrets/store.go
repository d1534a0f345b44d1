package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// LoadState classifies the outcome of reading an encrypted file.
type LoadState int

const (
	// Loaded means the file existed and decrypted cleanly.
	Loaded LoadState = iota
	// Empty means no file exists yet; start fresh.
	Empty
	// Failed means the file exists but could not be decrypted or parsed.
	// Callers treat this the same as Empty but should log the reason.
	Failed
)

// LoadResult is the explicit result of a load: the state plus the reason
// when State == Failed. Failures never propagate as errors.
type LoadResult struct {
	State LoadState
	Err   error
}

// Store binds a key to an encrypted file and persists JSON values
// through it.
type Store struct {
	path string
	key  []byte
}

// NewStore creates a store writing encrypted blobs to path.
func NewStore(path string, key []byte) *Store {
	return &Store{path: path, key: key}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// SaveJSON marshals v, encrypts it, and writes it atomically with
// owner-only permissions.
func (s *Store) SaveJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	blob, err := Encrypt(data, s.key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	// Write atomically
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// LoadJSON decrypts the file into v. A missing file yields Empty; a
// corrupt file or wrong key yields Failed with the reason. v is only
// touched when the result is Loaded.
func (s *Store) LoadJSON(v any) LoadResult {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{State: Empty}
		}
		return LoadResult{State: Failed, Err: err}
	}

	data, err := Decrypt(blob, s.key)
	if err != nil {
		return LoadResult{State: Failed, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return LoadResult{State: Failed, Err: err}
	}
	return LoadResult{State: Loaded}
}

// Remove deletes the backing file. Missing files are not an error.
func (s *Store) Remove() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
