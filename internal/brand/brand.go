// Package brand provides product naming and filesystem layout constants.
// Keeping these in one place makes renaming the product or relocating its
// state a one-file change.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name       = "Synoproxy"
	LowerName  = "synoproxy"
	BinaryName = "synoproxy"

	// ConfigEnvPrefix is the prefix for all environment variables.
	ConfigEnvPrefix = "SYNOPROXY"

	// DefaultDataDir holds the key file and encrypted state when no
	// override is set.
	DefaultDataDir = "./data"

	// File names under the data directory.
	KeyFileName         = "secret.key"
	NasSessionFileName  = "syno_session.enc"
	WebSessionsFileName = "web_sessions.enc"
	WebAuthFileName     = "web_auth.json"
)

// Version is set at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// UserAgent returns a User-Agent string for upstream HTTP requests.
func UserAgent() string {
	return Name + "/" + Version
}

// GetDataDir returns the data directory, checking env vars first.
// Priority: SYNOPROXY_DATA_DIR > SYNOPROXY_PREFIX/data > DefaultDataDir
func GetDataDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "data")
	}
	return DefaultDataDir
}

// KeyFile returns the full path of the symmetric key file.
func KeyFile() string {
	return filepath.Join(GetDataDir(), KeyFileName)
}

// NasSessionFile returns the full path of the encrypted NAS session file.
func NasSessionFile() string {
	return filepath.Join(GetDataDir(), NasSessionFileName)
}

// WebSessionsFile returns the full path of the encrypted web sessions file.
func WebSessionsFile() string {
	return filepath.Join(GetDataDir(), WebSessionsFileName)
}

// WebAuthFile returns the full path of the local web account record.
func WebAuthFile() string {
	return filepath.Join(GetDataDir(), WebAuthFileName)
}
