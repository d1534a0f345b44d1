// Package config loads the service configuration from environment
// variables, with optional .env support for development. The resulting
// Config is built once at startup and injected into every component;
// nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/synoproxy/synoproxy/internal/brand"
)

// Config holds the full service configuration.
type Config struct {
	Server    ServerConfig
	Synology  SynologyConfig
	WebAuth   WebAuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	DataDir   string
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// SynologyConfig holds upstream DSM connection settings.
type SynologyConfig struct {
	URL           string
	Username      string
	Password      string
	DeviceName    string
	SessionTTL    time.Duration
	SkipTLSVerify bool
	Timeout       time.Duration
}

// WebAuthConfig holds web UI authentication settings.
type WebAuthConfig struct {
	// BootstrapUsername/BootstrapPassword seed the local account on first
	// run when no account file exists. Optional; the setup endpoint is the
	// alternative.
	BootstrapUsername string
	BootstrapPassword string
	SessionTTL        time.Duration // without remember-me
	RememberTTL       time.Duration // with remember-me
}

// RateLimitConfig holds login rate limiting settings.
type RateLimitConfig struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	JSON  bool
}

// Load builds a Config from the environment. A .env file in the working
// directory or the data dir is loaded first if present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	// Missing .env is not an error; production sets real env vars.
	_ = godotenv.Load()

	port, err := getEnvInt("SYNOPROXY_PORT", 8000)
	if err != nil {
		return nil, err
	}
	sessionTTL, err := getEnvSeconds("SYNOLOGY_SESSION_EXPIRY_SECS", 518400)
	if err != nil {
		return nil, err
	}
	upstreamTimeout, err := getEnvSeconds("SYNOLOGY_TIMEOUT_SECS", 15)
	if err != nil {
		return nil, err
	}
	webTTL, err := getEnvSeconds("SYNOPROXY_SESSION_TTL_SECS", 3600)
	if err != nil {
		return nil, err
	}
	rememberTTL, err := getEnvSeconds("SYNOPROXY_REMEMBER_TTL_SECS", 30*24*3600)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getEnvInt("SYNOPROXY_RATE_LIMIT_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	window, err := getEnvSeconds("SYNOPROXY_RATE_LIMIT_WINDOW_SECS", 300)
	if err != nil {
		return nil, err
	}

	deviceName := getEnv("SYNOLOGY_DEVICE_NAME", "")
	if deviceName == "" {
		if host, err := os.Hostname(); err == nil {
			deviceName = host
		} else {
			deviceName = brand.LowerName
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SYNOPROXY_HOST", "0.0.0.0"),
			Port:        port,
			CORSOrigins: splitList(getEnv("SYNOPROXY_CORS_ORIGINS", "")),
		},
		Synology: SynologyConfig{
			URL:           strings.TrimRight(getEnv("SYNOLOGY_NAS_URL", ""), "/"),
			Username:      getEnv("SYNOLOGY_USERNAME", ""),
			Password:      getEnv("SYNOLOGY_PASSWORD", ""),
			DeviceName:    deviceName,
			SessionTTL:    sessionTTL,
			SkipTLSVerify: getEnvBool("SYNOLOGY_SKIP_TLS_VERIFY", true),
			Timeout:       upstreamTimeout,
		},
		WebAuth: WebAuthConfig{
			BootstrapUsername: getEnv("APP_USERNAME", ""),
			BootstrapPassword: getEnv("APP_PASSWORD", ""),
			SessionTTL:        webTTL,
			RememberTTL:       rememberTTL,
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("SYNOPROXY_RATE_LIMIT_ENABLED", true),
			MaxAttempts: maxAttempts,
			Window:      window,
		},
		Log: LogConfig{
			Level: getEnv("SYNOPROXY_LOG_LEVEL", "info"),
			JSON:  getEnvBool("SYNOPROXY_LOG_JSON", false),
		},
		DataDir: brand.GetDataDir(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Synology.URL == "" {
		return fmt.Errorf("SYNOLOGY_NAS_URL is required")
	}
	if u, err := url.Parse(c.Synology.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("SYNOLOGY_NAS_URL must be an http(s) URL, got %q", c.Synology.URL)
	}
	if c.Synology.Username == "" || c.Synology.Password == "" {
		return fmt.Errorf("SYNOLOGY_USERNAME and SYNOLOGY_PASSWORD are required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SYNOPROXY_PORT out of range: %d", c.Server.Port)
	}
	return nil
}

// Addr returns the address the HTTP server listens on.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
