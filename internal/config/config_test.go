package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("SYNOLOGY_NAS_URL", "https://nas.local:5001")
	t.Setenv("SYNOLOGY_USERNAME", "admin")
	t.Setenv("SYNOLOGY_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "https://nas.local:5001", cfg.Synology.URL)
	assert.Equal(t, 144*time.Hour, cfg.Synology.SessionTTL)
	assert.Equal(t, time.Hour, cfg.WebAuth.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.WebAuth.RememberTTL)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Window)
	assert.NotEmpty(t, cfg.Synology.DeviceName)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNOPROXY_PORT", "9090")
	t.Setenv("SYNOPROXY_SESSION_TTL_SECS", "120")
	t.Setenv("SYNOPROXY_RATE_LIMIT_ENABLED", "false")
	t.Setenv("SYNOLOGY_DEVICE_NAME", "custom-box")
	t.Setenv("SYNOPROXY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.WebAuth.SessionTTL)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "custom-box", cfg.Synology.DeviceName)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadTrimsTrailingSlash(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNOLOGY_NAS_URL", "https://nas.local:5001/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://nas.local:5001", cfg.Synology.URL)
}

func TestLoadRejectsBadInt(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNOPROXY_PORT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Host: "0.0.0.0", Port: 8000},
			Synology: SynologyConfig{URL: "https://nas.local:5001", Username: "u", Password: "p"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing url", func(c *Config) { c.Synology.URL = "" }, "SYNOLOGY_NAS_URL"},
		{"bad scheme", func(c *Config) { c.Synology.URL = "ftp://nas.local" }, "http(s)"},
		{"missing credentials", func(c *Config) { c.Synology.Password = "" }, "SYNOLOGY_USERNAME"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	sc := ServerConfig{Host: "127.0.0.1", Port: 8000}
	assert.Equal(t, "127.0.0.1:8000", sc.Addr())
}
