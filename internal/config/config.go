// Package config gathers the server-level settings of the portal from the
// environment. Storage, blob, and logging factories read their own variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"labportal/internal/auth"
)

// Environment variables read by Load.
const (
	EnvHTTPAddr          = "LABPORTAL_HTTP_ADDR"
	EnvLoginUsername     = "LABPORTAL_LOGIN_USERNAME"
	EnvLoginPasswordHash = "LABPORTAL_LOGIN_PASSWORD_HASH"
	EnvMaxUploadMB       = "LABPORTAL_MAX_UPLOAD_MB"
	EnvCleanupOnRollback = "LABPORTAL_CLEANUP_ON_ROLLBACK"
	EnvSessionTTL        = "LABPORTAL_SESSION_TTL"
	EnvBrowseLimit       = "LABPORTAL_BROWSE_LIMIT"
)

// Defaults applied when a variable is unset.
const (
	DefaultHTTPAddr    = ":8080"
	DefaultMaxUploadMB = 512
	DefaultBrowseLimit = 100
)

// Config is the resolved server configuration.
type Config struct {
	HTTPAddr          string
	Credentials       auth.Credentials
	MaxUploadBytes    int64
	CleanupOnRollback bool
	SessionTTL        time.Duration
	BrowseLimit       int
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Config{
		HTTPAddr: DefaultHTTPAddr,
		Credentials: auth.Credentials{
			Username:     strings.TrimSpace(getenv(EnvLoginUsername)),
			PasswordHash: strings.TrimSpace(getenv(EnvLoginPasswordHash)),
		},
		MaxUploadBytes: DefaultMaxUploadMB << 20,
		SessionTTL:     auth.DefaultSessionTTL,
		BrowseLimit:    DefaultBrowseLimit,
	}
	if v := strings.TrimSpace(getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(getenv(EnvMaxUploadMB)); v != "" {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil || mb <= 0 {
			return Config{}, fmt.Errorf("%s: want a positive integer, got %q", EnvMaxUploadMB, v)
		}
		cfg.MaxUploadBytes = mb << 20
	}
	if v := strings.TrimSpace(getenv(EnvCleanupOnRollback)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvCleanupOnRollback, err)
		}
		cfg.CleanupOnRollback = b
	}
	if v := strings.TrimSpace(getenv(EnvSessionTTL)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: want a positive duration, got %q", EnvSessionTTL, v)
		}
		cfg.SessionTTL = d
	}
	if v := strings.TrimSpace(getenv(EnvBrowseLimit)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: want a positive integer, got %q", EnvBrowseLimit, v)
		}
		cfg.BrowseLimit = n
	}
	return cfg, nil
}

// RequireLogin fails when no login is configured, so serve does not start a
// portal nobody can sign in to.
func (c Config) RequireLogin() error {
	var missing []string
	if c.Credentials.Username == "" {
		missing = append(missing, EnvLoginUsername)
	}
	if c.Credentials.PasswordHash == "" {
		missing = append(missing, EnvLoginPasswordHash)
	}
	if len(missing) > 0 {
		return fmt.Errorf("login not configured: set %s", strings.Join(missing, " and "))
	}
	return nil
}
