// Package config reads the web client's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the web client
type Config struct {
	Port        string
	APIBaseURL  string
	DBPath      string
	TemplateDir string
	StaticDir   string

	SecureCookie  bool
	SessionSecret []byte
	CSRFKey       []byte

	// SessionWait bounds how long a guarded page waits for the session check
	// before rendering the checking placeholder.
	SessionWait time.Duration
	APITimeout  time.Duration

	LogoutOn401      bool
	CentralRoleCheck bool
	LogLevel         slog.Level

	// Warnings lists generated defaults for values that should be set. A
	// missing APIBaseURL is not one of them; it is left empty.
	Warnings []string
}

const csrfKeyLen = 32

// Load reads configuration from environment variables, after loading a .env
// file when one exists.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		APIBaseURL:  strings.TrimSpace(os.Getenv("API_BASE_URL")),
		DBPath:      getEnv("DB_PATH", "taxweb.db"),
		TemplateDir: getEnv("TEMPLATE_DIR", "web/templates"),
		StaticDir:   getEnv("STATIC_DIR", "web/static"),
	}

	var err error
	if cfg.SecureCookie, err = getEnvBool("SECURE_COOKIE", false); err != nil {
		return nil, err
	}
	if cfg.LogoutOn401, err = getEnvBool("LOGOUT_ON_401", false); err != nil {
		return nil, err
	}
	if cfg.CentralRoleCheck, err = getEnvBool("CENTRAL_ROLE_CHECK", false); err != nil {
		return nil, err
	}
	if cfg.SessionWait, err = getEnvDuration("SESSION_WAIT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.APITimeout, err = getEnvDuration("API_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		cfg.SessionSecret = []byte(secret)
	} else {
		cfg.SessionSecret = securecookie.GenerateRandomKey(64)
		cfg.Warnings = append(cfg.Warnings, "SESSION_SECRET is not set; browser sessions will not survive a restart")
	}

	if key := os.Getenv("CSRF_KEY"); key != "" {
		if len(key) != csrfKeyLen {
			return nil, fmt.Errorf("CSRF_KEY must be %d bytes, got %d", csrfKeyLen, len(key))
		}
		cfg.CSRFKey = []byte(key)
	} else {
		cfg.CSRFKey = securecookie.GenerateRandomKey(csrfKeyLen)
		cfg.Warnings = append(cfg.Warnings, "CSRF_KEY is not set; using a random key")
	}

	if cfg.SessionSecret == nil || cfg.CSRFKey == nil {
		return nil, fmt.Errorf("could not generate random keys")
	}

	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}
