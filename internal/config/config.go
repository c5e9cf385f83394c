// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/docchat/internal/domain"
)

// DefaultBaseURL is the production chat API used when no override is set.
const DefaultBaseURL = "https://docchat.scorebadhao.com/api/chat"

// MemoryDBPath selects the in-memory token store instead of SQLite.
const MemoryDBPath = ":memory:"

// Config holds all application configuration.
type Config struct {
	BaseURL        string
	DBPath         string
	Port           string
	FrontendURL    string
	DefaultPersona domain.Persona
	MaxChats       int
	HydrateDelay   time.Duration
	RequestTimeout time.Duration // 0 = no client-side timeout
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxChats := getEnvInt("MAX_CHATS", domain.DefaultMaxChats)
	if maxChats <= 0 {
		maxChats = domain.DefaultMaxChats
	}

	persona, err := domain.ParsePersona(getEnv("DEFAULT_PERSONA", string(domain.PersonaHealthCoach)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		BaseURL:        strings.TrimRight(baseURLFromEnv(), "/"),
		DBPath:         getEnv("DB_PATH", "./data/docchat.db"),
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DefaultPersona: persona,
		MaxChats:       maxChats,
		HydrateDelay:   getEnvDuration("HYDRATE_DELAY", 100*time.Millisecond),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("DOCCHAT_BASE_URL cannot be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DOCCHAT_BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.HydrateDelay < 0 {
		return fmt.Errorf("HYDRATE_DELAY must be >= 0")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsesMemoryStore reports whether the token slot lives only for the process lifetime.
func (c *Config) UsesMemoryStore() bool {
	return c.DBPath == MemoryDBPath
}

// AllowedOrigins returns the CORS origins for the bridge.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// baseURLFromEnv prefers DOCCHAT_BASE_URL and falls back to the web app's
// NEXT_PUBLIC_BASE_URL so both deployments can share one .env file.
func baseURLFromEnv() string {
	if v := strings.TrimSpace(getEnv("DOCCHAT_BASE_URL", "")); v != "" {
		return v
	}
	if v := strings.TrimSpace(getEnv("NEXT_PUBLIC_BASE_URL", "")); v != "" {
		return v
	}
	return DefaultBaseURL
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("250ms") or a bare integer in milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
