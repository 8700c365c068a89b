// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultDBPath = "./data/widget.db"

// Config holds all application configuration.
type Config struct {
	// Endpoint is the dialogue backend base URL; every request path is
	// appended to it.
	Endpoint        string
	StartOpen       bool
	ProfilePath     string
	DBPath          string
	Port            string
	FrontendURL     string
	SessionTTL      time.Duration
	NotifyTimeout   time.Duration
	TurnTimeout     time.Duration // 0 = no timeout
	LoginWebhookURL string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Endpoint:        strings.TrimRight(getEnv("WIDGET_ENDPOINT", ""), "/"),
		StartOpen:       getEnvBool("WIDGET_START_OPEN", true),
		ProfilePath:     getEnv("WIDGET_PROFILE", ""),
		DBPath:          DBPath(),
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		SessionTTL:      getEnvDuration("SESSION_TTL", 60*time.Minute),
		NotifyTimeout:   getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		TurnTimeout:     getEnvDuration("TURN_TIMEOUT", 0),
		LoginWebhookURL: getEnv("LOGIN_WEBHOOK_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DBPath returns the SQLite database path. Commands that only touch storage
// use it without loading the full configuration.
func DBPath() string {
	return getEnv("DB_PATH", defaultDBPath)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("WIDGET_ENDPOINT cannot be empty")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("WIDGET_ENDPOINT must be an absolute http(s) URL, got %q", c.Endpoint)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be > 0")
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("TURN_TIMEOUT cannot be negative")
	}
	if c.LoginWebhookURL != "" {
		if u, err := url.Parse(c.LoginWebhookURL); err != nil || u.Host == "" {
			return fmt.Errorf("LOGIN_WEBHOOK_URL must be an absolute URL, got %q", c.LoginWebhookURL)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
