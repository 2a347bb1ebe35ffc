// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SeedPath    string
	Assistant   AssistantConfig
	Specialists SpecialistsConfig
	Search      SearchConfig
	RunWait     RunWaitConfig
}

// AssistantConfig points at the remote assistant service.
type AssistantConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// SpecialistsConfig names the remote agent identities the pipeline drives.
type SpecialistsConfig struct {
	Context  string
	Product  string
	Occasion string
	Place    string
	Selector string
}

// SearchConfig points at the promotion search service.
type SearchConfig struct {
	BaseURL string
	Limit   int
}

// RunWaitConfig bounds how long the server waits for remote runs.
type RunWaitConfig struct {
	PollInterval time.Duration
	MaxInterval  time.Duration
	Timeout      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/promochat.db"),
		SeedPath:    getEnv("SEED_PATH", ""),
		Assistant: AssistantConfig{
			BaseURL:        getEnv("ASSISTANT_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         getEnv("ASSISTANT_API_KEY", ""),
			RequestTimeout: getEnvDuration("ASSISTANT_REQUEST_TIMEOUT", 30*time.Second),
		},
		Specialists: SpecialistsConfig{
			Context:  getEnv("CONTEXT_AGENT_ID", ""),
			Product:  getEnv("PRODUCT_AGENT_ID", ""),
			Occasion: getEnv("OCCASION_AGENT_ID", ""),
			Place:    getEnv("PLACE_AGENT_ID", ""),
			Selector: getEnv("PROMOTION_SELECTOR_ID", ""),
		},
		Search: SearchConfig{
			BaseURL: getEnv("SEARCH_BASE_URL", "http://localhost:8001"),
			Limit:   getEnvInt("SEARCH_LIMIT", 5),
		},
		RunWait: RunWaitConfig{
			PollInterval: getEnvDuration("RUN_POLL_INTERVAL", time.Second),
			MaxInterval:  getEnvDuration("RUN_POLL_MAX_INTERVAL", 8*time.Second),
			Timeout:      getEnvDuration("RUN_WAIT_TIMEOUT", 2*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("ASSISTANT_BASE_URL cannot be empty")
	}
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("ASSISTANT_API_KEY cannot be empty")
	}
	if c.Search.BaseURL == "" {
		return fmt.Errorf("SEARCH_BASE_URL cannot be empty")
	}
	if c.Search.Limit <= 0 {
		return fmt.Errorf("SEARCH_LIMIT must be > 0")
	}
	if c.RunWait.PollInterval <= 0 || c.RunWait.MaxInterval < c.RunWait.PollInterval {
		return fmt.Errorf("run poll intervals must be positive and ordered")
	}
	if c.RunWait.Timeout <= 0 {
		return fmt.Errorf("RUN_WAIT_TIMEOUT must be > 0")
	}
	for name, id := range map[string]string{
		"CONTEXT_AGENT_ID":      c.Specialists.Context,
		"PRODUCT_AGENT_ID":      c.Specialists.Product,
		"OCCASION_AGENT_ID":     c.Specialists.Occasion,
		"PLACE_AGENT_ID":        c.Specialists.Place,
		"PROMOTION_SELECTOR_ID": c.Specialists.Selector,
	} {
		if id == "" {
			return fmt.Errorf("%s cannot be empty", name)
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
