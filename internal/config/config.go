package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	AI       AIConfig       `yaml:"ai"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // base64; generated and stored in the DB when empty
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type AIConfig struct {
	Provider string        `yaml:"provider"` // gemini, anthropic, openai, dummy
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	// Per-user AI invocations allowed per minute, with a small burst.
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		AI: AIConfig{
			Provider:      "gemini",
			Model:         "gemini-2.0-flash",
			Timeout:       60 * time.Second,
			Retries:       1,
			RatePerMinute: 20,
			Burst:         3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file. An empty path yields the defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Database.Path == "" {
		p, err := DBPath()
		if err != nil {
			return nil, err
		}
		cfg.Database.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Override with environment variables if present
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if addr := os.Getenv("DEVROOM_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if p := os.Getenv("DEVROOM_DB"); p != "" {
		c.Database.Path = p
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		c.Auth.JWTSecret = s
	}
	if p := os.Getenv("DEVROOM_AI_PROVIDER"); p != "" {
		c.AI.Provider = p
	}
	if m := os.Getenv("DEVROOM_AI_MODEL"); m != "" {
		c.AI.Model = m
	}
	if c.AI.APIKey == "" {
		switch c.AI.Provider {
		case "gemini":
			c.AI.APIKey = os.Getenv("GOOGLE_AI_KEY")
		case "anthropic":
			c.AI.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.AI.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if k := os.Getenv("DEVROOM_AI_KEY"); k != "" {
		c.AI.APIKey = k
	}
	if r := os.Getenv("DEVROOM_AI_RATE"); r != "" {
		if n, err := strconv.Atoi(r); err == nil {
			c.AI.RatePerMinute = n
		}
	}
	if l := os.Getenv("DEVROOM_LOG_LEVEL"); l != "" {
		c.Logging.Level = l
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch strings.ToLower(c.AI.Provider) {
	case "gemini", "anthropic", "openai":
		if c.AI.APIKey == "" {
			errs = append(errs, fmt.Errorf("ai.api_key is required for provider %q", c.AI.Provider))
		}
	case "dummy":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be gemini, anthropic, openai or dummy, got %q", c.AI.Provider))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("ai.timeout must be positive"))
	}
	if c.AI.Retries < 0 {
		errs = append(errs, errors.New("ai.retries must not be negative"))
	}
	if c.AI.RatePerMinute <= 0 || c.AI.Burst <= 0 {
		errs = append(errs, errors.New("ai.rate_per_minute and ai.burst must be positive"))
	}
	return errors.Join(errs...)
}
