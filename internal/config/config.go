// Package config provides application configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file named by COACH_CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port               string        `yaml:"port"`
	GRPCHealthPort     string        `yaml:"grpc_health_port"`
	FrontendURL        string        `yaml:"frontend_url"`
	DBPath             string        `yaml:"db_path"`
	LogLevel           string        `yaml:"log_level"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	EventRetention     time.Duration `yaml:"event_retention"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	Gemini             GeminiConfig  `yaml:"gemini"`
	Gateway            GatewayConfig `yaml:"gateway"`
	Policy             PolicyConfig  `yaml:"policy"`
	RateLimit          RateLimit     `yaml:"rate_limit"`
}

// GeminiConfig selects the generative backend.
type GeminiConfig struct {
	APIKey     string `yaml:"api_key"`
	FlashModel string `yaml:"flash_model"`
	ProModel   string `yaml:"pro_model"`
}

// GatewayConfig bounds every decision gateway call.
type GatewayConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	Burst       int           `yaml:"burst"`
	Temperature float64       `yaml:"temperature"`
}

// PolicyConfig holds the state machine limits.
type PolicyConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	ContextWindow int `yaml:"context_window"`
}

// RateLimit throttles frames per session.
type RateLimit struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	Burst           int     `yaml:"burst"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		GRPCHealthPort:     "9090",
		DBPath:             "./data/coach.db",
		LogLevel:           "info",
		SessionTTL:         60 * time.Minute,
		SweepInterval:      5 * time.Minute,
		EventRetention:     7 * 24 * time.Hour,
		MaxRequestBodySize: 10 << 20,
		Gemini: GeminiConfig{
			FlashModel: "gemini-2.0-flash-exp",
			ProModel:   "gemini-2.0-flash-exp",
		},
		Gateway: GatewayConfig{
			Timeout:     30 * time.Second,
			RateLimit:   5,
			Burst:       10,
			Temperature: 0.4,
		},
		Policy: PolicyConfig{
			MaxAttempts:   3,
			ContextWindow: 3,
		},
		RateLimit: RateLimit{
			FramesPerSecond: 2,
			Burst:           4,
		},
	}
}

// Load reads configuration from defaults, the optional YAML file and
// environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnv("COACH_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCHealthPort = getEnv("GRPC_HEALTH_PORT", c.GRPCHealthPort)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.SessionTTL = getEnvDuration("SESSION_TTL", c.SessionTTL)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.SweepInterval)
	c.EventRetention = getEnvDuration("EVENT_RETENTION", c.EventRetention)
	c.MaxRequestBodySize = int64(getEnvInt("MAX_REQUEST_BODY_SIZE", int(c.MaxRequestBodySize)))

	c.Gemini.APIKey = getEnv("GEMINI_API_KEY", c.Gemini.APIKey)
	c.Gemini.FlashModel = getEnv("GEMINI_FLASH_MODEL", c.Gemini.FlashModel)
	c.Gemini.ProModel = getEnv("GEMINI_PRO_MODEL", c.Gemini.ProModel)

	c.Gateway.Timeout = getEnvDuration("GATEWAY_TIMEOUT", c.Gateway.Timeout)
	c.Gateway.RateLimit = getEnvFloat("GATEWAY_RATE_LIMIT", c.Gateway.RateLimit)
	c.Gateway.Burst = getEnvInt("GATEWAY_BURST", c.Gateway.Burst)
	c.Gateway.Temperature = getEnvFloat("GEMINI_TEMPERATURE", c.Gateway.Temperature)

	c.Policy.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.Policy.MaxAttempts)
	c.Policy.ContextWindow = getEnvInt("CONTEXT_WINDOW", c.Policy.ContextWindow)

	c.RateLimit.FramesPerSecond = getEnvFloat("FRAME_RATE_LIMIT", c.RateLimit.FramesPerSecond)
	c.RateLimit.Burst = getEnvInt("FRAME_RATE_BURST", c.RateLimit.Burst)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Gemini.FlashModel == "" || c.Gemini.ProModel == "" {
		return fmt.Errorf("GEMINI_FLASH_MODEL and GEMINI_PRO_MODEL cannot be empty")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be > 0")
	}
	if c.Policy.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be > 0")
	}
	if c.Policy.ContextWindow <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
