// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	PublicURL   string `env:"PUBLIC_URL"`
	DBPath      string `env:"DB_PATH"      envDefault:"./data/sketchduel.db"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	Classifier ClassifierConfig
	Duel       DuelConfig
	RateLimit  RateLimitConfig
	Sweep      SweepConfig

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// ClassifierConfig locates the drawing classifier service.
type ClassifierConfig struct {
	Addr    string        `env:"CLASSIFIER_ADDR"`
	Timeout time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"5s"`
}

// DuelConfig holds lifetimes and round parameters.
type DuelConfig struct {
	PresenceTTL   time.Duration `env:"PRESENCE_TTL"   envDefault:"120s"`
	ChallengeTTL  time.Duration `env:"CHALLENGE_TTL"  envDefault:"30s"`
	RoundDuration time.Duration `env:"ROUND_DURATION" envDefault:"60s"`
	Countdown     time.Duration `env:"COUNTDOWN"      envDefault:"3s"`
	PromptCount   int           `env:"PROMPT_COUNT"   envDefault:"20"`
	MaxImageBytes int           `env:"MAX_IMAGE_BYTES" envDefault:"2097152"`
}

// RateLimitConfig bounds challenge creation per sender.
type RateLimitConfig struct {
	Max    int           `env:"RATE_LIMIT_MAX"    envDefault:"5"`
	Window time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
}

// SweepConfig sets the maintenance worker cadence. Zero disables a sweep.
type SweepConfig struct {
	ChallengeExpiry time.Duration `env:"SWEEP_CHALLENGE_INTERVAL" envDefault:"5s"`
	PresencePrune   time.Duration `env:"SWEEP_PRESENCE_INTERVAL"  envDefault:"30s"`
	OverdueRounds   time.Duration `env:"SWEEP_ROUNDS_INTERVAL"    envDefault:"5s"`
	LimiterPrune    time.Duration `env:"SWEEP_LIMITER_INTERVAL"   envDefault:"1m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if c.Classifier.Timeout <= 0 {
		errs = append(errs, errors.New("CLASSIFIER_TIMEOUT must be > 0"))
	}
	if c.Duel.PresenceTTL <= 0 {
		errs = append(errs, errors.New("PRESENCE_TTL must be > 0"))
	}
	if c.Duel.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("CHALLENGE_TTL must be > 0"))
	}
	if c.Duel.RoundDuration <= 0 {
		errs = append(errs, errors.New("ROUND_DURATION must be > 0"))
	}
	if c.Duel.Countdown < 0 {
		errs = append(errs, errors.New("COUNTDOWN cannot be negative"))
	}
	if c.Duel.PromptCount <= 0 {
		errs = append(errs, errors.New("PROMPT_COUNT must be > 0"))
	}
	if c.Duel.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_BYTES must be > 0"))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be > 0"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// ShareBaseURL returns the base URL used in challenge share links.
func (c *Config) ShareBaseURL() string {
	base := c.PublicURL
	if base == "" {
		base = c.FrontendURL
	}
	if base == "" {
		base = "http://localhost:" + c.Port
	}
	return strings.TrimRight(base, "/")
}
