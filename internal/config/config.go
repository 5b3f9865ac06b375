package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for our application, parsed from
// environment variables via struct tags.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,notEmpty"`
	DatabaseDSN  string `env:"DATABASE_DSN,notEmpty"`

	CommandPrefix string `env:"COMMAND_PREFIX" envDefault:"!"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// CheckpointInterval bounds how much live tracking state is at risk on a crash.
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"5m"`

	// DefaultThresholdPercent applies when a guild has no stored event config.
	DefaultThresholdPercent float64 `env:"DEFAULT_THRESHOLD_PERCENT" envDefault:"50"`

	// BumpFallbackMinutes is credited by a bump when the record carries no event window.
	BumpFallbackMinutes int `env:"BUMP_FALLBACK_MINUTES" envDefault:"60"`

	MetricsPort     int    `env:"METRICS_PORT" envDefault:"8080"`
	MetricsEndpoint string `env:"METRICS_ENDPOINT" envDefault:"/metrics"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks constraints the env tags cannot express.
func (c *Config) Validate() error {
	if c.CheckpointInterval < time.Second {
		return fmt.Errorf("CHECKPOINT_INTERVAL must be at least 1s, got %s", c.CheckpointInterval)
	}
	if c.DefaultThresholdPercent <= 0 || c.DefaultThresholdPercent > 100 {
		return fmt.Errorf("DEFAULT_THRESHOLD_PERCENT must be in (0, 100], got %v", c.DefaultThresholdPercent)
	}
	if c.BumpFallbackMinutes <= 0 {
		return fmt.Errorf("BUMP_FALLBACK_MINUTES must be positive, got %d", c.BumpFallbackMinutes)
	}
	return nil
}
