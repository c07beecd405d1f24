package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Providers ProvidersConfig `yaml:"providers"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SyncConfig struct {
	// AnonymizedTitle replaces every event summary in the unified feed.
	AnonymizedTitle   string      `yaml:"anonymized_title"`
	SourceFanOut      int         `yaml:"source_fan_out"`
	DestinationFanOut int         `yaml:"destination_fan_out"`
	Schedule          string      `yaml:"schedule"`
	Retry             RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type JobsConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	Google    OAuthAppConfig `yaml:"google"`
	Microsoft OAuthAppConfig `yaml:"microsoft"`
}

type OAuthAppConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Load reads the YAML config at path, expanding ${ENV} references after
// loading a .env file if one exists.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/calfeed.db"
	}
	if c.Sync.AnonymizedTitle == "" {
		c.Sync.AnonymizedTitle = "Busy"
	}
	if c.Sync.SourceFanOut == 0 {
		c.Sync.SourceFanOut = 4
	}
	if c.Sync.DestinationFanOut == 0 {
		c.Sync.DestinationFanOut = 4
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "*/15 * * * *"
	}
	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = 3
	}
	if c.Sync.Retry.InitialBackoff == 0 {
		c.Sync.Retry.InitialBackoff = 1 * time.Second
	}
	if c.Sync.Retry.MaxBackoff == 0 {
		c.Sync.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 64
	}
	if c.Jobs.Timeout == 0 {
		c.Jobs.Timeout = 5 * time.Minute
	}
}
