package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Environment variable overrides, applied after file loading.
const (
	EnvConfigFile    = "IMAGEGEN_CONFIG"
	EnvMode          = "IMAGEGEN_MODE"
	EnvListen        = "IMAGEGEN_LISTEN"
	EnvDatabaseURL   = "IMAGEGEN_DATABASE_URL"
	EnvNATSURL       = "IMAGEGEN_NATS_URL"
	EnvWorkerURL     = "IMAGEGEN_WORKER_URL"
	EnvWebhookSecret = "IMAGEGEN_WEBHOOK_SECRET"
	EnvStoragePath   = "IMAGEGEN_STORAGE_PATH"
	EnvWorkers       = "IMAGEGEN_WORKER_CONCURRENCY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (path argument, or $IMAGEGEN_CONFIG)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
		l.logger.Debug("loaded config file", slog.String("path", path))
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvMode); v != "" {
		c.Mode = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Queue.URL = v
	}
	if v := os.Getenv(EnvWorkerURL); v != "" {
		c.Queue.WorkerURL = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Server.WebhookSecret = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		c.Pipeline.WorkerConcurrency = n
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		if c.Providers.Generation.APIKey == "" {
			c.Providers.Generation.APIKey = v
		}
		if c.Providers.Vision.APIKey == "" {
			c.Providers.Vision.APIKey = v
		}
		if c.Providers.Embedding.APIKey == "" {
			c.Providers.Embedding.APIKey = v
		}
	}
	return nil
}
