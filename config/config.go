// Package config provides configuration loading and management for imagegend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatch modes.
const (
	ModeInProcess = "in_process"
	ModeExternal  = "external"
)

// Config represents the complete imagegend configuration.
type Config struct {
	// Mode selects how tasks are dispatched: "in_process" runs a fixed worker
	// pool inside the API process, "external" publishes tasks to the queue and
	// relies on the relay to invoke the worker endpoint.
	Mode string `yaml:"mode"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Queue     QueueConfig     `yaml:"queue"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`
	// WebhookSecret authenticates inbound worker-callback requests.
	// Required in external mode.
	WebhookSecret string `yaml:"webhook_secret"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	URL string `yaml:"url"`
	// MaxConns caps the connection pool size (0 = pgx default).
	MaxConns int `yaml:"max_conns"`
}

// StorageConfig configures the object store for image variants.
type StorageConfig struct {
	// Backend is "fs" for local filesystem or "s3" for an S3-compatible store.
	Backend string `yaml:"backend"`
	// Path is the root directory for the fs backend.
	Path string `yaml:"path"`
	// Endpoint, Bucket and credentials configure the s3 backend.
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ProviderConfig names a concrete adapter and its credentials.
type ProviderConfig struct {
	// Name is the registered adapter name (e.g. "openai").
	Name string `yaml:"name"`
	// APIKey is the provider credential.
	APIKey string `yaml:"api_key"`
	// Model overrides the adapter's default model.
	Model string `yaml:"model"`
	// BaseURL overrides the provider API endpoint (useful for proxies
	// and tests).
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig selects the generation, vision and embedding adapters.
type ProvidersConfig struct {
	Generation ProviderConfig `yaml:"generation"`
	Vision     ProviderConfig `yaml:"vision"`
	Embedding  ProviderConfig `yaml:"embedding"`
}

// PipelineConfig tunes the task pipeline.
type PipelineConfig struct {
	// MaxRetries bounds pipeline-level retries for retryable failures.
	MaxRetries int `yaml:"max_retries"`
	// WorkerConcurrency is the in-process worker pool size.
	WorkerConcurrency int `yaml:"worker_concurrency"`
	// TaskBudget is the total wall-clock budget per task across all attempts.
	TaskBudget time.Duration `yaml:"task_budget"`
	// GenerationTimeout bounds a single generation provider call.
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	// TaggingTimeout bounds a single vision provider call.
	TaggingTimeout time.Duration `yaml:"tagging_timeout"`
	// EmbeddingTimeout bounds a single embedding provider call.
	EmbeddingTimeout time.Duration `yaml:"embedding_timeout"`
	// ClaimLease is how long a running claim is considered fresh before
	// another worker may steal the task.
	ClaimLease time.Duration `yaml:"claim_lease"`
	// ShutdownGrace is how long pool shutdown waits for in-flight tasks.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// QueueConfig configures the external task queue (NATS JetStream) and the
// relay that drives the worker endpoint.
type QueueConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// Name is the queue (stream) name.
	Name string `yaml:"name"`
	// WorkerURL is the worker-callback endpoint the relay posts tasks to.
	WorkerURL string `yaml:"worker_url"`
	// MaxConcurrentDispatches caps in-flight worker invocations.
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`
	// MaxDispatchesPerSecond rate-limits worker invocations.
	MaxDispatchesPerSecond float64 `yaml:"max_dispatches_per_second"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeInProcess,
		Server: ServerConfig{
			Listen: ":8080",
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/imagegen?sslmode=disable",
		},
		Storage: StorageConfig{
			Backend: "fs",
			Path:    "./storage/images",
			Bucket:  "images",
		},
		Providers: ProvidersConfig{
			Generation: ProviderConfig{Name: "openai"},
			Vision:     ProviderConfig{Name: "openai"},
			Embedding:  ProviderConfig{Name: "openai"},
		},
		Pipeline: PipelineConfig{
			MaxRetries:        3,
			WorkerConcurrency: 5,
			TaskBudget:        10 * time.Minute,
			GenerationTimeout: 120 * time.Second,
			TaggingTimeout:    60 * time.Second,
			EmbeddingTimeout:  30 * time.Second,
			ClaimLease:        5 * time.Minute,
			ShutdownGrace:     30 * time.Second,
		},
		Queue: QueueConfig{
			URL:                     "nats://localhost:4222",
			Name:                    "image-generation",
			WorkerURL:               "http://localhost:8080/admin/worker/process-task",
			MaxConcurrentDispatches: 5,
			MaxDispatchesPerSecond:  10,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Mode != ModeInProcess && c.Mode != ModeExternal {
		return fmt.Errorf("mode must be %q or %q", ModeInProcess, ModeExternal)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the fs backend")
		}
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"fs\" or \"s3\"")
	}
	if c.Providers.Generation.Name == "" {
		return fmt.Errorf("providers.generation.name is required")
	}
	if c.Providers.Vision.Name == "" {
		return fmt.Errorf("providers.vision.name is required")
	}
	if c.Providers.Embedding.Name == "" {
		return fmt.Errorf("providers.embedding.name is required")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if c.Pipeline.WorkerConcurrency < 1 {
		return fmt.Errorf("pipeline.worker_concurrency must be >= 1")
	}
	if c.Pipeline.TaskBudget <= 0 {
		return fmt.Errorf("pipeline.task_budget must be positive")
	}
	if c.Mode == ModeExternal {
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url is required in external mode")
		}
		if c.Queue.Name == "" {
			return fmt.Errorf("queue.name is required in external mode")
		}
		if c.Queue.WorkerURL == "" {
			return fmt.Errorf("queue.worker_url is required in external mode")
		}
		if c.Server.WebhookSecret == "" {
			return fmt.Errorf("server.webhook_secret is required in external mode")
		}
		if c.Queue.MaxConcurrentDispatches < 1 {
			return fmt.Errorf("queue.max_concurrent_dispatches must be >= 1")
		}
		if c.Queue.MaxDispatchesPerSecond <= 0 {
			return fmt.Errorf("queue.max_dispatches_per_second must be positive")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
