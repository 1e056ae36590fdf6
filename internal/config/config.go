// Package config provides configuration loading for codeindexd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables with the CODEINDEXD_ prefix. See LoadWithFile for precedence and
// security constraints.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// Config holds the complete codeindexd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Database    DatabaseConfig    `koanf:"database"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Indexer     IndexerConfig     `koanf:"indexer"`
	Queue       QueueConfig       `koanf:"queue"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Events      EventsConfig      `koanf:"events"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Watch       WatchConfig       `koanf:"watch"`
}

// ServerConfig holds the operational HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	URL             Secret   `koanf:"url"`
	MaxOpenConns    int      `koanf:"max_open_conns"`
	MaxIdleConns    int      `koanf:"max_idle_conns"`
	ConnMaxLifetime Duration `koanf:"conn_max_lifetime"`
}

// QdrantConfig holds vector store connection configuration.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
	UseTLS         bool     `koanf:"use_tls"`
	APIKey         Secret   `koanf:"api_key"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	BaseURL        string   `koanf:"base_url"`
	APIKey         Secret   `koanf:"api_key"`
	Model          string   `koanf:"model"`
	MaxTokens      int      `koanf:"max_tokens"`
	Concurrency    int      `koanf:"concurrency"`
	RequestTimeout Duration `koanf:"request_timeout"`
	RateLimit      float64  `koanf:"rate_limit"`
	RateBurst      int      `koanf:"rate_burst"`
}

// IndexerConfig holds chunking and sizing configuration.
type IndexerConfig struct {
	ChunkTargetTokens  int    `koanf:"chunk_target_tokens"`
	ChunkOverlapTokens int    `koanf:"chunk_overlap_tokens"`
	MaxFileBytes       int64  `koanf:"max_file_bytes"`
	InlineThreshold    int64  `koanf:"inline_threshold"`
	UUIDNamespace      string `koanf:"uuid_namespace"`
	IgnoreFile         string `koanf:"ignore_file"`
	ScrubSecrets       bool   `koanf:"scrub_secrets"`
	ScrubAllowlistFile string `koanf:"scrub_allowlist_file"`
}

// QueueConfig holds background job queue configuration.
type QueueConfig struct {
	Concurrency          int      `koanf:"concurrency"`
	LockDuration         Duration `koanf:"lock_duration"`
	StalledCheckInterval Duration `koanf:"stalled_check_interval"`
	MaxStalledCount      int      `koanf:"max_stalled_count"`
	Attempts             int      `koanf:"attempts"`
	BackoffInitial       Duration `koanf:"backoff_initial"`
	RemoveOnComplete     int      `koanf:"remove_on_complete"`
	RemoveOnFail         int      `koanf:"remove_on_fail"`
}

// CredentialsConfig holds the repository token encryption key.
// EncryptionKey is hex-encoded and must decode to exactly 32 bytes.
type CredentialsConfig struct {
	EncryptionKey Secret `koanf:"encryption_key"`
}

// EventsConfig holds NATS lifecycle event publishing configuration.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TelemetryConfig holds OpenTelemetry trace export configuration.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	ShutdownWait   Duration `koanf:"shutdown_wait"`
}

// WatchConfig holds filesystem watch mode configuration.
type WatchConfig struct {
	Debounce Duration `koanf:"debounce"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{"service": "codeindexd"}
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = "postgres://localhost:5432/codeindexd?sslmode=disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = Duration(30 * time.Minute)
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.RequestTimeout == 0 {
		cfg.Qdrant.RequestTimeout = Duration(30 * time.Second)
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.MaxTokens == 0 {
		cfg.Embeddings.MaxTokens = 8192
	}
	if cfg.Embeddings.Concurrency == 0 {
		cfg.Embeddings.Concurrency = 4
	}
	if cfg.Embeddings.RequestTimeout == 0 {
		cfg.Embeddings.RequestTimeout = Duration(60 * time.Second)
	}

	if cfg.Indexer.ChunkTargetTokens == 0 {
		cfg.Indexer.ChunkTargetTokens = 512
	}
	if cfg.Indexer.ChunkOverlapTokens == 0 {
		cfg.Indexer.ChunkOverlapTokens = 64
	}
	if cfg.Indexer.MaxFileBytes == 0 {
		cfg.Indexer.MaxFileBytes = 1 << 20 // 1MB
	}
	if cfg.Indexer.InlineThreshold == 0 {
		cfg.Indexer.InlineThreshold = 30000
	}
	if cfg.Indexer.UUIDNamespace == "" {
		cfg.Indexer.UUIDNamespace = uuid.NameSpaceURL.String()
	}
	if cfg.Indexer.IgnoreFile == "" {
		cfg.Indexer.IgnoreFile = ".codebaseindexignore"
	}

	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 2
	}
	if cfg.Queue.LockDuration == 0 {
		cfg.Queue.LockDuration = Duration(10 * time.Minute)
	}
	if cfg.Queue.StalledCheckInterval == 0 {
		cfg.Queue.StalledCheckInterval = Duration(30 * time.Second)
	}
	if cfg.Queue.MaxStalledCount == 0 {
		cfg.Queue.MaxStalledCount = 2
	}
	if cfg.Queue.Attempts == 0 {
		cfg.Queue.Attempts = 3
	}
	if cfg.Queue.BackoffInitial == 0 {
		cfg.Queue.BackoffInitial = Duration(2 * time.Second)
	}
	if cfg.Queue.RemoveOnComplete == 0 {
		cfg.Queue.RemoveOnComplete = 100
	}
	if cfg.Queue.RemoveOnFail == 0 {
		cfg.Queue.RemoveOnFail = 50
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "codeindex"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "codeindexd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ShutdownWait == 0 {
		cfg.Telemetry.ShutdownWait = Duration(5 * time.Second)
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = Duration(2 * time.Second)
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database: url is required")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant: host is required")
	}
	if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("qdrant: port must be 1-65535, got %d", c.Qdrant.Port)
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if err := c.Indexer.Validate(); err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry: endpoint is required when enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry: sample_rate must be 0.0-1.0, got %v", c.Telemetry.SampleRate)
		}
	}
	return nil
}

// Validate checks embedding provider configuration.
func (c *EmbeddingsConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %v", c.RateLimit)
	}
	return nil
}

// Validate checks indexer configuration.
func (c *IndexerConfig) Validate() error {
	if c.ChunkTargetTokens < 1 {
		return fmt.Errorf("chunk_target_tokens must be positive, got %d", c.ChunkTargetTokens)
	}
	if c.ChunkOverlapTokens < 0 {
		return fmt.Errorf("chunk_overlap_tokens cannot be negative, got %d", c.ChunkOverlapTokens)
	}
	if c.MaxFileBytes < 1 {
		return fmt.Errorf("max_file_bytes must be positive, got %d", c.MaxFileBytes)
	}
	if c.InlineThreshold < 0 {
		return fmt.Errorf("inline_threshold cannot be negative, got %d", c.InlineThreshold)
	}
	if _, err := uuid.Parse(c.UUIDNamespace); err != nil {
		return fmt.Errorf("uuid_namespace is not a valid UUID: %w", err)
	}
	return nil
}

// Validate checks queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.LockDuration.Duration() <= 0 {
		return fmt.Errorf("lock_duration must be positive")
	}
	if c.StalledCheckInterval.Duration() <= 0 {
		return fmt.Errorf("stalled_check_interval must be positive")
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be positive, got %d", c.Attempts)
	}
	return nil
}

// Validate checks the encryption key when one is configured.
func (c *CredentialsConfig) Validate() error {
	if !c.EncryptionKey.IsSet() {
		return nil
	}
	key, err := hex.DecodeString(c.EncryptionKey.Value())
	if err != nil {
		return fmt.Errorf("encryption_key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// EncryptionKeyBytes decodes the configured hex key. Returns nil when unset.
func (c *CredentialsConfig) EncryptionKeyBytes() ([]byte, error) {
	if !c.EncryptionKey.IsSet() {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey.Value())
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return key, nil
}
