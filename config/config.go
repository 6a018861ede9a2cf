// Package config provides configuration management for mnemo.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for mnemo.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP entry layer configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is the shared Redis connection used by redis-backed locks and sinks.
	Redis RedisConfig `mapstructure:"redis"`

	// Pipeline configures the packet pipeline orchestrator.
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Embedding configures the embedding stage and its provider.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Insight configures fact extraction and the world-model trigger.
	Insight InsightConfig `mapstructure:"insight"`

	// Sinks configures the fire-and-forget graph and world-model sinks.
	Sinks SinksConfig `mapstructure:"sinks"`

	// IDLock configures per-packet-id run serialization.
	IDLock IDLockConfig `mapstructure:"idlock"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// WebSocket configures the live ingestion stream.
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds each API request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`

	// MaxBodyBytes limits the size of request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`

	// MaxBatchSize limits the number of packets per batch request.
	MaxBatchSize int `mapstructure:"max_batch_size" validate:"min=1"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// WebSocketConfig holds live ingestion stream settings.
type WebSocketConfig struct {
	// Enabled mounts the /api/v1/stream endpoint.
	Enabled bool `mapstructure:"enabled"`

	// MaxConnections caps concurrent stream connections.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// ReadLimit is the maximum frame size in bytes.
	ReadLimit int64 `mapstructure:"read_limit" validate:"min=0"`

	// WriteTimeout bounds each reply frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// PongWait is how long to wait for a pong before dropping the connection.
	PongWait time.Duration `mapstructure:"pong_wait"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`

	// ConflictRetries is how many times a write transaction is retried on a
	// badger transaction conflict.
	ConflictRetries int `mapstructure:"conflict_retries" validate:"min=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces every key and channel mnemo writes.
	KeyPrefix string `mapstructure:"key_prefix"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// PoolSize is the connection pool size.
	PoolSize int `mapstructure:"pool_size" validate:"min=0"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// Validation bounds what the validator accepts.
	Validation ValidationConfig `mapstructure:"validation"`

	// Lineage configures parent resolution.
	Lineage LineageConfig `mapstructure:"lineage"`

	// StageTimeout bounds each post-persist stage. Zero disables the bound.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`

	// ShutdownTimeout bounds draining of background sink work.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ValidationConfig holds packet validation bounds.
type ValidationConfig struct {
	// DefaultConfidence applies when a packet carries no confidence.
	DefaultConfidence float64 `mapstructure:"default_confidence" validate:"gte=0,lte=1"`

	// MaxPayloadDepth is the maximum nesting depth of the payload.
	MaxPayloadDepth int `mapstructure:"max_payload_depth" validate:"min=1"`

	// MaxPayloadBytes is the maximum serialized payload size.
	MaxPayloadBytes int `mapstructure:"max_payload_bytes" validate:"min=1"`

	// MaxParents is the maximum number of parent ids per packet.
	MaxParents int `mapstructure:"max_parents" validate:"min=0"`
}

// LineageConfig holds lineage tracker settings.
type LineageConfig struct {
	// MaxAncestorDepth enables a bounded cycle check when > 0.
	MaxAncestorDepth int `mapstructure:"max_ancestor_depth" validate:"min=0"`
}

// EmbeddingConfig holds embedding stage settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (hash, ollama, openai).
	Provider string `mapstructure:"provider" validate:"oneof=hash ollama openai"`

	// Model is the provider model name.
	Model string `mapstructure:"model"`

	// Dimension is the expected vector dimension.
	Dimension int `mapstructure:"dimension" validate:"min=1"`

	// BaseURL is the provider endpoint (ollama host or openai-compatible base url).
	BaseURL string `mapstructure:"base_url"`

	// APIKey authenticates against the openai provider.
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Skip is the skip-filter policy.
	Skip SkipConfig `mapstructure:"skip"`

	// ReuseWindow is how far back a stored embedding with the same content
	// hash may be reused. Zero disables reuse.
	ReuseWindow time.Duration `mapstructure:"reuse_window"`

	// CacheSize is the size of the in-process content hash cache.
	CacheSize int `mapstructure:"cache_size" validate:"min=0"`

	// Retry controls retries of transient provider failures.
	Retry RetryConfig `mapstructure:"retry"`

	// Gate bounds concurrent and per-second provider calls.
	Gate GateConfig `mapstructure:"gate"`
}

// SkipConfig holds the embedding skip-filter policy.
type SkipConfig struct {
	// MinContentLength skips content shorter than this many runes.
	MinContentLength int `mapstructure:"min_content_length" validate:"min=0"`

	// ExcludedTypes skips packets of these types.
	ExcludedTypes []string `mapstructure:"excluded_types"`

	// SkipDuplicates skips content whose hash was already embedded instead
	// of reusing the stored vector.
	SkipDuplicates bool `mapstructure:"skip_duplicates"`
}

// RetryConfig holds exponential backoff settings.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"gte=1"`
}

// GateConfig holds bounded-concurrency settings for an external collaborator.
type GateConfig struct {
	// MaxConcurrent is the maximum number of in-flight calls.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`

	// RateLimit is the sustained calls per second. Zero disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`

	// Burst is the rate limiter burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// InsightConfig holds extraction and world-model trigger settings.
type InsightConfig struct {
	// MaxAttributeFacts caps attribute facts per packet.
	MaxAttributeFacts int `mapstructure:"max_attribute_facts" validate:"min=0"`

	// WorldModelThreshold is the confidence a fact needs to notify the world model.
	WorldModelThreshold float64 `mapstructure:"world_model_threshold" validate:"gte=0,lte=1"`

	// WorldModelMinFacts is how many facts must clear the threshold.
	WorldModelMinFacts int `mapstructure:"world_model_min_facts" validate:"min=1"`
}

// SinksConfig holds fire-and-forget sink settings.
type SinksConfig struct {
	// Graph configures the graph database sink.
	Graph SinkConfig `mapstructure:"graph"`

	// WorldModel configures the world-model sink.
	WorldModel SinkConfig `mapstructure:"world_model"`

	// Lane configures the background worker pool.
	Lane LaneConfig `mapstructure:"lane"`

	// Gate bounds concurrent sink calls.
	Gate GateConfig `mapstructure:"gate"`
}

// SinkConfig selects a sink implementation.
type SinkConfig struct {
	// Type is the sink implementation (nop, memory, redis).
	Type string `mapstructure:"type" validate:"oneof=nop memory redis"`

	// Timeout bounds a single sink call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LaneConfig holds background worker pool settings.
type LaneConfig struct {
	// Workers is the number of background workers.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize is the bounded queue capacity.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// Backpressure is the full-queue strategy (drop, block).
	Backpressure string `mapstructure:"backpressure" validate:"oneof=drop block"`

	// TaskTimeout bounds a single background task.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// IDLockConfig holds per-id lock settings.
type IDLockConfig struct {
	// Type is the lock implementation (local, redis).
	Type string `mapstructure:"type" validate:"oneof=local redis"`

	// TTL is the redis lock lease.
	TTL time.Duration `mapstructure:"ttl"`

	// RetryInterval is how often a contended redis lock is retried.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds span export calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Embedding: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Embedding.Provider)
}
