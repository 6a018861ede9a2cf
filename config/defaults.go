package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "mnemo",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
				MaxBodyBytes:    4 << 20, // 4MB
				MaxBatchSize:    500,
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
			WebSocket: WebSocketConfig{
				Enabled:        true,
				MaxConnections: 100,
				ReadLimit:      1 << 20,
				WriteTimeout:   10 * time.Second,
				PongWait:       60 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
				ConflictRetries:   3,
			},
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			KeyPrefix:   "mnemo:",
			DialTimeout: 5 * time.Second,
			PoolSize:    10,
		},
		Pipeline: PipelineConfig{
			Validation: ValidationConfig{
				DefaultConfidence: 0.5,
				MaxPayloadDepth:   16,
				MaxPayloadBytes:   1 << 20,
				MaxParents:        64,
			},
			Lineage: LineageConfig{
				MaxAncestorDepth: 0,
			},
			StageTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "hash-v1",
			Dimension: 256,
			BaseURL:   "http://localhost:11434",
			Timeout:   20 * time.Second,
			Skip: SkipConfig{
				MinContentLength: 3,
				ExcludedTypes:    []string{"heartbeat"},
			},
			ReuseWindow: 24 * time.Hour,
			CacheSize:   4096,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
			},
			Gate: GateConfig{
				MaxConcurrent: 8,
				RateLimit:     0,
				Burst:         0,
			},
		},
		Insight: InsightConfig{
			MaxAttributeFacts:   32,
			WorldModelThreshold: 0.8,
			WorldModelMinFacts:  1,
		},
		Sinks: SinksConfig{
			Graph: SinkConfig{
				Type:    "nop",
				Timeout: 5 * time.Second,
			},
			WorldModel: SinkConfig{
				Type:    "nop",
				Timeout: 5 * time.Second,
			},
			Lane: LaneConfig{
				Workers:      4,
				QueueSize:    1024,
				Backpressure: "drop",
				TaskTimeout:  30 * time.Second,
			},
			Gate: GateConfig{
				MaxConcurrent: 16,
			},
		},
		IDLock: IDLockConfig{
			Type:          "local",
			TTL:           30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
