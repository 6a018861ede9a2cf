package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/mnemo/config"
	"github.com/goclaw/mnemo/pkg/api"
	"github.com/goclaw/mnemo/pkg/api/handlers"
	"github.com/goclaw/mnemo/pkg/embedding"
	"github.com/goclaw/mnemo/pkg/eventbus"
	"github.com/goclaw/mnemo/pkg/gate"
	"github.com/goclaw/mnemo/pkg/graphsync"
	"github.com/goclaw/mnemo/pkg/idlock"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/lane"
	"github.com/goclaw/mnemo/pkg/lineage"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/metrics"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/pipeline"
	"github.com/goclaw/mnemo/pkg/search"
	"github.com/goclaw/mnemo/pkg/storage"
	"github.com/goclaw/mnemo/pkg/storage/badger"
	"github.com/goclaw/mnemo/pkg/storage/memory"
	"github.com/goclaw/mnemo/pkg/worldmodel"
)

// app holds the wired components of a running mnemo process.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager
	store   storage.Store
	redis   *redis.Client
	stage   *embedding.Stage
	orch    *pipeline.Orchestrator
	stream  *handlers.StreamHandler
	server  *api.HTTPServer

	unsubscribe func()
}

// build wires every component described by cfg. On error everything that
// was already opened is closed again.
func build(cfg *config.Config, log logger.Logger, mm *metrics.Manager) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, metrics: mm}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(cfg.Storage, log); err != nil {
		return nil, err
	}
	if needsRedis(cfg) {
		a.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
		log.Info("redis client configured", "address", cfg.Redis.Address, "db", cfg.Redis.DB)
	}

	provider, err := newProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	a.stage, err = embedding.NewStage(provider, a.store, embedding.Config{
		Dimension:   cfg.Embedding.Dimension,
		ReuseWindow: cfg.Embedding.ReuseWindow,
		CacheSize:   cfg.Embedding.CacheSize,
		Timeout:     cfg.Embedding.Timeout,
		Retry: embedding.RetryPolicy{
			MaxAttempts:    cfg.Embedding.Retry.MaxAttempts,
			InitialBackoff: cfg.Embedding.Retry.InitialBackoff,
			MaxBackoff:     cfg.Embedding.Retry.MaxBackoff,
			Factor:         cfg.Embedding.Retry.BackoffFactor,
		},
		Skip: skipPolicy(cfg.Embedding.Skip),
	},
		embedding.WithGate(gate.New("embedding", gateConfig(cfg.Embedding.Gate))),
		embedding.WithLogger(log.With("component", "embedding")),
		embedding.WithObserver(mm),
	)
	if err != nil {
		return nil, fmt.Errorf("create embedding stage: %w", err)
	}

	locker, err := newLocker(cfg, a.redis, log)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Store:    a.store,
		Embedder: a.stage,
		Validator: packet.NewValidator(packet.Limits{
			DefaultConfidence: cfg.Pipeline.Validation.DefaultConfidence,
			MaxPayloadDepth:   cfg.Pipeline.Validation.MaxPayloadDepth,
			MaxPayloadBytes:   cfg.Pipeline.Validation.MaxPayloadBytes,
			MaxParents:        cfg.Pipeline.Validation.MaxParents,
		}),
		Extractor: insight.NewExtractor(insight.WithMaxAttributeFacts(cfg.Insight.MaxAttributeFacts)),
		Lineage:   lineage.NewTracker(a.store, lineage.WithMaxAncestorDepth(cfg.Pipeline.Lineage.MaxAncestorDepth)),
		Retriever: search.NewRetriever(search.Config{Dimension: cfg.Embedding.Dimension}),
		Locker:    locker,
		Logger:    log.With("component", "pipeline"),
		Metrics:   mm,
	}
	if err := a.wireSinks(&deps); err != nil {
		return nil, err
	}

	a.orch, err = pipeline.New(deps, pipeline.Options{StageTimeout: cfg.Pipeline.StageTimeout})
	if err != nil {
		return nil, err
	}

	h := &api.Handlers{
		Packets: handlers.NewPacketHandler(a.orch, a.store, cfg.Server.HTTP.MaxBatchSize, log),
		Query:   handlers.NewQueryHandler(a.store, a.orch),
		Health:  handlers.NewHealthHandler(a.store, a.orch),
	}
	if mm.Enabled() {
		h.Metrics = mm
	}
	if cfg.Server.WebSocket.Enabled {
		a.stream = handlers.NewStreamHandler(a.orch, log, mm, handlers.StreamConfig{
			AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			ReadLimit:      cfg.Server.WebSocket.ReadLimit,
			WriteTimeout:   cfg.Server.WebSocket.WriteTimeout,
			PongWait:       cfg.Server.WebSocket.PongWait,
		})
		h.Stream = a.stream
		a.unsubscribe = a.orch.Subscribe(a.stream)
	}
	a.server = api.NewHTTPServer(cfg, log, h)
	return a, nil
}

// wireSinks creates the background lane and the graph and world-model
// sinks. A "nop" sink is left unset so that no background work is queued
// for it.
func (a *app) wireSinks(deps *pipeline.Deps) error {
	cfg := a.cfg.Sinks
	if cfg.Graph.Type == "nop" && cfg.WorldModel.Type == "nop" {
		return nil
	}

	bp, err := lane.ParseBackpressure(cfg.Lane.Backpressure)
	if err != nil {
		return err
	}
	l, err := lane.New(&lane.Config{
		Name:           "sinks",
		Capacity:       cfg.Lane.QueueSize,
		MaxConcurrency: cfg.Lane.Workers,
		Backpressure:   bp,
		TaskTimeout:    cfg.Lane.TaskTimeout,
	}, a.log)
	if err != nil {
		return fmt.Errorf("create sink lane: %w", err)
	}
	l.SetMetrics(a.metrics)
	deps.Lane = l

	g := gate.New("sinks", gateConfig(cfg.Gate))
	publishers := make(map[string]*eventbus.Publisher)
	publisher := func(kind string) (*eventbus.Publisher, error) {
		if p, ok := publishers[kind]; ok {
			return p, nil
		}
		p, err := a.newPublisher(kind)
		if err != nil {
			return nil, err
		}
		publishers[kind] = p
		return p, nil
	}

	if cfg.Graph.Type != "nop" {
		p, err := publisher(cfg.Graph.Type)
		if err != nil {
			return fmt.Errorf("graph sink: %w", err)
		}
		deps.Graph = graphsync.NewAdapter(graphsync.NewEventSink(p),
			graphsync.WithGate(g),
			graphsync.WithTimeout(cfg.Graph.Timeout),
		)
		a.log.Info("graph sink enabled", "type", cfg.Graph.Type)
	}
	if cfg.WorldModel.Type != "nop" {
		p, err := publisher(cfg.WorldModel.Type)
		if err != nil {
			return fmt.Errorf("world model sink: %w", err)
		}
		n, err := worldmodel.NewNotifier(worldmodel.NewEventSink(p),
			a.cfg.Insight.WorldModelThreshold,
			a.cfg.Insight.WorldModelMinFacts,
			worldmodel.WithGate(g),
			worldmodel.WithTimeout(cfg.WorldModel.Timeout),
		)
		if err != nil {
			return fmt.Errorf("world model sink: %w", err)
		}
		deps.WorldModel = n
		a.log.Info("world model sink enabled", "type", cfg.WorldModel.Type)
	}
	return nil
}

func (a *app) newPublisher(kind string) (*eventbus.Publisher, error) {
	var transport eventbus.Transport
	switch kind {
	case "memory":
		transport = eventbus.NewMemoryBus()
	case "redis":
		t, err := eventbus.NewRedisTransport(a.redis, a.cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		return nil, fmt.Errorf("unknown sink type %q", kind)
	}
	return eventbus.NewPublisher(nodeID(a.cfg), transport, eventbus.DefaultRetryConfig(), a.metrics)
}

// start rebuilds the search index, binds the HTTP port and begins
// serving. The returned channel receives the server's terminal error.
func (a *app) start(ctx context.Context) (<-chan error, error) {
	if err := a.orch.Start(ctx); err != nil {
		return nil, err
	}
	if err := a.server.Listen(); err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}

// shutdown stops intake first, then drains the pipeline, then releases
// the store and redis.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		a.log.Info("Shutting down HTTP server")
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.orch != nil {
		pctx, cancel := context.WithTimeout(ctx, a.cfg.Pipeline.ShutdownTimeout)
		defer cancel()
		if err := a.orch.Shutdown(pctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.stage != nil {
		if err := a.stage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedding stage: %w", err))
		}
		a.stage = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.store = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		a.redis = nil
	}
	return errors.Join(errs...)
}

// applyHotReload pushes the reloadable parts of next into the running
// components.
func (a *app) applyHotReload(prev, next config.HotReloadableConfig) {
	if !prev.Changed(next) {
		return
	}
	if prev.LogLevel != next.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		a.log.Info("log level updated", "level", next.LogLevel)
	}
	a.orch.UpdateSkipPolicy(skipPolicy(next.Skip))
	if err := a.orch.UpdateWorldModelTrigger(next.WorldModelThreshold, next.WorldModelMinFacts); err != nil {
		a.log.Warn("world model trigger not updated", "error", err)
	}
}

func openStore(cfg config.StorageConfig, log logger.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
			ConflictRetries:   cfg.Badger.ConflictRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("create badger storage: %w", err)
		}
		log.Info("Initialized Badger storage", "path", cfg.Badger.Path)
		return s, nil
	default:
		log.Info("Initialized memory storage")
		return memory.NewMemoryStorage(), nil
	}
}

func newProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	switch cfg.Provider {
	case "hash":
		return embedding.NewHashProvider(cfg.Dimension), nil
	case "ollama":
		return embedding.NewOllamaProvider(embedding.OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case "openai":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func newLocker(cfg *config.Config, client *redis.Client, log logger.Logger) (idlock.Locker, error) {
	if cfg.IDLock.Type != "redis" {
		return idlock.NewLocalLocker(), nil
	}
	return idlock.NewRedisLocker(client, idlock.RedisConfig{
		KeyPrefix:     cfg.Redis.KeyPrefix + "lock:",
		TTL:           cfg.IDLock.TTL,
		RetryInterval: cfg.IDLock.RetryInterval,
	}, log)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.IDLock.Type == "redis" ||
		cfg.Sinks.Graph.Type == "redis" ||
		cfg.Sinks.WorldModel.Type == "redis"
}

func skipPolicy(cfg config.SkipConfig) embedding.SkipPolicy {
	return embedding.SkipPolicy{
		MinContentLength: cfg.MinContentLength,
		ExcludedTypes:    cfg.ExcludedTypes,
		SkipDuplicates:   cfg.SkipDuplicates,
	}
}

func gateConfig(cfg config.GateConfig) gate.Config {
	return gate.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		RateLimit:     cfg.RateLimit,
		Burst:         cfg.Burst,
	}
}

func nodeID(cfg *config.Config) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return cfg.App.Name + "@" + host
	}
	return cfg.App.Name
}
