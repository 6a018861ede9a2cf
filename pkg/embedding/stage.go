package embedding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/goclaw/mnemo/pkg/gate"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/storage"
)

// Reuse sources reported in Result.Source.
const (
	SourceProvider = "provider"
	SourcePacket   = "packet"
	SourceCache    = "cache"
	SourceStore    = "store"
)

// Store is the subset of storage.Store the stage needs.
type Store interface {
	GetEmbedding(ctx context.Context, packetID string) (*storage.Embedding, error)
	PutEmbedding(ctx context.Context, emb *storage.Embedding) error
	FindEmbeddingByHash(ctx context.Context, textHash string, since time.Time) (*storage.Embedding, error)
}

// Observer receives embedding stage measurements.
type Observer interface {
	ProviderCall(model, outcome string, d time.Duration)
	ProviderRetry(model string)
	Skipped(reason string)
	Reused(source string)
}

type nopObserver struct{}

func (nopObserver) ProviderCall(string, string, time.Duration) {}
func (nopObserver) ProviderRetry(string)                       {}
func (nopObserver) Skipped(string)                             {}
func (nopObserver) Reused(string)                              {}

// RetryPolicy configures exponential backoff for transient provider errors.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
}

// Config configures a Stage.
type Config struct {
	// Dimension is the expected vector size. Zero accepts any size.
	Dimension int

	// ReuseWindow bounds content-addressed reuse. Zero disables it.
	ReuseWindow time.Duration

	// CacheSize is the number of content hashes kept in process. Zero
	// disables the cache.
	CacheSize int

	// Timeout bounds a single provider call.
	Timeout time.Duration

	Retry RetryPolicy
	Skip  SkipPolicy
}

// Result describes what the stage did for one packet.
type Result struct {
	Skipped  bool
	Reason   string
	Reused   bool
	Source   string
	TextHash string
	Vector   []float32
	Model    string
	Attempts int
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithGate routes provider calls through g.
func WithGate(g *gate.Gate) StageOption {
	return func(s *Stage) {
		s.gate = g
	}
}

// WithLogger sets the stage logger.
func WithLogger(l logger.Logger) StageOption {
	return func(s *Stage) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) StageOption {
	return func(s *Stage) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StageOption {
	return func(s *Stage) {
		if now != nil {
			s.now = now
		}
	}
}

type cachedVector struct {
	packetID  string
	vector    []float32
	model     string
	createdAt time.Time
}

type computed struct {
	vector   []float32
	attempts int
}

// Stage embeds packet content under a skip policy with reuse and retries.
type Stage struct {
	provider Provider
	store    Store
	gate     *gate.Gate
	cache    *ristretto.Cache[string, cachedVector]
	group    singleflight.Group
	policy   atomic.Pointer[SkipPolicy]
	cfg      Config
	logger   logger.Logger
	observer Observer
	now      func() time.Time
}

// NewStage creates an embedding stage.
func NewStage(provider Provider, store Store, cfg Config, opts ...StageOption) (*Stage, error) {
	if provider == nil {
		return nil, errors.New("embedding: provider is required")
	}
	if store == nil {
		return nil, errors.New("embedding: store is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Factor < 1 {
		cfg.Retry.Factor = 1
	}

	s := &Stage{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger.Nop(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = gate.New("embedding", gate.Config{MaxConcurrent: 8})
	}

	if cfg.CacheSize > 0 && cfg.ReuseWindow > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, cachedVector]{
			NumCounters: int64(cfg.CacheSize) * 10,
			MaxCost:     int64(cfg.CacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: create cache: %w", err)
		}
		s.cache = cache
	}

	s.SetPolicy(cfg.Skip)
	return s, nil
}

// SetPolicy replaces the skip policy. Runs already past the policy check
// are unaffected.
func (s *Stage) SetPolicy(p SkipPolicy) {
	p = p.clone()
	s.policy.Store(&p)
}

// Policy returns the current skip policy.
func (s *Stage) Policy() SkipPolicy {
	return s.policy.Load().clone()
}

// Model returns the provider model.
func (s *Stage) Model() string {
	return s.provider.Model()
}

// Embed produces or reuses an embedding for env, or skips it under the
// policy. An error means no embedding is stored for the packet.
func (s *Stage) Embed(ctx context.Context, env *packet.Envelope) (*Result, error) {
	ctx, span := embeddingTracer().Start(ctx, spanStageEmbed)
	defer span.End()
	span.SetAttributes(attribute.String("packet.id", env.ID))

	res, err := s.embed(ctx, env)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Skipped:
		span.SetAttributes(attribute.String("embedding.skip_reason", res.Reason))
	default:
		span.SetAttributes(
			attribute.String("embedding.source", res.Source),
			attribute.Int("embedding.attempts", res.Attempts),
		)
	}
	return res, err
}

func (s *Stage) embed(ctx context.Context, env *packet.Envelope) (*Result, error) {
	content := packet.Content(env)
	res := &Result{TextHash: packet.TextHash(content)}

	// A replay finds the vector stored by the earlier run.
	existing, err := s.store.GetEmbedding(ctx, env.ID)
	switch {
	case err == nil && existing.TextHash == res.TextHash:
		s.observer.Reused(SourcePacket)
		return s.reused(res, SourcePacket, existing.Vector, existing.Model), nil
	case err != nil && !storage.IsNotFound(err):
		s.logger.WarnContext(ctx, "embedding lookup by packet failed", "packet_id", env.ID, "error", err)
	}

	policy := s.policy.Load()
	if reason := policy.Evaluate(env, content); reason != "" {
		return s.skip(res, reason), nil
	}

	if prior, source, ok := s.findReusable(ctx, res.TextHash); ok {
		if policy.SkipDuplicates {
			return s.skip(res, SkipDuplicate), nil
		}
		if err := s.put(ctx, env.ID, res.TextHash, prior.vector, prior.model); err != nil {
			return nil, err
		}
		s.observer.Reused(source)
		return s.reused(res, source, prior.vector, prior.model), nil
	}

	v, err, _ := s.group.Do(res.TextHash, func() (any, error) {
		return s.compute(ctx, content)
	})
	if err != nil {
		return nil, err
	}
	out := v.(*computed)
	vec := slices.Clone(out.vector)
	model := s.provider.Model()

	if err := s.put(ctx, env.ID, res.TextHash, vec, model); err != nil {
		return nil, err
	}
	res.Source = SourceProvider
	res.Vector = vec
	res.Model = model
	res.Attempts = out.attempts
	return res, nil
}

// EmbedText embeds free text such as a search query. It shares the gate and
// retry policy but stores nothing.
func (s *Stage) EmbedText(ctx context.Context, text string) ([]float32, error) {
	out, err := s.compute(ctx, text)
	if err != nil {
		return nil, err
	}
	return out.vector, nil
}

func (s *Stage) skip(res *Result, reason string) *Result {
	s.observer.Skipped(reason)
	res.Skipped = true
	res.Reason = reason
	return res
}

func (s *Stage) reused(res *Result, source string, vec []float32, model string) *Result {
	res.Reused = true
	res.Source = source
	res.Vector = slices.Clone(vec)
	res.Model = model
	return res
}

func (s *Stage) findReusable(ctx context.Context, textHash string) (cachedVector, string, bool) {
	if s.cfg.ReuseWindow <= 0 {
		return cachedVector{}, "", false
	}
	since := s.now().Add(-s.cfg.ReuseWindow)

	if s.cache != nil {
		if c, ok := s.cache.Get(textHash); ok && !c.createdAt.Before(since) {
			return c, SourceCache, true
		}
	}

	emb, err := s.store.FindEmbeddingByHash(ctx, textHash, since)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.logger.WarnContext(ctx, "embedding lookup by content failed", "text_hash", textHash, "error", err)
		}
		return cachedVector{}, "", false
	}
	c := cachedVector{packetID: emb.PacketID, vector: emb.Vector, model: emb.Model, createdAt: emb.CreatedAt}
	s.remember(textHash, c)
	return c, SourceStore, true
}

func (s *Stage) put(ctx context.Context, packetID, textHash string, vec []float32, model string) error {
	emb := &storage.Embedding{
		PacketID:  packetID,
		TextHash:  textHash,
		Vector:    vec,
		Model:     model,
		CreatedAt: s.now(),
	}
	if err := s.store.PutEmbedding(ctx, emb); err != nil {
		return fmt.Errorf("embedding: store vector: %w", err)
	}
	s.remember(textHash, cachedVector{packetID: packetID, vector: vec, model: model, createdAt: emb.CreatedAt})
	return nil
}

func (s *Stage) remember(textHash string, c cachedVector) {
	if s.cache == nil {
		return
	}
	s.cache.SetWithTTL(textHash, c, 1, s.cfg.ReuseWindow)
}

// compute calls the provider through the gate, retrying transient failures.
func (s *Stage) compute(ctx context.Context, text string) (*computed, error) {
	model := s.provider.Model()
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Retry.InitialBackoff
	bo.MaxInterval = s.cfg.Retry.MaxBackoff
	bo.Multiplier = s.cfg.Retry.Factor
	bo.RandomizationFactor = 0.2
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = backoff.DefaultMaxInterval
	}

	vec, err := backoff.Retry(ctx, func() ([]float32, error) {
		attempts++
		vec, err := s.call(ctx, model, text)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return vec, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.cfg.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.observer.ProviderRetry(model)
			s.logger.DebugContext(ctx, "retrying embedding provider", "model", model, "attempt", attempts, "backoff", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding failed after %d attempt(s): %w", attempts, err)
	}
	return &computed{vector: vec, attempts: attempts}, nil
}

func (s *Stage) call(ctx context.Context, model, text string) ([]float32, error) {
	var vec []float32
	err := s.gate.Do(ctx, func(ctx context.Context) error {
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}
		ctx, span := embeddingTracer().Start(ctx, spanProviderEmbed)
		defer span.End()
		span.SetAttributes(attribute.String("embedding.model", model))

		start := time.Now()
		out, err := s.provider.Embed(ctx, text)
		if err == nil {
			err = validateVector(out, s.cfg.Dimension)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.observer.ProviderCall(model, outcome, time.Since(start))
		vec = out
		return err
	})
	return vec, err
}

// Close releases the cache and the provider.
func (s *Stage) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.provider.Close()
}
