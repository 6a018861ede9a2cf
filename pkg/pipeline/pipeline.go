// Package pipeline runs packets through the ingest stages: validation,
// reasoning, persistence, embedding, insight extraction and lineage. Every
// run that reaches the store ends with a checkpoint of its stage outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/mnemo/pkg/dag"
	"github.com/goclaw/mnemo/pkg/embedding"
	"github.com/goclaw/mnemo/pkg/graphsync"
	"github.com/goclaw/mnemo/pkg/idlock"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/lane"
	"github.com/goclaw/mnemo/pkg/lineage"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/reasoning"
	"github.com/goclaw/mnemo/pkg/search"
	"github.com/goclaw/mnemo/pkg/storage"
	"github.com/goclaw/mnemo/pkg/worldmodel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// ErrSearchDisabled is returned by Search when no retriever is configured.
var ErrSearchDisabled = errors.New("pipeline: search is not enabled")

// Embedder is the embedding stage as seen by the orchestrator.
// *embedding.Stage implements it.
type Embedder interface {
	Embed(ctx context.Context, env *packet.Envelope) (*embedding.Result, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	SetPolicy(p embedding.SkipPolicy)
	Policy() embedding.SkipPolicy
}

// Deps are the collaborators of an Orchestrator. Store and Embedder are
// required. Graph and WorldModel are optional sinks.
type Deps struct {
	Store      storage.Store
	Embedder   Embedder
	Validator  *packet.Validator
	Reasoner   *reasoning.Reasoner
	Extractor  *insight.Extractor
	Lineage    *lineage.Tracker
	Graph      *graphsync.Adapter
	WorldModel *worldmodel.Notifier
	Retriever  *search.Retriever
	Locker     idlock.Locker
	// Lane runs sink calls in the background. A default lane is created
	// when sinks are configured and Lane is nil.
	Lane    lane.Lane
	Logger  logger.Logger
	Metrics MetricsRecorder
}

// Options tune an Orchestrator.
type Options struct {
	// StageTimeout bounds each post-persist stage. Zero means no bound.
	StageTimeout time.Duration
	// BatchConcurrency is the number of packets of one batch ingested at
	// the same time. Defaults to 4.
	BatchConcurrency int
	Clock            func() time.Time
}

// IngestResult is what a caller learns about one ingested packet.
type IngestResult struct {
	PacketID  string                 `json:"packet_id"`
	Status    packet.Status          `json:"status"`
	Warnings  []string               `json:"warnings"`
	RunID     string                 `json:"run_id"`
	Duplicate bool                   `json:"duplicate,omitempty"`
	Stages    []storage.StageOutcome `json:"stages,omitempty"`
}

// BatchItem is the outcome of one packet of a batch. Exactly one of Result
// and Err is set, except after a persistence failure where both are.
type BatchItem struct {
	Index  int
	Result *IngestResult
	Err    error
}

// Orchestrator runs packets through the stage plan. It is safe for
// concurrent use.
type Orchestrator struct {
	store     storage.Store
	embedder  Embedder
	validator *packet.Validator
	reasoner  *reasoning.Reasoner
	extractor *insight.Extractor
	lineage   *lineage.Tracker
	graph     *graphsync.Adapter
	world     *worldmodel.Notifier
	retriever *search.Retriever
	locker    idlock.Locker
	lane      lane.Lane
	logger    logger.Logger
	metrics   MetricsRecorder

	plan      *dag.Plan
	stages    map[string]stageFunc
	observers *observerRegistry
	health    *sinkHealth
	now       func() time.Time
	batchSize int

	mu     sync.RWMutex
	closed bool
	runs   sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("pipeline: embedder is required")
	}

	o := &Orchestrator{
		store:     deps.Store,
		embedder:  deps.Embedder,
		validator: deps.Validator,
		reasoner:  deps.Reasoner,
		extractor: deps.Extractor,
		lineage:   deps.Lineage,
		graph:     deps.Graph,
		world:     deps.WorldModel,
		retriever: deps.Retriever,
		locker:    deps.Locker,
		lane:      deps.Lane,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		observers: newObserverRegistry(),
		health:    newSinkHealth(),
		now:       opts.Clock,
		batchSize: opts.BatchConcurrency,
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.batchSize <= 0 {
		o.batchSize = 4
	}
	if o.validator == nil {
		o.validator = packet.NewValidator(packet.DefaultLimits())
	}
	if o.reasoner == nil {
		o.reasoner = reasoning.New()
	}
	if o.extractor == nil {
		o.extractor = insight.NewExtractor()
	}
	if o.lineage == nil {
		o.lineage = lineage.NewTracker(o.store)
	}
	if o.locker == nil {
		o.locker = idlock.NewLocalLocker()
	}
	if o.lane == nil && (o.graph != nil || o.world != nil) {
		l, err := lane.New(&lane.Config{
			Name:           "sinks",
			Capacity:       256,
			MaxConcurrency: 4,
			Backpressure:   lane.Drop,
			TaskTimeout:    30 * time.Second,
		}, o.logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: create sink lane: %w", err)
		}
		o.lane = l
	}

	plan, err := compilePlan(opts.StageTimeout)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile stage plan: %w", err)
	}
	o.plan = plan
	o.stages = map[string]stageFunc{
		StageIntake:     o.intake,
		StageReasoning:  o.reason,
		StagePersist:    o.persist,
		StageEmbed:      o.embed,
		StageExtract:    o.extract,
		StageLineage:    o.link,
		StageCheckpoint: o.checkpoint,
	}
	return o, nil
}

// Start rebuilds the search indexes from the store.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.retriever != nil {
		n, err := o.Reindex(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: reindex: %w", err)
		}
		o.logger.Info("search index rebuilt", "packets", n)
	}
	o.logger.Info("pipeline started", "plan", o.plan.String())
	return nil
}

// Shutdown stops accepting packets, waits for in-flight runs and drains
// the sink lane until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline: waiting for runs: %w", ctx.Err())
	}

	if o.lane != nil {
		if err := o.lane.Close(ctx); err != nil {
			return fmt.Errorf("pipeline: draining sink lane: %w", err)
		}
	}
	o.logger.Info("pipeline stopped")
	return nil
}

// Accepting reports whether Ingest still takes new packets.
func (o *Orchestrator) Accepting() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.closed
}

// SinkWarnings describes sinks whose last background call failed.
func (o *Orchestrator) SinkWarnings() []string {
	return o.health.warnings()
}

// SinkQueue reports the background sink lane, if one is running.
func (o *Orchestrator) SinkQueue() (lane.Stats, bool) {
	if o.lane == nil {
		return lane.Stats{}, false
	}
	return o.lane.Stats(), true
}

// Plan returns the compiled stage plan.
func (o *Orchestrator) Plan() *dag.Plan {
	return o.plan
}

// Subscribe registers an observer of run state changes and returns a
// function that removes it.
func (o *Orchestrator) Subscribe(observer RunObserver) func() {
	return o.observers.subscribe(observer)
}

// UpdateSkipPolicy replaces the embedding skip policy for subsequent runs.
func (o *Orchestrator) UpdateSkipPolicy(p embedding.SkipPolicy) {
	o.embedder.SetPolicy(p)
	o.logger.Info("embedding skip policy updated",
		"min_content_length", p.MinContentLength,
		"excluded_types", p.ExcludedTypes,
		"skip_duplicates", p.SkipDuplicates,
	)
}

// SkipPolicy returns the embedding skip policy in effect.
func (o *Orchestrator) SkipPolicy() embedding.SkipPolicy {
	return o.embedder.Policy()
}

// UpdateWorldModelTrigger changes when facts are sent to the world model.
func (o *Orchestrator) UpdateWorldModelTrigger(threshold float64, minFacts int) error {
	if o.world == nil {
		return nil
	}
	if err := o.world.SetTrigger(threshold, minFacts); err != nil {
		return err
	}
	o.logger.Info("world model trigger updated", "threshold", threshold, "min_facts", minFacts)
	return nil
}

// Ingest runs one packet through the pipeline. Only validation errors,
// conflicts, storage unavailability, shutdown and cancellation before
// persistence are returned as errors; a persistence failure also returns
// a result with status error. Failures after persistence are reported as
// warnings and a partial status.
func (o *Orchestrator) Ingest(ctx context.Context, in packet.PacketInput) (*IngestResult, error) {
	if !o.enter() {
		return nil, ErrShutdown
	}
	defer o.runs.Done()
	o.metrics.IncActiveRuns()
	defer o.metrics.DecActiveRuns()

	ctx, span := pipelineTracer().Start(ctx, spanIngest)
	defer span.End()

	start := time.Now()
	if err := ctx.Err(); err != nil {
		o.metrics.RecordIngest(ctx, errorLabel(err), time.Since(start))
		return nil, err
	}

	r := newRun(in, o.now())
	res, err := o.execute(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordIngest(ctx, errorLabel(err), time.Since(start))
		return res, err
	}

	span.SetAttributes(
		attribute.String("packet.id", res.PacketID),
		attribute.String("packet.status", string(res.Status)),
		attribute.Int("run.warnings", len(res.Warnings)),
	)
	o.metrics.RecordIngest(ctx, string(res.Status), time.Since(start))
	return res, nil
}

// IngestBatch ingests packets independently; one failure does not affect
// the others. Items are returned in input order.
func (o *Orchestrator) IngestBatch(ctx context.Context, inputs []packet.PacketInput) []BatchItem {
	items := make([]BatchItem, len(inputs))
	var g errgroup.Group
	g.SetLimit(o.batchSize)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := o.Ingest(ctx, in)
			items[i] = BatchItem{Index: i, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// Reindex rebuilds the search indexes from stored packets and embeddings.
// Packets whose ttl has run out are left out.
func (o *Orchestrator) Reindex(ctx context.Context) (int, error) {
	if o.retriever == nil {
		return 0, ErrSearchDisabled
	}
	events, _, err := o.store.ListEvents(ctx, nil)
	if err != nil {
		return 0, err
	}

	indexed := 0
	for _, evt := range events {
		env, err := o.store.GetPacket(ctx, evt.PacketID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return indexed, err
		}
		if env.Expired(o.now()) {
			continue
		}
		var vector []float32
		emb, err := o.store.GetEmbedding(ctx, env.ID)
		switch {
		case err == nil:
			vector = emb.Vector
		case !storage.IsNotFound(err):
			return indexed, err
		}
		o.index(ctx, env, vector)
		indexed++
	}
	return indexed, nil
}

// Search answers a similarity query over ingested packets. Query text is
// embedded for vector and hybrid modes; if that fails a hybrid query falls
// back to keyword search. Packets past their ttl are not returned.
func (o *Orchestrator) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	if o.retriever == nil {
		return nil, ErrSearchDisabled
	}
	if q.AsOf.IsZero() {
		q.AsOf = o.now()
	}
	if len(q.Vector) == 0 && q.Text != "" && q.Mode != search.ModeBM25 {
		vec, err := o.embedder.EmbedText(ctx, q.Text)
		switch {
		case err == nil:
			q.Vector = vec
		case q.Mode == search.ModeVector:
			return nil, fmt.Errorf("embed query: %w", err)
		default:
			o.logger.WarnContext(ctx, "query embedding failed, using keyword search", "error", err)
			q.Mode = search.ModeBM25
		}
	}
	return o.retriever.Search(ctx, q)
}

func (o *Orchestrator) enter() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	o.runs.Add(1)
	return true
}

// index adds a packet to the search indexes.
func (o *Orchestrator) index(ctx context.Context, env *packet.Envelope, vector []float32) {
	if o.retriever == nil {
		return
	}
	doc := search.Doc{
		PacketID:  env.ID,
		Type:      env.Type,
		Agent:     env.Agent,
		Domain:    env.Domain,
		ExpiresAt: env.ExpiresAt(),
	}
	o.retriever.IndexContent(doc, packet.Content(env))
	if len(vector) == 0 {
		return
	}
	if err := o.retriever.IndexVector(doc, vector); err != nil {
		o.logger.WarnContext(ctx, "vector not indexed", "packet_id", env.ID, "error", err)
	}
}

func errorLabel(err error) string {
	switch {
	case packet.IsValidationError(err):
		return "rejected"
	case storage.IsConflict(err):
		return "conflict"
	case storage.IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "error"
	}
}
