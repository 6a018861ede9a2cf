package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goclaw/mnemo/pkg/dag"
	"github.com/goclaw/mnemo/pkg/idlock"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/reasoning"
	"github.com/goclaw/mnemo/pkg/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// stageFunc performs one stage. An error fails the stage; whether that
// aborts the run depends on the stage being required.
type stageFunc func(ctx context.Context, r *run) (storage.Outcome, string, error)

// run is the mutable state of one pass of a packet through the plan.
// Stages of one layer write disjoint fields.
type run struct {
	id        string
	input     packet.PacketInput
	startedAt time.Time

	env    *packet.Envelope
	state  RunState
	status packet.Status
	unlock idlock.Unlock

	replay bool
	prior  packet.Status

	trace    *reasoning.Trace
	embedded bool
	vector   []float32
	facts    []insight.Fact

	mu       sync.Mutex
	outcomes map[string]storage.StageOutcome
	warnings []string
	degraded bool
}

func newRun(in packet.PacketInput, now time.Time) *run {
	return &run{
		id:        uuid.NewString(),
		input:     in,
		startedAt: now,
		state:     StateIntake,
		status:    packet.StatusPending,
		outcomes:  make(map[string]storage.StageOutcome),
	}
}

func (r *run) packetID() string {
	if r.env != nil {
		return r.env.ID
	}
	return r.input.ID
}

func (r *run) warn(msgs ...string) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	r.warnings = append(r.warnings, msgs...)
	r.mu.Unlock()
}

func (r *run) record(out storage.StageOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[out.Stage] = out
	if out.Outcome == storage.OutcomeFailed {
		r.degraded = true
	}
}

func (r *run) isDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// stageOutcomes lists outcomes in plan order. Stages that did not run are
// reported as not_run.
func (r *run) stageOutcomes(plan *dag.Plan) []storage.StageOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.StageOutcome
	for _, layer := range plan.Layers {
		for _, id := range layer {
			so, ok := r.outcomes[id]
			if !ok {
				so = storage.StageOutcome{Stage: id, Outcome: storage.OutcomeNotRun}
			}
			out = append(out, so)
		}
	}
	return out
}

func (r *run) result() *IngestResult {
	r.mu.Lock()
	warnings := slices.Clone(r.warnings)
	r.mu.Unlock()
	if warnings == nil {
		warnings = []string{}
	}
	return &IngestResult{
		PacketID:  r.packetID(),
		Status:    r.status,
		Warnings:  warnings,
		RunID:     r.id,
		Duplicate: r.replay,
	}
}

func (r *run) release() {
	if r.unlock != nil {
		r.unlock()
		r.unlock = nil
	}
}

// execute walks the plan layer by layer. Layers with several stages run
// them concurrently.
func (o *Orchestrator) execute(ctx context.Context, r *run) (*IngestResult, error) {
	defer r.release()

	for _, layer := range o.plan.Layers {
		// Once the packet is stored the run completes regardless of the
		// caller.
		runCtx := ctx
		if r.state >= StatePersisted {
			runCtx = context.WithoutCancel(ctx)
		}

		var err error
		if len(layer) == 1 {
			err = o.runStage(runCtx, r, layer[0])
		} else {
			var g errgroup.Group
			for _, id := range layer {
				g.Go(func() error { return o.runStage(runCtx, r, id) })
			}
			err = g.Wait()
		}

		if err != nil {
			o.transition(r, StateFailed)
			var stageErr *StageError
			if errors.As(err, &stageErr) {
				err = stageErr.Cause
			}
			o.logger.WarnContext(ctx, "run aborted",
				"run_id", r.id,
				"packet_id", r.packetID(),
				"error", err,
			)
			if r.env == nil || !isPersistFailure(err) {
				return nil, err
			}
			r.status = packet.StatusError
			res := r.result()
			res.Stages = r.stageOutcomes(o.plan)
			return res, err
		}

		for _, id := range layer {
			o.advance(r, id)
		}
	}

	res := r.result()
	res.Stages = r.stageOutcomes(o.plan)
	o.logger.DebugContext(ctx, "run finished",
		"run_id", r.id,
		"packet_id", res.PacketID,
		"status", res.Status,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// isPersistFailure reports whether err means the packet could not be
// written. Such runs still get a result with status error.
func isPersistFailure(err error) bool {
	return storage.IsUnavailable(err)
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, id string) error {
	stage, _ := o.plan.Stage(id)
	fn := o.stages[id]

	ctx, span := pipelineTracer().Start(ctx, spanStagePrefix+id)
	defer span.End()
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	start := time.Now()
	outcome, detail, err := fn(ctx, r)
	d := time.Since(start)

	so := storage.StageOutcome{Stage: id, Outcome: outcome, Detail: detail, Duration: d}
	if err != nil {
		so.Outcome = storage.OutcomeFailed
		so.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("packet.id", r.packetID()),
		attribute.String("stage.outcome", string(so.Outcome)),
	)
	r.record(so)
	o.metrics.RecordStage(id, string(so.Outcome), d)

	if err == nil {
		return nil
	}
	if stage.Required {
		return &StageError{Stage: id, Cause: err}
	}
	r.warn(fmt.Sprintf("%s: %v", id, err))
	o.logger.WarnContext(ctx, "stage degraded",
		"stage", id,
		"run_id", r.id,
		"packet_id", r.packetID(),
		"error", err,
	)
	return nil
}

// advance moves the run to the state reached by completing stage id.
func (o *Orchestrator) advance(r *run, id string) {
	var next RunState
	switch id {
	case StageReasoning:
		next = StateReasoning
	case StagePersist:
		next = StatePersisted
	case StageEmbed:
		r.mu.Lock()
		outcome := r.outcomes[id].Outcome
		r.mu.Unlock()
		switch outcome {
		case storage.OutcomeOK:
			next = StateEmbedded
		case storage.OutcomeSkipped:
			next = StateEmbedSkipped
		default:
			next = StateEmbedFailed
		}
	case StageExtract:
		next = StateInsightsExtracted
	case StageLineage:
		next = StateLineageLinked
	case StageCheckpoint:
		next = StateCheckpointed
	default:
		return
	}
	o.transition(r, next)
}

func (o *Orchestrator) transition(r *run, next RunState) {
	from := r.state
	if !from.CanTransitionTo(next) {
		err := &InvalidTransitionError{PacketID: r.packetID(), From: from, To: next}
		o.logger.Error("invalid run transition", "run_id", r.id, "error", err)
		return
	}
	r.state = next
	o.observers.notify(RunEvent{
		RunID:     r.id,
		PacketID:  r.packetID(),
		From:      from,
		To:        next,
		Timestamp: o.now(),
	})
}

func (o *Orchestrator) intake(_ context.Context, r *run) (storage.Outcome, string, error) {
	env, err := o.validator.Validate(r.input)
	if err != nil {
		return "", "", err
	}
	r.env = env
	return storage.OutcomeOK, fmt.Sprintf("%d tags", len(env.Tags)), nil
}

func (o *Orchestrator) reason(_ context.Context, r *run) (storage.Outcome, string, error) {
	r.trace = o.reasoner.Reason(r.env)
	detail := fmt.Sprintf("%d features", len(r.trace.Features))
	if r.trace.Degraded {
		detail += ", degraded"
	}
	return storage.OutcomeOK, detail, nil
}

// persist writes the packet and its event. The caller's context may cancel
// waiting for the packet lock but never the write itself. The lock is held
// until the run ends.
func (o *Orchestrator) persist(ctx context.Context, r *run) (storage.Outcome, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	unlock, err := o.locker.Lock(ctx, r.env.ID)
	switch {
	case err == nil:
		r.unlock = unlock
	case ctx.Err() != nil:
		return "", "", ctx.Err()
	default:
		o.logger.WarnContext(ctx, "packet lock unavailable, relying on store conflict check",
			"packet_id", r.env.ID,
			"error", err,
		)
		r.warn(fmt.Sprintf("lock: %v", err))
	}

	wctx := context.WithoutCancel(ctx)
	env := r.env.Clone()
	env.Status = packet.StatusStored
	res, err := o.store.WritePacket(wctx, env, storage.NewMemoryEvent(env))
	if err != nil {
		if storage.IsConflict(err) || storage.IsUnavailable(err) {
			return "", "", err
		}
		return "", "", &storage.UnavailableError{Op: "write packet", Cause: err}
	}

	r.env = res.Stored
	r.status = packet.StatusStored
	if res.Outcome == storage.WriteDuplicate {
		r.replay = true
		r.prior = res.Stored.Status
		r.status = res.Stored.Status
		return storage.OutcomeOK, string(storage.WriteDuplicate), nil
	}
	return storage.OutcomeOK, string(storage.WriteCreated), nil
}

func (o *Orchestrator) embed(ctx context.Context, r *run) (storage.Outcome, string, error) {
	res, err := o.embedder.Embed(ctx, r.env)
	if err != nil {
		return "", "", err
	}
	if res.Skipped {
		return storage.OutcomeSkipped, res.Reason, nil
	}
	r.embedded = true
	r.vector = res.Vector
	return storage.OutcomeOK, res.Source, nil
}

func (o *Orchestrator) extract(ctx context.Context, r *run) (storage.Outcome, string, error) {
	ex := o.extractor.ExtractDetailed(r.env)
	if len(ex.Dropped) > 0 {
		o.logger.DebugContext(ctx, "insight candidates dropped",
			"packet_id", r.env.ID,
			"dropped", len(ex.Dropped),
		)
	}
	if len(ex.Facts) == 0 {
		return storage.OutcomeOK, "0 facts", nil
	}

	added, err := o.store.AppendInsights(ctx, r.env.ID, ex.Facts)
	if err != nil {
		return "", "", fmt.Errorf("persist insights: %w", err)
	}
	r.facts = ex.Facts
	return storage.OutcomeOK, fmt.Sprintf("%d facts, %d new", len(ex.Facts), added), nil
}

func (o *Orchestrator) link(ctx context.Context, r *run) (storage.Outcome, string, error) {
	if len(r.env.ParentIDs) == 0 {
		return storage.OutcomeSkipped, "root packet", nil
	}
	res, err := o.lineage.Link(ctx, r.env.ID, r.env.ParentIDs)
	if err != nil {
		return "", "", err
	}
	r.warn(res.Warnings()...)
	return storage.OutcomeOK, fmt.Sprintf("%d resolved, %d dangling, %d rejected",
		len(res.Resolved), len(res.Dangling), len(res.Rejected)), nil
}

// checkpoint settles the packet status, hands the packet to the sinks and
// records the run.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) (storage.Outcome, string, error) {
	o.settle(ctx, r)
	o.index(ctx, r.env, r.vector)
	o.dispatch(ctx, r)
	r.warn(o.health.warnings()...)

	r.mu.Lock()
	warnings := slices.Clone(r.warnings)
	r.mu.Unlock()

	cp := &storage.Checkpoint{
		RunID:       r.id,
		PacketID:    r.env.ID,
		Replay:      r.replay,
		Stages:      r.stageOutcomes(o.plan),
		FinalStatus: r.status,
		Warnings:    warnings,
		Trace:       r.trace,
		StartedAt:   r.startedAt,
		FinishedAt:  o.now(),
	}
	// The checkpoint lists itself as not run; its own outcome is in the
	// ingest result.
	if err := o.store.AppendCheckpoint(ctx, cp); err != nil {
		o.logger.ErrorContext(ctx, "checkpoint not written",
			"run_id", r.id,
			"packet_id", r.env.ID,
			"error", err,
		)
		return "", "", err
	}
	return storage.OutcomeOK, "", nil
}

// settle computes the final status and stores it. A replay never moves the
// status somewhere the stored status cannot reach.
func (o *Orchestrator) settle(ctx context.Context, r *run) {
	status := packet.StatusStored
	if r.embedded {
		status = packet.StatusEmbedded
	}
	if r.isDegraded() {
		status = packet.StatusPartial
	}
	if r.replay && !r.prior.CanTransitionTo(status) {
		status = r.prior
	}

	if err := o.store.UpdateStatus(ctx, r.env.ID, status); err != nil {
		o.logger.WarnContext(ctx, "status not updated",
			"packet_id", r.env.ID,
			"status", status,
			"error", err,
		)
		r.warn(fmt.Sprintf("status: %v", err))
		status = packet.StatusPartial
	}
	r.status = status
	r.env.Status = status
}
