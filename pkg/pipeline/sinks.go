package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/mnemo/pkg/lane"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sink names used in task ids, metrics and warnings.
const (
	SinkGraph      = "graph"
	SinkWorldModel = "worldmodel"
)

// dispatch queues the graph projection and, when the insight set triggers
// it, the world-model notification. Neither is awaited.
func (o *Orchestrator) dispatch(ctx context.Context, r *run) {
	if o.lane == nil {
		return
	}
	if o.graph != nil {
		env, facts := r.env.Clone(), slices.Clone(r.facts)
		o.submit(ctx, r, SinkGraph, func(ctx context.Context) error {
			return o.graph.Sync(ctx, env, facts)
		})
	}
	if o.world != nil && o.world.ShouldNotify(r.facts) {
		note := o.world.Build(r.env, r.facts)
		o.submit(ctx, r, SinkWorldModel, func(ctx context.Context) error {
			return o.world.Notify(ctx, note)
		})
	}
}

func (o *Orchestrator) submit(ctx context.Context, r *run, sink string, fn func(context.Context) error) {
	link := trace.LinkFromContext(ctx)
	packetID := r.env.ID

	task := lane.NewTaskFunc(sink+":"+packetID, func(ctx context.Context) error {
		ctx, span := pipelineTracer().Start(ctx, spanSinkPrefix+sink, trace.WithLinks(link))
		defer span.End()
		span.SetAttributes(attribute.String("packet.id", packetID))

		err := fn(ctx)
		o.health.record(sink, err, o.now())
		if err != nil {
			o.metrics.RecordSinkFailure(sink)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	})

	if err := o.lane.Submit(ctx, task); err != nil {
		o.metrics.RecordSinkFailure(sink)
		o.logger.WarnContext(ctx, "sink task not queued",
			"sink", sink,
			"packet_id", packetID,
			"error", err,
		)
		r.warn(fmt.Sprintf("%s: not queued: %v", sink, err))
	}
}

// sinkHealth remembers the last failure of each sink until the sink
// succeeds again. Runs report known sink degradation as warnings.
type sinkHealth struct {
	mu       sync.Mutex
	failures map[string]sinkFailure
}

type sinkFailure struct {
	err string
	at  time.Time
}

func newSinkHealth() *sinkHealth {
	return &sinkHealth{failures: make(map[string]sinkFailure)}
}

func (h *sinkHealth) record(sink string, err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, sink)
		return
	}
	h.failures[sink] = sinkFailure{err: err.Error(), at: at}
}

func (h *sinkHealth) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) == 0 {
		return nil
	}
	out := make([]string, 0, len(h.failures))
	for sink, f := range h.failures {
		out = append(out, fmt.Sprintf("%s: last call failed at %s: %s", sink, f.at.UTC().Format(time.RFC3339), f.err))
	}
	sort.Strings(out)
	return out
}
