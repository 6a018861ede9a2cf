package pipeline

import (
	"context"
	"time"
)

// MetricsRecorder receives run measurements. *metrics.Manager implements it.
type MetricsRecorder interface {
	RecordIngest(ctx context.Context, status string, duration time.Duration)
	RecordStage(stage, outcome string, duration time.Duration)
	RecordSinkFailure(sink string)
	IncActiveRuns()
	DecActiveRuns()
}

type nopMetrics struct{}

func (nopMetrics) RecordIngest(context.Context, string, time.Duration) {}
func (nopMetrics) RecordStage(string, string, time.Duration)          {}
func (nopMetrics) RecordSinkFailure(string)                           {}
func (nopMetrics) IncActiveRuns()                                     {}
func (nopMetrics) DecActiveRuns()                                     {}
