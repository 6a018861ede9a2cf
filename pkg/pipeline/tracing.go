package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const pipelineTracerName = "mnemo.pipeline"

const (
	spanIngest      = "pipeline.ingest"
	spanStagePrefix = "pipeline.stage."
	spanSinkPrefix  = "pipeline.sink."
)

func pipelineTracer() trace.Tracer {
	return otel.Tracer(pipelineTracerName)
}
