package embedding

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const embeddingTracerName = "mnemo.embedding"

const (
	spanStageEmbed    = "embedding.stage"
	spanProviderEmbed = "embedding.provider"
)

func embeddingTracer() trace.Tracer {
	return otel.Tracer(embeddingTracerName)
}
