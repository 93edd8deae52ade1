package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishCounter    otelmetric.Int64Counter
	tailCounter       otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("reasoner/queue/streams")
	var err error
	publishCounter, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Conversation events appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	tailCounter, err = meter.Int64Counter(
		"stream_events_tailed_total",
		otelmetric.WithDescription("Conversation events read back by tailers"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_tailed_total: %v", err)
	}
}

func recordPublish(ctx context.Context, eventType string, err error) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishCounter == nil {
		return
	}
	publishCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	))
}

func recordTail(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if tailCounter == nil {
		return
	}
	tailCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}
