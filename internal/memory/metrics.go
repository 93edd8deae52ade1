package memory

import (
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	memoryMetricsOnce sync.Once
	appendedCounter   otelmetric.Int64Counter
	mirrorErrCounter  otelmetric.Int64Counter
)

func initMemoryMetrics() {
	meter := otel.Meter("reasoner/internal/memory")
	var err error
	appendedCounter, err = meter.Int64Counter(
		"memory_messages_appended_total",
		otelmetric.WithDescription("Conversation messages appended to memory"),
	)
	if err != nil {
		log.Printf("memory metrics init: memory_messages_appended_total: %v", err)
	}
	mirrorErrCounter, err = meter.Int64Counter(
		"memory_stream_publish_errors_total",
		otelmetric.WithDescription("Snapshots the stream mirror failed to publish"),
	)
	if err != nil {
		log.Printf("memory metrics init: memory_stream_publish_errors_total: %v", err)
	}
}
