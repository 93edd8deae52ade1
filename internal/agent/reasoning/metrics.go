package reasoning

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce  sync.Once
	stepCounter  metric.Int64Counter
	stepFailures metric.Int64Counter
)

func initReasoningMetrics() {
	meter := otel.Meter("reasoner/internal/agent/reasoning")
	var err error
	stepCounter, err = meter.Int64Counter("reasoning_steps_total",
		metric.WithDescription("Reasoning steps started"))
	if err != nil {
		log.Printf("reasoning metrics: %v", err)
	}
	stepFailures, err = meter.Int64Counter("reasoning_step_failures_total",
		metric.WithDescription("Reasoning steps that failed"))
	if err != nil {
		log.Printf("reasoning metrics: %v", err)
	}
}

func stepStarted(ctx context.Context, agent string) {
	metricsOnce.Do(initReasoningMetrics)
	if stepCounter == nil {
		return
	}
	stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

func stepFailed(ctx context.Context, agent, phase string) {
	metricsOnce.Do(initReasoningMetrics)
	if stepFailures == nil {
		return
	}
	stepFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("phase", phase),
	))
}
