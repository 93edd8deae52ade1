package action

import (
	"context"
	"log"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce   sync.Once
	actionCounter metric.Int64Counter
)

func initActionMetrics() {
	meter := otel.Meter("reasoner/internal/reasoning/action")
	var err error
	actionCounter, err = meter.Int64Counter("reasoning_actions_total",
		metric.WithDescription("Actions run by reasoning steps"))
	if err != nil {
		log.Printf("action metrics: %v", err)
	}
}

func actionRan(ctx context.Context, name string, success bool) {
	metricsOnce.Do(initActionMetrics)
	if actionCounter == nil {
		return
	}
	actionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", name),
		attribute.String("success", strconv.FormatBool(success)),
	))
}
