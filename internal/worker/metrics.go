package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName scopes the meter and tracer this package records with.
const InstrumentationName = "job-queue-service/worker"

// Outcome is how one delivery ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeAbandoned means shutdown arrived while a store or queue step
	// was still being retried. It is logged but not counted.
	OutcomeAbandoned Outcome = "abandoned"
)

// Metrics records per-delivery instruments:
//   - jobs.processed (Int64Counter): attributes type, outcome
//   - jobs.duration (Float64Histogram): handler run time in seconds, attribute type
type Metrics struct {
	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics uses the global MeterProvider when mp is nil, which is a noop
// until one is installed.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	// on error the API hands back noop instruments
	processed, _ := meter.Int64Counter(
		"jobs.processed",
		metric.WithDescription("Deliveries handled by processors, by outcome"),
		metric.WithUnit("{job}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobs.duration",
		metric.WithDescription("Handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	return &Metrics{processed: processed, duration: duration}
}

func (m *Metrics) recordOutcome(ctx context.Context, typ string, outcome Outcome) {
	if outcome == OutcomeAbandoned {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *Metrics) recordDuration(ctx context.Context, typ string, elapsed time.Duration) {
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("type", typ),
	))
}
