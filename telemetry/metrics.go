package telemetry

import (
	"github.com/kimpers/yotp-charity/env"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments shared by the projector, the snapshot store
// and the subscription hub.
type Metrics struct {
	RejectedRecords metric.Int64Counter
	StaleCommits    metric.Int64Counter
	Commits         metric.Int64Counter
	SubscriberDrops metric.Int64Counter
	FoldDuration    metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.RejectedRecords, err = meter.Int64Counter("feed.rejected_records",
		metric.WithDescription("Malformed event records skipped during a fold")); err != nil {
		return nil, err
	}
	if m.StaleCommits, err = meter.Int64Counter("feed.stale_commits",
		metric.WithDescription("Commits rejected because a newer snapshot was visible")); err != nil {
		return nil, err
	}
	if m.Commits, err = meter.Int64Counter("feed.commits",
		metric.WithDescription("Snapshots committed")); err != nil {
		return nil, err
	}
	if m.SubscriberDrops, err = meter.Int64Counter("feed.subscriber_drops",
		metric.WithDescription("Subscribers dropped for being slow or failing")); err != nil {
		return nil, err
	}
	if m.FoldDuration, err = meter.Float64Histogram("feed.fold_duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent folding a batch")); err != nil {
		return nil, err
	}

	return &m, nil
}

// DefaultMetrics builds instruments on the global meter provider, falling
// back to no-op instruments if that fails.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(env.ServiceName()))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(env.ServiceName()))
	}
	return m
}
