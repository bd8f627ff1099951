package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SnapshotStore holds the visible Snapshot. Reads are lock-free; commits are
// serialized and only ever move the store forward.
type SnapshotStore struct {
	lock      sync.Mutex
	current   atomic.Pointer[Snapshot]
	stale     atomic.Uint64
	telemetry bool
	metrics   *telemetry.Metrics
}

func NewSnapshotStore(telemetryEnabled bool, metrics *telemetry.Metrics) *SnapshotStore {
	if metrics == nil {
		metrics = telemetry.DefaultMetrics()
	}
	s := &SnapshotStore{telemetry: telemetryEnabled, metrics: metrics}
	s.current.Store(NewSnapshot())

	return s
}

// Read returns the latest committed snapshot. It never returns nil.
func (s *SnapshotStore) Read() *Snapshot {
	return s.current.Load()
}

// Commit makes next visible if it was folded from the currently visible
// snapshot and does not move the watermark backwards. Anything else is a
// stale commit and leaves the store untouched.
func (s *SnapshotStore) Commit(next *Snapshot) error {
	var sp trace.Span
	if s.telemetry {
		tr := otel.GetTracerProvider().Tracer(env.ServiceName())

		_, sp = tr.Start(context.Background(),
			fmt.Sprintf("Commit(%s)", next.AsOf()),
			trace.WithAttributes(attribute.String("as_of", next.AsOf().String())),
			trace.WithAttributes(attribute.Int64("revision", int64(next.Revision()))),
		)
		defer sp.End()
	}

	s.lock.Lock()
	cur := s.current.Load()
	if next.AsOf().Less(cur.AsOf()) || next.Revision() != cur.Revision()+1 {
		s.lock.Unlock()

		s.stale.Add(1)
		s.metrics.StaleCommits.Add(context.Background(), 1)
		if sp != nil {
			sp.SetAttributes(attribute.Bool("success", false))
		}

		return fmt.Errorf("%w: revision %d as of %s, visible revision %d as of %s",
			ErrStaleCommit, next.Revision(), next.AsOf(), cur.Revision(), cur.AsOf())
	}
	s.current.Store(next)
	s.lock.Unlock()

	s.metrics.Commits.Add(context.Background(), 1)
	if sp != nil {
		sp.SetAttributes(attribute.Bool("success", true))
	}

	return nil
}

// StaleCommits counts rejected commits since the store was created.
func (s *SnapshotStore) StaleCommits() uint64 {
	return s.stale.Load()
}
