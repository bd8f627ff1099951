// Package feed assembles the projector, snapshot store and subscription hub
// into the read/subscribe API consumed by the frontends, and drives
// reconciliation against a LogSource.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kimpers/yotp-charity/hub"
	"github.com/kimpers/yotp-charity/source"
	"github.com/kimpers/yotp-charity/store"
	"github.com/kimpers/yotp-charity/telemetry"
)

const DefaultReconciliationInterval = 5 * time.Second

type Options struct {
	// ReconciliationInterval is how often Run polls the source.
	ReconciliationInterval time.Duration
	// SubscriberTimeout is the grace period before a slow subscriber is dropped.
	SubscriberTimeout time.Duration
	// InitialSince is where the first fetch starts.
	InitialSince store.Sequence
	// Lookback re-fetches blocks asOf-Lookback through asOf, inclusive, so
	// that late records for keys not yet seen still get folded.
	Lookback uint64

	Telemetry bool
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

type Feed struct {
	opts      Options
	store     *store.SnapshotStore
	projector *store.Projector
	hub       *hub.Hub
	logger    *slog.Logger
	errs      chan error
}

func New(opts Options) *Feed {
	if opts.ReconciliationInterval <= 0 {
		opts.ReconciliationInterval = DefaultReconciliationInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.DefaultMetrics()
	}

	st := store.NewSnapshotStore(opts.Telemetry, opts.Metrics)
	h := hub.New(
		hub.WithTimeout(opts.SubscriberTimeout),
		hub.WithLogger(opts.Logger),
		hub.WithMetrics(opts.Metrics),
		hub.WithStartRevision(st.Read().Revision()),
	)

	return &Feed{
		opts:      opts,
		store:     st,
		projector: store.NewProjector(st, h, opts.Logger, opts.Metrics),
		hub:       h,
		logger:    opts.Logger,
		errs:      make(chan error, 16),
	}
}

// ActiveEntities returns the current active set ordered by AddedAt. Before
// the first fold it is empty.
func (f *Feed) ActiveEntities() []store.ActiveEntity {
	return f.store.Read().Entities()
}

func (f *Feed) Snapshot() *store.Snapshot {
	return f.store.Read()
}

func (f *Feed) OnChange(cb hub.Callback) hub.Handle {
	return f.hub.Subscribe(cb)
}

func (f *Feed) Unsubscribe(h hub.Handle) {
	f.hub.Unsubscribe(h)
}

// Apply folds records pushed by a producer.
func (f *Feed) Apply(ctx context.Context, records []store.EventRecord) (store.Result, error) {
	return f.projector.Apply(ctx, records)
}

// Since is the sequence the next reconciliation fetches after.
func (f *Feed) Since() store.Sequence {
	since := f.store.Read().AsOf()
	if since.IsZero() {
		return f.opts.InitialSince
	}

	if f.opts.Lookback > 0 {
		if since.Block <= f.opts.Lookback {
			return f.opts.InitialSince
		}
		// Fetch is exclusive, so stop just short of block asOf-Lookback to
		// include its first log.
		since = store.Sequence{Block: since.Block - f.opts.Lookback - 1, LogIndex: math.MaxUint64}
	}
	if since.Less(f.opts.InitialSince) {
		return f.opts.InitialSince
	}

	return since
}

// Reconcile fetches one window from src and folds it. Source failures are
// returned untouched so the caller can decide how to retry; the visible
// snapshot is unchanged in that case.
func (f *Feed) Reconcile(ctx context.Context, src source.Source) (store.Result, error) {
	records, err := source.Collect(ctx, src, f.Since())
	if err != nil {
		return store.Result{Snapshot: f.store.Read()}, err
	}

	return f.projector.Apply(ctx, records)
}

// Run reconciles every ReconciliationInterval until ctx is done. Failed
// reconciliations are retried with exponential backoff and reported on Err.
func (f *Feed) Run(ctx context.Context, src source.Source) error {
	ticker := time.NewTicker(f.opts.ReconciliationInterval)
	defer ticker.Stop()

	for {
		f.reconcileWithRetry(ctx, src)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Feed) reconcileWithRetry(ctx context.Context, src source.Source) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.opts.ReconciliationInterval / 10
	eb.MaxInterval = f.opts.ReconciliationInterval
	eb.MaxElapsedTime = 3 * f.opts.ReconciliationInterval

	op := func() error {
		res, err := f.Reconcile(ctx, src)
		if err != nil {
			if errors.Is(err, source.ErrSourceUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		if res.Applied > 0 {
			f.logger.Info("reconciled",
				"as_of", res.Snapshot.AsOf().String(),
				"revision", res.Snapshot.Revision(),
				"active", res.Snapshot.Len(),
				"changed", len(res.Changed),
				"rejected", len(res.Rejected),
			)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("reconciliation failed, retrying", "error", err, "backoff", wait)
		f.report(err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify); err != nil && ctx.Err() == nil {
		f.logger.Error("reconciliation gave up", "error", err)
		f.report(err)
	}
}

func (f *Feed) report(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// Err reports reconciliation failures.
func (f *Feed) Err() <-chan error {
	return f.errs
}

// Drops reports subscribers removed by the hub.
func (f *Feed) Drops() <-chan error {
	return f.hub.Err()
}

func (f *Feed) Close() {
	f.hub.Close()
}
