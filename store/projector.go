package store

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kimpers/yotp-charity/telemetry"
)

// Result describes one Apply call.
type Result struct {
	// Snapshot is the visible snapshot after the call.
	Snapshot *Snapshot
	// Changed lists keys whose membership, payload or position changed.
	Changed []string
	// Applied counts records that were not discarded as already folded.
	Applied  int
	Rejected []error
	// Retries counts folds thrown away because another commit won the race.
	Retries int
}

// Projector folds event records into the SnapshotStore and publishes every
// committed change.
type Projector struct {
	store     *SnapshotStore
	publisher Publisher
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

func NewProjector(s *SnapshotStore, p Publisher, l *slog.Logger, m *telemetry.Metrics) *Projector {
	if l == nil {
		l = slog.Default()
	}
	if m == nil {
		m = telemetry.DefaultMetrics()
	}
	return &Projector{store: s, publisher: p, logger: l, metrics: m}
}

// Apply folds records on top of the visible snapshot and commits the result.
// If another commit lands first the fold is redone against the newer
// snapshot. A cancelled context never results in a commit.
func (p *Projector) Apply(ctx context.Context, records []EventRecord) (Result, error) {
	start := time.Now()
	defer func() {
		p.metrics.FoldDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	valid, rejected := partition(records)
	for _, err := range rejected {
		p.logger.Warn("skipping event record", "error", err)
	}
	if len(rejected) > 0 {
		p.metrics.RejectedRecords.Add(context.WithoutCancel(ctx), int64(len(rejected)))
	}
	sortRecords(valid)

	res := Result{Rejected: rejected}
	for {
		prev := p.store.Read()
		res.Snapshot = prev

		if err := ctx.Err(); err != nil {
			return res, err
		}

		next, changed, applied := fold(prev, valid)
		if next == prev {
			res.Changed, res.Applied = nil, 0
			return res, nil
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := p.store.Commit(next); err != nil {
			if errors.Is(err, ErrStaleCommit) {
				res.Retries++
				p.logger.Debug("fold lost commit race, refolding", "error", err)
				continue
			}
			return res, err
		}

		res.Snapshot, res.Changed, res.Applied = next, changed, applied
		if p.publisher != nil {
			p.publisher.Publish(Change{Snapshot: next, Changed: changed})
		}

		p.logger.Debug("snapshot committed",
			"as_of", next.AsOf().String(),
			"revision", next.Revision(),
			"applied", applied,
			"changed", len(changed),
		)

		return res, nil
	}
}

// Fold applies records on top of prev without touching prev. It returns prev
// itself when no record applies.
func Fold(prev *Snapshot, records []EventRecord) (*Snapshot, []string, []error) {
	if prev == nil {
		prev = NewSnapshot()
	}
	valid, rejected := partition(records)
	sortRecords(valid)

	next, changed, _ := fold(prev, valid)

	return next, changed, rejected
}

func partition(records []EventRecord) ([]EventRecord, []error) {
	valid := make([]EventRecord, 0, len(records))
	var rejected []error

	for _, r := range records {
		if err := validate(r); err != nil {
			rejected = append(rejected, err)
			continue
		}
		valid = append(valid, r)
	}

	return valid, rejected
}

// sortRecords orders records by sequence. The remaining tie-breaks only exist
// to make conflicting duplicates resolve the same way for every permutation.
func sortRecords(records []EventRecord) {
	slices.SortFunc(records, func(a, b EventRecord) int {
		if c := a.Sequence.Compare(b.Sequence); c != 0 {
			return c
		}
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return strings.Compare(payloadKey(a.Payload), payloadKey(b.Payload))
	})
}

func payloadKey(p map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(p)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte(0)
	}
	return b.String()
}

// fold expects sorted, valid records.
func fold(prev *Snapshot, records []EventRecord) (*Snapshot, []string, int) {
	var (
		keys    map[string]keyState
		touched = map[string]struct{}{}
		asOf    = prev.asOf
		applied int
	)

	for _, r := range records {
		st, seen := prev.keys[r.Key]
		if keys != nil {
			st, seen = keys[r.Key]
		}
		if seen && !st.highWater.Less(r.Sequence) {
			continue
		}

		if keys == nil {
			keys = make(map[string]keyState, len(prev.keys)+1)
			maps.Copy(keys, prev.keys)
		}

		st.highWater = r.Sequence
		switch r.Kind {
		case Added:
			st.entity = &ActiveEntity{Key: r.Key, Payload: maps.Clone(r.Payload), AddedAt: r.Sequence}
		case Removed:
			st.entity = nil
		}
		keys[r.Key] = st
		touched[r.Key] = struct{}{}

		if asOf.Less(r.Sequence) {
			asOf = r.Sequence
		}
		applied++
	}

	if applied == 0 {
		return prev, nil, 0
	}

	var changed []string
	for k := range touched {
		if entityChanged(prev.keys[k].entity, keys[k].entity) {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)

	next := &Snapshot{asOf: asOf, revision: prev.revision + 1, keys: keys}
	next.sortEntities()

	return next, changed, applied
}

func entityChanged(before, after *ActiveEntity) bool {
	switch {
	case before == nil && after == nil:
		return false
	case before == nil || after == nil:
		return true
	}
	return before.AddedAt != after.AddedAt || !maps.Equal(before.Payload, after.Payload)
}
