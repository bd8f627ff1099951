package store

import (
	"maps"
	"slices"
	"strings"
)

// keyState is everything a fold remembers about one key. A state with a nil
// entity is a tombstone.
type keyState struct {
	highWater Sequence
	entity    *ActiveEntity
}

// Snapshot is an immutable materialisation of the active set. Build new ones
// through Fold; never modify one that has been returned.
type Snapshot struct {
	asOf     Sequence
	revision uint64
	keys     map[string]keyState
	sorted   []ActiveEntity
}

// NewSnapshot returns the empty startup snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{keys: map[string]keyState{}}
}

// AsOf is the watermark: the highest sequence folded into the snapshot.
func (s *Snapshot) AsOf() Sequence { return s.asOf }

// Revision counts the commits that led to this snapshot.
func (s *Snapshot) Revision() uint64 { return s.revision }

func (s *Snapshot) Len() int { return len(s.sorted) }

// Entities returns the active set ordered by AddedAt, then Key.
func (s *Snapshot) Entities() []ActiveEntity {
	out := make([]ActiveEntity, len(s.sorted))
	for i, e := range s.sorted {
		out[i] = ActiveEntity{Key: e.Key, Payload: maps.Clone(e.Payload), AddedAt: e.AddedAt}
	}
	return out
}

func (s *Snapshot) Get(key string) (ActiveEntity, bool) {
	st, ok := s.keys[key]
	if !ok || st.entity == nil {
		return ActiveEntity{}, false
	}
	e := *st.entity
	e.Payload = maps.Clone(e.Payload)
	return e, true
}

// HighWater reports the highest sequence seen for key, including removals.
func (s *Snapshot) HighWater(key string) (Sequence, bool) {
	st, ok := s.keys[key]
	return st.highWater, ok
}

func (s *Snapshot) sortEntities() {
	s.sorted = s.sorted[:0]
	for _, st := range s.keys {
		if st.entity != nil {
			s.sorted = append(s.sorted, *st.entity)
		}
	}
	slices.SortFunc(s.sorted, func(a, b ActiveEntity) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
