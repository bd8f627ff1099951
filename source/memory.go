package source

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kimpers/yotp-charity/store"
)

// Memory is an in-process append-only log. Producers that push events can
// append here and let the feed fold them on its next reconciliation.
type Memory struct {
	mu      sync.RWMutex
	records []store.EventRecord
	fail    error
}

func NewMemory(records ...store.EventRecord) *Memory {
	return &Memory{records: slices.Clone(records)}
}

func (m *Memory) Append(records ...store.EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
}

// Fail makes subsequent fetches fail with err until Fail(nil) is called.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Fetch(ctx context.Context, since store.Sequence) (<-chan store.EventRecord, <-chan error) {
	outEvent := make(chan store.EventRecord)
	outError := make(chan error, 1)

	m.mu.RLock()
	fail := m.fail
	window := make([]store.EventRecord, 0, len(m.records))
	for _, e := range m.records {
		if after(since, e.Sequence) {
			window = append(window, e)
		}
	}
	m.mu.RUnlock()

	go func() {
		defer close(outEvent)
		defer close(outError)

		if fail != nil {
			outError <- fmt.Errorf("%w: %w", ErrSourceUnavailable, fail)
			return
		}

		for _, e := range window {
			if err := emit(ctx, outEvent, e); err != nil {
				outError <- err
				return
			}
		}
	}()

	return outEvent, outError
}
