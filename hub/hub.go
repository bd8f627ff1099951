// Package hub fans committed snapshot changes out to subscribers.
//
// Every subscriber owns a bounded mailbox drained by its own goroutine, so a
// slow callback only ever delays itself. Changes are released to mailboxes in
// revision order even when commits are published concurrently and out of
// order. A subscriber whose callback overruns the grace period, fails,
// panics, or whose mailbox overflows is dropped and the drop is reported on
// Err().
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kimpers/yotp-charity/store"
	"github.com/kimpers/yotp-charity/telemetry"
)

const (
	DefaultTimeout     = 2 * time.Second
	DefaultMailboxSize = 64
)

var (
	ErrSubscriberTimeout  = errors.New("subscriber exceeded delivery timeout")
	ErrSubscriberOverflow = errors.New("subscriber mailbox overflow")
	ErrSubscriberPanic    = errors.New("subscriber panicked")
)

// Callback receives one change. ctx expires when the grace period is over.
type Callback func(ctx context.Context, c store.Change) error

type Handle struct {
	id uuid.UUID
}

func (h Handle) String() string { return h.id.String() }

// DroppedError reports a subscriber removed by the hub.
type DroppedError struct {
	Handle   Handle
	Revision uint64
	Cause    error
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("subscriber %s dropped at revision %d: %v", e.Handle, e.Revision, e.Cause)
}

func (e *DroppedError) Unwrap() error { return e.Cause }

type Option func(*Hub)

func WithTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func WithMailboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.mailbox = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithStartRevision tells the hub which revision is already visible, so the
// first change it releases is rev+1.
func WithStartRevision(rev uint64) Option {
	return func(h *Hub) { h.next = rev + 1 }
}

type Hub struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]*subscriber
	next    uint64
	pending map[uint64]store.Change
	closed  bool

	timeout time.Duration
	mailbox int
	errs    chan error
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(opts ...Option) *Hub {
	h := &Hub{
		subs:    map[uuid.UUID]*subscriber{},
		next:    1,
		pending: map[uint64]store.Change{},
		timeout: DefaultTimeout,
		mailbox: DefaultMailboxSize,
		errs:    make(chan error, 16),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = telemetry.DefaultMetrics()
	}

	return h
}

type subscriber struct {
	handle  Handle
	cb      Callback
	mailbox chan store.Change
	quit    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscriber) enqueue(c store.Change) bool {
	select {
	case s.mailbox <- c:
		return true
	default:
		return false
	}
}

// Subscribe registers cb for every change released after this call.
func (h *Hub) Subscribe(cb Callback) Handle {
	s := &subscriber{
		handle:  Handle{id: uuid.New()},
		cb:      cb,
		mailbox: make(chan store.Change, h.mailbox),
		quit:    make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.stop()
		return s.handle
	}
	h.subs[s.handle.id] = s
	go h.deliver(s)

	return s.handle
}

// Unsubscribe stops delivery to h. It may be called from inside the
// subscriber's own callback and is a no-op for unknown handles.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[handle.id]; ok {
		delete(h.subs, handle.id)
		s.stop()
	}
}

// Publish hands a committed change to the hub. It never blocks on
// subscribers.
func (h *Hub) Publish(c store.Change) {
	if c.Snapshot == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	rev := c.Snapshot.Revision()
	if rev < h.next {
		return
	}
	h.pending[rev] = c

	for {
		next, ok := h.pending[h.next]
		if !ok {
			return
		}
		delete(h.pending, h.next)
		h.next++

		for _, s := range h.subs {
			if !s.enqueue(next) {
				h.dropLocked(s, next.Snapshot.Revision(), ErrSubscriberOverflow)
			}
		}
	}
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Err reports dropped subscribers as *DroppedError. Reports are discarded
// when nobody drains the channel.
func (h *Hub) Err() <-chan error {
	return h.errs
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.stop()
	}
	clear(h.pending)
}

func (h *Hub) deliver(s *subscriber) {
	for {
		select {
		case <-s.quit:
			return
		case c := <-s.mailbox:
			select {
			case <-s.quit:
				return
			default:
			}

			if err := h.invoke(s, c); err != nil {
				h.mu.Lock()
				h.dropLocked(s, c.Snapshot.Revision(), err)
				h.mu.Unlock()
				return
			}
		}
	}
}

func (h *Hub) invoke(s *subscriber, c store.Change) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrSubscriberPanic, r)
			}
		}()
		done <- s.cb(ctx, c)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrSubscriberTimeout, err)
		}
		return err
	case <-ctx.Done():
		return ErrSubscriberTimeout
	}
}

func (h *Hub) dropLocked(s *subscriber, rev uint64, cause error) {
	if _, ok := h.subs[s.handle.id]; !ok {
		return
	}
	delete(h.subs, s.handle.id)
	s.stop()

	h.logger.Warn("dropping subscriber",
		"subscriber", s.handle.String(),
		"revision", rev,
		"error", cause,
	)
	h.metrics.SubscriberDrops.Add(context.Background(), 1)

	select {
	case h.errs <- &DroppedError{Handle: s.handle, Revision: rev, Cause: cause}:
	default:
	}
}
