package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kimpers/yotp-charity/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// changes builds n consecutive commits, revisions 1..n.
func changes(t *testing.T, n int) []store.Change {
	t.Helper()

	out := make([]store.Change, 0, n)
	snap := store.NewSnapshot()
	for i := 1; i <= n; i++ {
		var changed []string
		snap, changed, _ = store.Fold(snap, []store.EventRecord{{
			Key:      "charity",
			Kind:     store.Added,
			Payload:  map[string]string{"i": string(rune('a' + i))},
			Sequence: store.Sequence{Block: uint64(i)},
		}})
		require.Equal(t, uint64(i), snap.Revision())
		out = append(out, store.Change{Snapshot: snap, Changed: changed})
	}
	return out
}

type collector struct {
	mu   sync.Mutex
	revs []uint64
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 128)}
}

func (c *collector) callback(_ context.Context, ch store.Change) error {
	c.mu.Lock()
	c.revs = append(c.revs, ch.Snapshot.Revision())
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []uint64 {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d notifications", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.revs...)
}

func waitDropped(t *testing.T, h *Hub) *DroppedError {
	t.Helper()
	select {
	case err := <-h.Err():
		var de *DroppedError
		require.True(t, errors.As(err, &de), "unexpected error %v", err)
		return de
	case <-time.After(2 * time.Second):
		t.Fatal("no drop reported")
	}
	return nil
}

func TestHub_DeliversInRevisionOrder(t *testing.T) {
	h := New()
	defer h.Close()

	c := newCollector()
	h.Subscribe(c.callback)

	cs := changes(t, 4)
	h.Publish(cs[2])
	h.Publish(cs[0])
	h.Publish(cs[3])
	h.Publish(cs[1])

	assert.Equal(t, []uint64{1, 2, 3, 4}, c.wait(t, 4))
}

func TestHub_IgnoresDuplicatePublish(t *testing.T) {
	h := New()
	defer h.Close()

	c := newCollector()
	h.Subscribe(c.callback)

	cs := changes(t, 2)
	h.Publish(cs[0])
	h.Publish(cs[0])
	h.Publish(cs[1])
	h.Publish(cs[0])

	assert.Equal(t, []uint64{1, 2}, c.wait(t, 2))
	select {
	case <-c.got:
		t.Fatal("duplicate notification delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ConcurrentPublishersKeepOrder(t *testing.T) {
	h := New()
	defer h.Close()

	c := newCollector()
	h.Subscribe(c.callback)

	cs := changes(t, 40)
	var wg sync.WaitGroup
	for _, ch := range cs {
		wg.Add(1)
		go func(ch store.Change) {
			defer wg.Done()
			h.Publish(ch)
		}(ch)
	}
	wg.Wait()

	got := c.wait(t, len(cs))
	for i, rev := range got {
		assert.Equal(t, uint64(i+1), rev)
	}
}

func TestHub_SlowSubscriberDroppedOthersUnaffected(t *testing.T) {
	h := New(WithTimeout(20 * time.Millisecond))
	defer h.Close()

	release := make(chan struct{})
	defer close(release)
	slow := h.Subscribe(func(ctx context.Context, _ store.Change) error {
		<-release
		return nil
	})

	fast := newCollector()
	h.Subscribe(fast.callback)

	cs := changes(t, 3)
	start := time.Now()
	for _, ch := range cs {
		h.Publish(ch)
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond, "publish must not wait for subscribers")

	assert.Equal(t, []uint64{1, 2, 3}, fast.wait(t, 3))

	de := waitDropped(t, h)
	assert.Equal(t, slow, de.Handle)
	assert.Equal(t, uint64(1), de.Revision)
	assert.ErrorIs(t, de, ErrSubscriberTimeout)
	assert.Equal(t, 1, h.Len())
}

func TestHub_FailingSubscriberDropped(t *testing.T) {
	h := New()
	defer h.Close()

	boom := errors.New("boom")
	h.Subscribe(func(context.Context, store.Change) error { return boom })

	h.Publish(changes(t, 1)[0])

	de := waitDropped(t, h)
	assert.ErrorIs(t, de, boom)
	assert.Equal(t, 0, h.Len())
}

func TestHub_PanickingSubscriberDropped(t *testing.T) {
	h := New()
	defer h.Close()

	h.Subscribe(func(context.Context, store.Change) error { panic("bad callback") })

	h.Publish(changes(t, 1)[0])

	de := waitDropped(t, h)
	assert.ErrorIs(t, de, ErrSubscriberPanic)
}

func TestHub_MailboxOverflowDropsSubscriber(t *testing.T) {
	h := New(WithMailboxSize(1), WithTimeout(time.Second))
	defer h.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h.Subscribe(func(context.Context, store.Change) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	cs := changes(t, 3)
	h.Publish(cs[0])
	<-entered
	h.Publish(cs[1])
	h.Publish(cs[2])

	de := waitDropped(t, h)
	assert.ErrorIs(t, de, ErrSubscriberOverflow)
	assert.Equal(t, uint64(3), de.Revision)
}

func TestHub_UnsubscribeFromCallback(t *testing.T) {
	h := New()
	defer h.Close()

	calls := make(chan uint64, 8)
	var handle Handle
	var ready sync.WaitGroup
	ready.Add(1)
	handle = h.Subscribe(func(_ context.Context, c store.Change) error {
		ready.Wait()
		h.Unsubscribe(handle)
		calls <- c.Snapshot.Revision()
		return nil
	})
	ready.Done()

	cs := changes(t, 3)
	for _, ch := range cs {
		h.Publish(ch)
	}

	select {
	case rev := <-calls:
		assert.Equal(t, uint64(1), rev)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}

	select {
	case rev := <-calls:
		t.Fatalf("delivered revision %d after unsubscribe", rev)
	case err := <-h.Err():
		t.Fatalf("unsubscribe reported as drop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, h.Len())
}

func TestHub_StartRevisionSkipsAlreadyVisible(t *testing.T) {
	cs := changes(t, 3)

	h := New(WithStartRevision(2))
	defer h.Close()

	c := newCollector()
	h.Subscribe(c.callback)

	h.Publish(cs[1])
	h.Publish(cs[2])

	assert.Equal(t, []uint64{3}, c.wait(t, 1))
}

func TestHub_SubscribeAfterCloseIsInert(t *testing.T) {
	h := New()
	h.Close()

	c := newCollector()
	h.Subscribe(c.callback)
	h.Publish(changes(t, 1)[0])

	assert.Equal(t, 0, h.Len())
}
