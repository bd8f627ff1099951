package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_ReadBeforeFirstFoldIsEmpty(t *testing.T) {
	st := NewSnapshotStore(false, nil)

	snap := st.Read()
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.Len())
	assert.NotNil(t, snap.Entities())
	assert.True(t, snap.AsOf().IsZero())
}

func TestSnapshotStore_CommitAdvances(t *testing.T) {
	st := NewSnapshotStore(true, nil)

	next, _, _ := Fold(st.Read(), []EventRecord{added("k", 1, nil)})
	require.NoError(t, st.Commit(next))

	assert.Same(t, next, st.Read())
	assert.Equal(t, uint64(0), st.StaleCommits())
}

func TestSnapshotStore_RejectsCommitFromOutdatedBase(t *testing.T) {
	st := NewSnapshotStore(false, nil)
	base := st.Read()

	older, _, _ := Fold(base, []EventRecord{added("a", 1, nil)})
	newer, _, _ := Fold(base, []EventRecord{added("b", 9, nil)})

	require.NoError(t, st.Commit(newer))
	err := st.Commit(older)

	require.ErrorIs(t, err, ErrStaleCommit)
	assert.Same(t, newer, st.Read())
	assert.Equal(t, uint64(1), st.StaleCommits())
}

func TestSnapshotStore_RejectsRecommitOfVisibleSnapshot(t *testing.T) {
	st := NewSnapshotStore(false, nil)
	next, _, _ := Fold(st.Read(), []EventRecord{added("a", 1, nil)})

	require.NoError(t, st.Commit(next))
	assert.ErrorIs(t, st.Commit(next), ErrStaleCommit)
	assert.ErrorIs(t, st.Commit(NewSnapshot()), ErrStaleCommit)
}

func TestSnapshotStore_EqualAsOfIsOrderedByRevision(t *testing.T) {
	st := NewSnapshotStore(false, nil)
	pub := &recordingPublisher{}
	p := NewProjector(st, pub, nil, nil)

	_, err := p.Apply(context.Background(), []EventRecord{added("a", 10, nil)})
	require.NoError(t, err)
	first := st.Read()

	// A late record for a new key leaves the watermark where it is.
	_, err = p.Apply(context.Background(), []EventRecord{added("b", 3, nil)})
	require.NoError(t, err)
	second := st.Read()

	assert.Equal(t, first.AsOf(), second.AsOf())
	assert.Equal(t, first.Revision()+1, second.Revision())

	rival, _, _ := Fold(first, []EventRecord{added("c", 4, nil)})
	assert.Equal(t, second.AsOf(), rival.AsOf())
	assert.ErrorIs(t, st.Commit(rival), ErrStaleCommit, "equal asOf at an already visible revision")

	require.Len(t, pub.changes, 2)
	assert.Equal(t, []string{"b"}, pub.changes[1].Changed)
	assert.Less(t, pub.changes[0].Snapshot.Revision(), pub.changes[1].Snapshot.Revision())
}

func TestSnapshotStore_WatermarkNeverDecreasesUnderConcurrentCommits(t *testing.T) {
	st := NewSnapshotStore(false, nil)
	p := NewProjector(st, nil, nil, nil)

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		last := st.Read()
		for {
			select {
			case <-stop:
				return
			default:
			}
			cur := st.Read()
			if cur.AsOf().Less(last.AsOf()) || cur.Revision() < last.Revision() {
				t.Errorf("snapshot went backwards: %s/%d after %s/%d",
					cur.AsOf(), cur.Revision(), last.AsOf(), last.Revision())
				return
			}
			last = cur
		}
	}()

	var wg sync.WaitGroup
	for i := uint64(1); i <= 50; i++ {
		wg.Add(1)
		go func(i uint64) {
			defer wg.Done()
			_, _ = p.Apply(context.Background(), []EventRecord{added("k", i, nil), removed("other", 100-i)})
		}(i)
	}
	wg.Wait()
	close(stop)
	<-readerDone

	assert.Equal(t, Sequence{Block: 99}, st.Read().AsOf())
}
