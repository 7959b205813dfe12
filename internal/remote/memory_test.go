package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []document.Snapshot
}

func (r *snapshotRecorder) record(s document.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) all() []document.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]document.Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func (r *snapshotRecorder) last() document.Snapshot {
	all := r.all()
	if len(all) == 0 {
		return document.Snapshot{}
	}
	return all[len(all)-1]
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_SubscribeDeliversInitialSnapshot(t *testing.T) {
	m := NewMemory(WithClock(clock.NewManual(t0)))
	m.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1", "hp": 10})
	m.Seed("npcs", "npc-2", document.Fields{"campaignId": "camp-2", "hp": 3})

	rec := &snapshotRecorder{}
	sub, err := m.Subscribe(context.Background(), "npcs", document.Filters{document.Eq("campaignId", "camp-1")}, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snaps := rec.all()
	require.Len(t, snaps, 1)
	require.Len(t, snaps[0].Documents, 1)
	assert.Equal(t, "npc-1", snaps[0].Documents[0].ID)
	assert.Equal(t, "npcs", snaps[0].Collection)
}

func TestMemory_WriteMergesAndStamps(t *testing.T) {
	clk := clock.NewManual(t0)
	m := NewMemory(WithClock(clk))
	ctx := context.Background()

	first, err := m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"name": "Grelda", "hp": 10})
	require.NoError(t, err)
	second, err := m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 5})
	require.NoError(t, err)

	assert.Equal(t, document.Fields{"name": "Grelda", "hp": 5}, second.Fields)
	assert.True(t, second.ServerTime.After(first.ServerTime), "server timestamps must be strictly increasing")

	assert.Equal(t, []WriteRecord{
		{Op: "write", Collection: "npcs", ID: "npc-1", Payload: document.Fields{"name": "Grelda", "hp": 10}},
		{Op: "write", Collection: "npcs", ID: "npc-1", Payload: document.Fields{"hp": 5}},
	}, m.Writes())
}

func TestMemory_SnapshotsFollowWrites(t *testing.T) {
	m := NewMemory(WithClock(clock.NewManual(t0)))
	ctx := context.Background()

	rec := &snapshotRecorder{}
	sub, err := m.Subscribe(ctx, "quests", nil, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = m.WriteDocument(ctx, "quests", "quest-7", document.Fields{"title": "Rescue"})
	require.NoError(t, err)
	require.NoError(t, m.DeleteDocument(ctx, "quests", "quest-7"))

	snaps := rec.all()
	require.Len(t, snaps, 3)
	assert.Empty(t, snaps[0].Documents)
	assert.Len(t, snaps[1].Documents, 1)
	assert.Empty(t, snaps[2].Documents)
	assert.False(t, snaps[2].ReadTime.Before(snaps[1].Documents[0].ServerTime))
}

func TestMemory_Offline(t *testing.T) {
	m := NewMemory(WithClock(clock.NewManual(t0)))
	ctx := context.Background()

	rec := &snapshotRecorder{}
	sub, err := m.Subscribe(ctx, "npcs", nil, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	m.SetOnline(false)
	assert.True(t, sub.Stale())

	_, err = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.True(t, syncerr.IsTransient(err))
	assert.ErrorIs(t, err, ErrOffline)

	_, err = m.Subscribe(ctx, "npcs", nil, rec.record)
	assert.True(t, syncerr.IsTransient(err))
	assert.True(t, syncerr.IsTransient(m.Ping(ctx)))

	m.SetOnline(true)
	require.NoError(t, m.Ping(ctx))
	_, err = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	require.NoError(t, err)

	assert.Len(t, rec.all(), 1, "stale subscription must not receive updates")
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	denied := syncerr.Permanent("npcs", "npc-1", errors.New("permission denied"))

	m.FailNext("npcs", "npc-1", denied, syncerr.Transient("npcs", "npc-1", ErrOffline))

	_, err := m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.True(t, syncerr.IsPermanent(err))
	_, err = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.True(t, syncerr.IsTransient(err))
	_, err = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.NoError(t, err)

	assert.Len(t, m.Writes(), 1, "failed writes are not logged")
}

func TestMemory_UnsubscribeIsSynchronous(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	sub, err := m.Subscribe(ctx, "npcs", nil, func(document.Snapshot) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)

	go func() {
		_, _ = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	}()
	<-entered

	sub.Unsubscribe()
	assert.Equal(t, 0, m.SubscriberCount("npcs"))
	close(release)

	_, err = m.WriteDocument(ctx, "npcs", "npc-2", document.Fields{"hp": 2})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestMemory_UnsubscribeFromInsideCallback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := &snapshotRecorder{}
	var sub Subscription
	sub, err := m.Subscribe(ctx, "npcs", nil, func(s document.Snapshot) {
		rec.record(s)
		if len(rec.all()) == 2 {
			sub.Unsubscribe()
		}
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
		_, _ = m.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 2})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store blocked after a callback unsubscribed itself")
	}
	assert.Len(t, rec.all(), 2)
	assert.Equal(t, 0, m.SubscriberCount("npcs"))
}
