package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/remote"
	"github.com/roach88/campaignsync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager() (*Manager, *remote.Memory) {
	m := remote.NewMemory(remote.WithClock(clock.NewManual(t0)))
	return New(m), m
}

var campaignFilter = document.Filters{document.Eq("campaignId", "camp-1")}

func TestManager_SubscribeDeliversInitialAndLiveSnapshots(t *testing.T) {
	mgr, store := newTestManager()
	store.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1", "hp": 10})

	var rec testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", campaignFilter, rec.Add)
	require.NoError(t, err)
	defer unsubscribe()

	require.Equal(t, 1, rec.Len())
	assert.Len(t, rec.All()[0].Documents, 1)

	_, err = store.WriteDocument(context.Background(), "npcs", "npc-2", document.Fields{"campaignId": "camp-1"})
	require.NoError(t, err)

	require.Equal(t, 2, rec.Len())
	last, _ := rec.Last()
	assert.Len(t, last.Documents, 2)
}

func TestManager_IdenticalSubscriptionsShareRemote(t *testing.T) {
	mgr, store := newTestManager()
	store.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1", "ownerId": "u-1"})

	filtersA := document.Filters{document.Eq("campaignId", "camp-1"), document.Eq("ownerId", "u-1")}
	filtersB := document.Filters{document.Eq("ownerId", "u-1"), document.Eq("campaignId", "camp-1")}

	var a, b testutil.Recorder[document.Snapshot]
	unsubA, err := mgr.Subscribe(context.Background(), "npcs", filtersA, a.Add)
	require.NoError(t, err)
	unsubB, err := mgr.Subscribe(context.Background(), "npcs", filtersB, b.Add)
	require.NoError(t, err)

	assert.Equal(t, 1, store.SubscriberCount("npcs"))
	assert.Equal(t, 1, mgr.Count())
	assert.Equal(t, 1, b.Len(), "joining handle receives the current snapshot")

	store.Seed("npcs", "npc-2", document.Fields{"campaignId": "camp-1", "ownerId": "u-1"})
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())

	unsubA()
	unsubA()
	assert.Equal(t, 1, store.SubscriberCount("npcs"), "still referenced by B")

	unsubB()
	assert.Equal(t, 0, store.SubscriberCount("npcs"))
	assert.Equal(t, 0, mgr.Count())
}

func TestManager_DistinctFiltersOpenSeparateSubscriptions(t *testing.T) {
	mgr, store := newTestManager()

	u1, err := mgr.Subscribe(context.Background(), "npcs", campaignFilter, func(document.Snapshot) {})
	require.NoError(t, err)
	defer u1()
	u2, err := mgr.Subscribe(context.Background(), "npcs", document.Filters{document.Eq("campaignId", "camp-2")}, func(document.Snapshot) {})
	require.NoError(t, err)
	defer u2()

	assert.Equal(t, 2, store.SubscriberCount("npcs"))
	assert.Equal(t, 2, mgr.Count())
}

func TestManager_UnsubscribeIsSynchronous(t *testing.T) {
	mgr, store := newTestManager()

	var rec testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", nil, rec.Add)
	require.NoError(t, err)
	unsubscribe()

	store.Seed("npcs", "npc-1", document.Fields{"hp": 1})
	assert.Equal(t, 1, rec.Len(), "only the initial snapshot")
}

func TestManager_UnsubscribeFromInsideCallback(t *testing.T) {
	mgr, store := newTestManager()

	var (
		mu          sync.Mutex
		calls       int
		unsubscribe func()
	)
	ready := make(chan struct{})
	unsub, err := mgr.Subscribe(context.Background(), "npcs", nil, func(document.Snapshot) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			<-ready
			unsubscribe()
		}
	})
	require.NoError(t, err)
	unsubscribe = unsub
	close(ready)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := store.WriteDocument(context.Background(), "npcs", "npc-1", document.Fields{"hp": 1})
		assert.NoError(t, err)
		_, err = store.WriteDocument(context.Background(), "npcs", "npc-1", document.Fields{"hp": 2})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write blocked after a callback unsubscribed itself")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, 0, store.SubscriberCount("npcs"))
}

func TestManager_SharedHandleUnsubscribesItself(t *testing.T) {
	mgr, store := newTestManager()

	var first testutil.Recorder[document.Snapshot]
	var unsubFirst func()
	ready := make(chan struct{})
	unsub, err := mgr.Subscribe(context.Background(), "npcs", nil, func(s document.Snapshot) {
		first.Add(s)
		if first.Len() == 2 {
			<-ready
			unsubFirst()
		}
	})
	require.NoError(t, err)
	unsubFirst = unsub
	close(ready)

	var second testutil.Recorder[document.Snapshot]
	unsubSecond, err := mgr.Subscribe(context.Background(), "npcs", nil, second.Add)
	require.NoError(t, err)
	defer unsubSecond()

	store.Seed("npcs", "npc-1", document.Fields{"hp": 1})
	store.Seed("npcs", "npc-2", document.Fields{"hp": 2})

	assert.Equal(t, 2, first.Len())
	assert.Equal(t, 3, second.Len())
	assert.Equal(t, 1, mgr.Count())
	assert.Equal(t, 1, store.SubscriberCount("npcs"))
}

func TestManager_NoCallbackStartsAfterUnsubscribe(t *testing.T) {
	mgr, store := newTestManager()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", nil, func(s document.Snapshot) {
		calls.Add(s)
		if calls.Len() == 2 {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)

	go store.Seed("npcs", "npc-1", document.Fields{"hp": 1})
	<-entered

	unsubscribe()
	close(release)

	store.Seed("npcs", "npc-2", document.Fields{"hp": 2})
	assert.Equal(t, 2, calls.Len())
}

func TestManager_DeliversSortedSnapshots(t *testing.T) {
	adapter := &unsortedAdapter{Memory: remote.NewMemory(remote.WithClock(clock.NewManual(t0)))}
	mgr := New(adapter)

	var rec testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", nil, rec.Add)
	require.NoError(t, err)
	defer unsubscribe()

	adapter.deliver(document.Snapshot{
		Collection: "npcs",
		Documents:  []document.Document{{ID: "npc-3"}, {ID: "npc-1"}, {ID: "npc-2"}},
		ReadTime:   t0,
	})

	last, ok := rec.Last()
	require.True(t, ok)
	_, found := last.Find("npc-1")
	assert.True(t, found)
	require.Len(t, mgr.Latest(), 1)
	assert.Equal(t, "npc-1", mgr.Latest()[0].Documents[0].ID)
}

// unsortedAdapter lets a test push arbitrary snapshots into the manager.
type unsortedAdapter struct {
	*remote.Memory

	mu sync.Mutex
	fn remote.SnapshotFunc
}

func (a *unsortedAdapter) Subscribe(ctx context.Context, collection string, filters document.Filters, fn remote.SnapshotFunc) (remote.Subscription, error) {
	a.mu.Lock()
	a.fn = fn
	a.mu.Unlock()
	return a.Memory.Subscribe(ctx, collection, filters, fn)
}

func (a *unsortedAdapter) deliver(s document.Snapshot) {
	a.mu.Lock()
	fn := a.fn
	a.mu.Unlock()
	fn(s)
}

func TestManager_UnsubscribeAllIsIdempotent(t *testing.T) {
	mgr, store := newTestManager()

	var rec testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", campaignFilter, rec.Add)
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "quests", campaignFilter, rec.Add)
	require.NoError(t, err)

	mgr.UnsubscribeAll()
	mgr.UnsubscribeAll()

	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, 0, store.SubscriberCount("npcs"))
	assert.Equal(t, 0, store.SubscriberCount("quests"))

	before := rec.Len()
	store.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1"})
	assert.Equal(t, before, rec.Len())

	unsubscribe()

	// The manager stays usable.
	again, err := mgr.Subscribe(context.Background(), "npcs", campaignFilter, rec.Add)
	require.NoError(t, err)
	defer again()
	assert.Equal(t, 1, store.SubscriberCount("npcs"))
}

func TestManager_SubscribeErrorIsReturned(t *testing.T) {
	mgr, store := newTestManager()
	store.SetOnline(false)

	_, err := mgr.Subscribe(context.Background(), "npcs", nil, func(document.Snapshot) {})
	assert.Error(t, err)
	assert.Equal(t, 0, mgr.Count())

	store.SetOnline(true)
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", nil, func(document.Snapshot) {})
	require.NoError(t, err)
	unsubscribe()
}

func TestManager_RevalidateRenewsStaleSubscriptions(t *testing.T) {
	mgr, store := newTestManager()

	var rec testutil.Recorder[document.Snapshot]
	unsubscribe, err := mgr.Subscribe(context.Background(), "npcs", nil, rec.Add)
	require.NoError(t, err)
	defer unsubscribe()

	store.SetOnline(false)
	assert.Equal(t, 1, mgr.StaleCount())

	renewed, err := mgr.Revalidate(context.Background())
	assert.Error(t, err, "store still offline")
	assert.Equal(t, 0, renewed)
	assert.Equal(t, 1, mgr.StaleCount())

	store.Seed("npcs", "npc-1", document.Fields{"hp": 3})
	assert.Equal(t, 1, rec.Len(), "stale subscription receives nothing")

	store.SetOnline(true)
	renewed, err = mgr.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)
	assert.Equal(t, 0, mgr.StaleCount())
	assert.Equal(t, 1, store.SubscriberCount("npcs"))

	require.Equal(t, 2, rec.Len())
	last, _ := rec.Last()
	require.Len(t, last.Documents, 1)
	assert.Equal(t, "npc-1", last.Documents[0].ID)

	store.Seed("npcs", "npc-2", document.Fields{"hp": 4})
	assert.Equal(t, 3, rec.Len())
}

func TestManager_LatestReturnsFreshestSnapshots(t *testing.T) {
	mgr, store := newTestManager()
	assert.Empty(t, mgr.Latest())

	u1, err := mgr.Subscribe(context.Background(), "npcs", nil, func(document.Snapshot) {})
	require.NoError(t, err)
	defer u1()
	u2, err := mgr.Subscribe(context.Background(), "quests", nil, func(document.Snapshot) {})
	require.NoError(t, err)
	defer u2()

	store.Seed("npcs", "npc-1", document.Fields{"hp": 3})

	latest := mgr.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "npcs", latest[0].Collection)
	assert.Len(t, latest[0].Documents, 1)
	assert.Equal(t, "quests", latest[1].Collection)
}

func TestManager_RejectsNilCallback(t *testing.T) {
	mgr, _ := newTestManager()
	_, err := mgr.Subscribe(context.Background(), "npcs", nil, nil)
	assert.Error(t, err)
}
