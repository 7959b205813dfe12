package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/campaignsync/internal/clock"
	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves a Memory store over WebSocket and returns a connected client.
func startServer(t *testing.T, opts ...ClientOption) (*Memory, *Client, *httptest.Server) {
	t.Helper()
	mem := NewMemory(WithClock(clock.NewManual(t0)))
	srv := httptest.NewServer(NewServer(mem, quietLogger()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	opts = append([]ClientOption{WithLogger(quietLogger()), WithRequestTimeout(2 * time.Second)}, opts...)
	client := NewClient(url, opts...)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return mem, client, srv
}

func TestClient_WriteAndSubscribe(t *testing.T) {
	mem, client, _ := startServer(t)
	ctx := context.Background()
	mem.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1", "hp": 10})

	rec := &snapshotRecorder{}
	sub, err := client.Subscribe(ctx, "npcs", document.Filters{document.Eq("campaignId", "camp-1")}, rec.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	doc, ok := rec.last().Find("npc-1")
	require.True(t, ok)
	assert.True(t, document.Equal(doc.Fields["hp"], 10))

	written, err := client.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 5})
	require.NoError(t, err)
	assert.True(t, document.Equal(written.Fields["hp"], 5))
	assert.True(t, written.ServerTime.After(doc.ServerTime))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	doc, _ = rec.last().Find("npc-1")
	assert.True(t, document.Equal(doc.Fields["hp"], 5))

	require.NoError(t, client.DeleteDocument(ctx, "npcs", "npc-1"))
	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.last().Documents)
}

func TestClient_ErrorClasses(t *testing.T) {
	mem, client, _ := startServer(t)
	ctx := context.Background()

	mem.FailNext("npcs", "npc-1", syncerr.Permanent("npcs", "npc-1", errors.New("permission denied")))
	_, err := client.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.True(t, syncerr.IsPermanent(err), "got %v", err)

	mem.SetOnline(false)
	_, err = client.WriteDocument(ctx, "npcs", "npc-1", document.Fields{"hp": 1})
	assert.True(t, syncerr.IsTransient(err), "got %v", err)
	assert.True(t, syncerr.IsTransient(client.Ping(ctx)))

	mem.SetOnline(true)
	assert.NoError(t, client.Ping(ctx))
}

func TestClient_SessionDropMarksStale(t *testing.T) {
	var sessions atomic.Int32
	var drops atomic.Int32
	_, client, _ := startServer(t, WithSessionObserver(func(connected bool) {
		if connected {
			sessions.Add(1)
		} else {
			drops.Add(1)
		}
	}))
	ctx := context.Background()

	sub, err := client.Subscribe(ctx, "quests", nil, func(document.Snapshot) {})
	require.NoError(t, err)
	assert.False(t, sub.Stale())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return drops.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, client.Connected())
	assert.True(t, sub.Stale())
	assert.Equal(t, int32(1), sessions.Load())

	_, err = client.WriteDocument(ctx, "quests", "quest-1", document.Fields{"title": "x"})
	assert.True(t, syncerr.IsTransient(err))
	assert.ErrorIs(t, err, ErrNotConnected)

	sub.Unsubscribe()
}

func TestClient_RunReconnects(t *testing.T) {
	var sessions atomic.Int32
	var drops atomic.Int32
	mem, client, _ := startServer(t,
		WithReconnectDelay(5*time.Millisecond, 20*time.Millisecond),
		WithSessionObserver(func(connected bool) {
			if connected {
				sessions.Add(1)
			} else {
				drops.Add(1)
			}
		}),
	)
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return drops.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return sessions.Load() == 3 }, time.Second, 5*time.Millisecond)

	_, err := client.WriteDocument(context.Background(), "npcs", "npc-9", document.Fields{"hp": 9})
	require.NoError(t, err)
	_, ok := mem.Get("npcs", "npc-9")
	assert.True(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_RunReturnsAfterSessionTeardown(t *testing.T) {
	mem := NewMemory(WithClock(clock.NewManual(t0)))
	srv := httptest.NewServer(NewServer(mem, quietLogger()))
	t.Cleanup(srv.Close)

	var sessions atomic.Int32
	var drops atomic.Int32
	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"),
		WithLogger(quietLogger()),
		WithSessionObserver(func(connected bool) {
			if connected {
				sessions.Add(1)
			} else {
				drops.Add(1)
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	require.Eventually(t, func() bool { return sessions.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), drops.Load(), "session drop must be reported before Run returns")
	assert.False(t, client.Connected())
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/none", WithLogger(quietLogger()))

	_, err := client.Subscribe(context.Background(), "npcs", nil, func(document.Snapshot) {})
	assert.True(t, syncerr.IsTransient(err))
	assert.Error(t, client.Connect(context.Background()))
	assert.NoError(t, client.Close())
}
