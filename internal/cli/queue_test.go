package cli

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/ids"
	"github.com/roach88/campaignsync/internal/offline"
	"github.com/roach88/campaignsync/internal/store"
	"github.com/roach88/campaignsync/internal/syncerr"
)

var contextArgs = []string{"--user", "u-1", "--campaign", "camp-1"}

func queueArgs(args ...string) []string {
	return append(append([]string{"queue"}, args...), contextArgs...)
}

// seedFailed leaves one rejected operation in the u-1/camp-1 queue.
func seedFailed(t *testing.T, db string) string {
	t.Helper()
	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	reject := offline.ExecutorFunc(func(ctx context.Context, op offline.Operation) (document.Document, error) {
		return document.Document{}, syncerr.Permanent(op.Collection, op.DocID, errors.New("schema mismatch"))
	})
	q, err := offline.Open(context.Background(), st, offline.Key("u-1/camp-1"), reject,
		offline.WithJournal(st),
		offline.WithIDs(ids.NewSequential("seed")),
	)
	require.NoError(t, err)

	op, err := q.Enqueue(offline.Operation{Type: document.OpUpdate, Collection: "npcs", DocID: "npc-1", Payload: document.Fields{"hp": 5}})
	require.NoError(t, err)
	_, err = q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, q.State().Failed, 1)
	return op.ID
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestQueueList_Empty(t *testing.T) {
	testEnv(t)
	out, _, err := execute(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued operations.")
}

func TestQueueAddAndList(t *testing.T) {
	testEnv(t)

	out, _, err := execute(t, queueArgs("add", "--collection", "npcs", "--id", "npc-1", "--value", `{"hp": 5}`)...)
	require.NoError(t, err)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "update npcs/npc-1 attempts=0")

	_, _, err = execute(t, queueArgs("add", "--collection", "npcs", "--id", "npc-2", "--op", "delete")...)
	require.NoError(t, err)

	out, _, err = execute(t, append([]string{"--format", "json"}, queueArgs("list")...)...)
	require.NoError(t, err)
	result := decode[QueueListResult](t, out)
	require.Len(t, result.Queues, 1)
	q := result.Queues[0]
	assert.Equal(t, "offline-queue/u-1/camp-1", q.Key)
	require.Len(t, q.Pending, 2)
	assert.Equal(t, "npc-1", q.Pending[0].DocID)
	assert.Equal(t, document.OpDelete, q.Pending[1].Type)
	assert.Empty(t, q.Failed)
}

func TestQueueList_AllContexts(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "queue", "add", "--user", "u-1", "--campaign", "camp-1", "--collection", "npcs", "--id", "a", "--value", `{"hp": 1}`)
	require.NoError(t, err)
	_, _, err = execute(t, "queue", "add", "--user", "u-2", "--campaign", "camp-9", "--collection", "quests", "--id", "b", "--value", `{"done": true}`)
	require.NoError(t, err)

	out, _, err := execute(t, "--format", "json", "queue", "list")
	require.NoError(t, err)
	result := decode[QueueListResult](t, out)
	require.Len(t, result.Queues, 2)
	assert.Equal(t, "offline-queue/u-1/camp-1", result.Queues[0].Key)
	assert.Equal(t, "offline-queue/u-2/camp-9", result.Queues[1].Key)
}

func TestQueueAdd_Errors(t *testing.T) {
	testEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no context", []string{"queue", "add", "--collection", "npcs", "--id", "a", "--value", "{}"}, "no sync context"},
		{"bad json", queueArgs("add", "--collection", "npcs", "--id", "a", "--value", "{hp"), "invalid --value"},
		{"missing payload", queueArgs("add", "--collection", "npcs", "--id", "a"), "invalid operation"},
		{"bad op", queueArgs("add", "--collection", "npcs", "--id", "a", "--op", "upsert", "--value", "{}"), "invalid operation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestQueueRetry(t *testing.T) {
	db := testEnv(t)
	id := seedFailed(t, db)

	out, _, err := execute(t, queueArgs("list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending, 1 failed")
	assert.Contains(t, out, "schema mismatch")

	out, _, err = execute(t, queueArgs("retry", id)...)
	require.NoError(t, err)
	assert.Contains(t, out, "retried "+id)

	out, _, err = execute(t, append([]string{"--format", "json"}, queueArgs("list")...)...)
	require.NoError(t, err)
	q := decode[QueueListResult](t, out).Queues[0]
	require.Len(t, q.Pending, 1)
	assert.Equal(t, 0, q.Pending[0].Attempts)
	assert.Empty(t, q.Failed)
}

func TestQueueDiscard(t *testing.T) {
	db := testEnv(t)
	id := seedFailed(t, db)

	_, _, err := execute(t, queueArgs("discard", id)...)
	require.NoError(t, err)

	out, _, err := execute(t, queueArgs("list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending, 0 failed")

	out, _, err = execute(t, append([]string{"--format", "json"}, queueArgs("discard", id)...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, CodeNotFound)
}

func TestQueueHistory(t *testing.T) {
	db := testEnv(t)
	id := seedFailed(t, db)
	_, _, err := execute(t, queueArgs("retry", id)...)
	require.NoError(t, err)

	out, _, err := execute(t, append([]string{"--format", "json"}, queueArgs("history")...)...)
	require.NoError(t, err)
	history := decode[QueueHistory](t, out)

	events := make([]string, len(history.Entries))
	for i, e := range history.Entries {
		assert.Equal(t, id, e.OpID)
		events[i] = e.Event
	}
	assert.Equal(t, []string{offline.EventEnqueued, offline.EventFailed, offline.EventRetried}, events)

	out, _, err = execute(t, append([]string{"--format", "json"}, queueArgs("history", "--after", "1", "--limit", "1")...)...)
	require.NoError(t, err)
	history = decode[QueueHistory](t, out)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, offline.EventFailed, history.Entries[0].Event)
}
