package cli

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/remote"
)

// remoteEnv serves a memory store and points the configuration at it with
// short timings.
func remoteEnv(t *testing.T) *remote.Memory {
	t.Helper()
	testEnv(t)
	mem := remote.NewMemory()
	srv := httptest.NewServer(remote.NewServer(mem, quiet()))
	t.Cleanup(srv.Close)

	t.Setenv("CAMPAIGNSYNC_REMOTE_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+SyncPath)
	t.Setenv("CAMPAIGNSYNC_DEBOUNCE", "0s")
	t.Setenv("CAMPAIGNSYNC_PROBE_INTERVAL", "50ms")
	t.Setenv("CAMPAIGNSYNC_SWEEP_INTERVAL", "10ms")
	t.Setenv("CAMPAIGNSYNC_BACKOFF_MIN", "5ms")
	t.Setenv("CAMPAIGNSYNC_BACKOFF_MAX", "10ms")
	t.Setenv("CAMPAIGNSYNC_COLLECTIONS", "npcs,quests")
	return mem
}

func TestConnect_ReplaysQueuedEdits(t *testing.T) {
	mem := remoteEnv(t)
	mem.Seed("npcs", "npc-1", document.Fields{"campaignId": "camp-1", "hp": 10})

	_, _, err := execute(t, queueArgs("add", "--collection", "npcs", "--id", "npc-1", "--value", `{"hp": 4}`)...)
	require.NoError(t, err)
	_, _, err = execute(t, queueArgs("add", "--collection", "quests", "--id", "q-1", "--op", "create",
		"--value", `{"campaignId": "camp-1", "title": "The Sunken Bell"}`)...)
	require.NoError(t, err)

	out, _, err := execute(t, append([]string{"connect", "--once", "--timeout", "10s"}, contextArgs...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "state_changed active")
	assert.Contains(t, out, "u-1/camp-1 active: 0 pending, 0 errored, 0 queued, 0 failed operations")

	npc, ok := mem.Get("npcs", "npc-1")
	require.True(t, ok)
	assert.EqualValues(t, 4, npc.Fields["hp"])
	quest, ok := mem.Get("quests", "q-1")
	require.True(t, ok)
	assert.Equal(t, "The Sunken Bell", quest.Fields["title"])

	out, _, err = execute(t, queueArgs("list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending, 0 failed")
}

func TestConnect_JSONNotices(t *testing.T) {
	remoteEnv(t)

	out, _, err := execute(t, append([]string{"--format", "json", "connect", "--once"}, contextArgs...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	summary := decode[SyncSummary](t, lines[len(lines)-1])
	assert.Equal(t, "u-1/camp-1", summary.Context)
	assert.Equal(t, "active", summary.State)
	assert.Equal(t, 2, summary.Metrics.Subscriptions)

	first := decode[NoticeLine](t, lines[0])
	assert.Equal(t, "state_changed", first.Kind)
}

func TestConnect_RequiresContext(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "connect", "--once")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no sync context")
}

func TestConnect_UnreachableRemoteTimesOut(t *testing.T) {
	testEnv(t)
	t.Setenv("CAMPAIGNSYNC_REMOTE_URL", "ws://127.0.0.1:1/sync")
	t.Setenv("CAMPAIGNSYNC_PROBE_INTERVAL", "50ms")

	start := time.Now()
	out, _, err := execute(t, append([]string{"connect", "--once", "--timeout", "300ms"}, contextArgs...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E_SYNC]: sync did not settle")
	assert.Less(t, time.Since(start), 5*time.Second)
}
