package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlob_SaveLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, found, err := s.Load(ctx, "offline-queue/u-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "offline-queue/u-1", []byte(`{"pending":[]}`)))
	blob, found, err := s.Load(ctx, "offline-queue/u-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"pending":[]}`, string(blob))
}

func TestBlob_SaveReplacesAndBumpsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v, err := s.Version(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, s.Save(ctx, "k", []byte("one")))
	require.NoError(t, s.Save(ctx, "k", []byte("two")))

	blob, _, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(blob))

	v, err = s.Version(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestBlob_SaveEmptyBlobIsFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", nil))
	blob, found, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, blob)
}

func TestBlob_SaveRejectsEmptyKey(t *testing.T) {
	s := createTestStore(t)
	assert.Error(t, s.Save(context.Background(), "", []byte("x")))
}

func TestBlob_Delete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "k", []byte("x")))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	_, found, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBlob_KeysByPrefix(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"offline-queue/u-2", "other/x", "offline-queue/u-1"} {
		require.NoError(t, s.Save(ctx, k, []byte("x")))
	}

	keys, err := s.Keys(ctx, "offline-queue/")
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-queue/u-1", "offline-queue/u-2"}, keys)

	all, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBlob_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "k", []byte("durable")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	blob, found, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "durable", string(blob))
}

func TestJournal_AppendAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, JournalEntry{Key: "q/u-1", OpID: "op-1", Event: "enqueued"}))
	require.NoError(t, s.Append(ctx, JournalEntry{Key: "q/u-2", OpID: "op-9", Event: "enqueued"}))
	require.NoError(t, s.Append(ctx, JournalEntry{Key: "q/u-1", OpID: "op-1", Event: "retried", Attempts: 1, Detail: "store unavailable"}))
	require.NoError(t, s.Append(ctx, JournalEntry{Key: "q/u-1", OpID: "op-1", Event: "succeeded", Attempts: 1}))

	entries, err := s.Journal(ctx, "q/u-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"enqueued", "retried", "succeeded"},
		[]string{entries[0].Event, entries[1].Event, entries[2].Event})
	assert.Equal(t, "store unavailable", entries[1].Detail)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
	assert.False(t, entries[0].At.IsZero())

	tail, err := s.Journal(ctx, "q/u-1", entries[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "retried", tail[0].Event)
}
