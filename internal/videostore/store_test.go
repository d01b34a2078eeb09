package videostore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	blob := []byte("recorded bytes")

	s.Put("rec1", blob)
	assert.True(t, s.HasLive("rec1"))

	got, ok, err := s.Get("rec1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, s.HasLive("nope"))
}

func TestDurableFallbackReassembly(t *testing.T) {
	s := newTestStore(t)

	// Chunks written during capture; no in-memory entry, as after a restart.
	require.NoError(t, s.SaveChunk("rec1", 0, []byte("aaa")))
	require.NoError(t, s.SaveChunk("rec1", 1, []byte("bbb")))
	require.NoError(t, s.SaveChunk("rec1", 2, []byte("cc")))

	assert.False(t, s.HasLive("rec1"), "durable chunks must not count as live")

	got, ok, err := s.Get("rec1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("aaabbbcc"), got)
}

func TestMemoryWinsOverChunks(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveChunk("rec1", 0, []byte("stale")))
	s.Put("rec1", []byte("live"))

	got, ok, err := s.Get("rec1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("live"), got)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	s.Put("rec1", []byte("x"))
	require.NoError(t, s.SaveChunk("rec1", 0, []byte("x")))

	require.NoError(t, s.Delete("rec1"))
	assert.False(t, s.HasLive("rec1"))
	_, ok, err := s.Get("rec1")
	require.NoError(t, err)
	assert.False(t, ok, "durable chunks must be gone after delete")
}

func TestClear(t *testing.T) {
	s := newTestStore(t)

	s.Put("rec1", []byte("x"))
	s.Put("rec2", []byte("y"))
	require.NoError(t, s.SaveChunk("rec3", 0, bytes.Repeat([]byte("z"), 64)))

	require.NoError(t, s.Clear())
	for _, id := range []string{"rec1", "rec2", "rec3"} {
		_, ok, err := s.Get(id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}
}

func TestCheckQuotaPasses(t *testing.T) {
	s := newTestStore(t)
	// A temp dir always has more than zero MB free.
	assert.NoError(t, s.CheckQuota(0))
}
