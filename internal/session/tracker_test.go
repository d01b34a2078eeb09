package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facialdata/collector/internal/models"
)

func testSlots() []models.Slot {
	return []models.Slot{
		{ID: "smile", Name: "Smile", DurationMs: 5000},
		{ID: "blink", Name: "Blink", DurationMs: 3000},
		{ID: "turn_left", Name: "Turn left", DurationMs: 4000},
	}
}

func writeProgress(t *testing.T, path string, completed []CompletedRecord) {
	t.Helper()
	data, err := json.Marshal(Progress{Completed: completed})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestFreshTrackerStartsAtFirstSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")

	tr, err := NewTracker(path, testSlots(), nil)
	require.NoError(t, err)

	cur, ok := tr.CurrentSlot()
	require.True(t, ok)
	assert.Equal(t, "smile", cur.ID)

	s := tr.Summary()
	assert.Equal(t, 3, s.TotalSlots)
	assert.Equal(t, 0, s.CompletedCount)
	assert.Equal(t, 1, s.CurrentNumber)
	assert.False(t, s.IsComplete)
}

func TestCompleteCurrentAdvancesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")

	tr, err := NewTracker(path, testSlots(), nil)
	require.NoError(t, err)

	more, err := tr.CompleteCurrent("video_1")
	require.NoError(t, err)
	assert.True(t, more)

	cur, ok := tr.CurrentSlot()
	require.True(t, ok)
	assert.Equal(t, "blink", cur.ID)

	// A new tracker over the same file resumes at the same position.
	tr2, err := NewTracker(path, testSlots(), nil)
	require.NoError(t, err)
	cur2, ok := tr2.CurrentSlot()
	require.True(t, ok)
	assert.Equal(t, "blink", cur2.ID)
	assert.Equal(t, []string{"smile"}, tr2.CompletedSlots())
}

func TestResumeSkipsCompletedSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	writeProgress(t, path, []CompletedRecord{
		{RecordingID: "video_1", SlotID: "smile", RecordedAt: time.Now()},
		{RecordingID: "video_2", SlotID: "blink", RecordedAt: time.Now()},
	})

	tr, err := NewTracker(path, testSlots(), nil)
	require.NoError(t, err)

	cur, ok := tr.CurrentSlot()
	require.True(t, ok)
	assert.Equal(t, "turn_left", cur.ID)
	assert.Equal(t, 3, tr.Summary().CurrentNumber)
}

func TestSequenceCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")

	tr, err := NewTracker(path, testSlots(), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		more, err := tr.CompleteCurrent("video_x")
		require.NoError(t, err)
		assert.True(t, more)
	}
	more, err := tr.CompleteCurrent("video_last")
	require.NoError(t, err)
	assert.False(t, more)

	_, ok := tr.CurrentSlot()
	assert.False(t, ok)
	assert.True(t, tr.Summary().IsComplete)

	_, err = tr.CompleteCurrent("video_extra")
	assert.Error(t, err)
}

func TestCorruptionTooManyRecordings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	writeProgress(t, path, []CompletedRecord{
		{SlotID: "smile"}, {SlotID: "blink"}, {SlotID: "turn_left"}, {SlotID: "extra"},
	})

	_, err := NewTracker(path, testSlots(), nil)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.NotEmpty(t, corrupt.Issues)
}

func TestCorruptionDuplicateSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	writeProgress(t, path, []CompletedRecord{
		{SlotID: "smile"}, {SlotID: "smile"},
	})

	_, err := NewTracker(path, testSlots(), nil)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
}

func TestCorruptionUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewTracker(path, testSlots(), nil)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
}

func TestLoadSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videos.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "smile", "name": "Smile", "duration_ms": 5000},
		{"id": "blink", "name": "Blink", "duration_ms": 3000}
	]`), 0o644))

	slots, err := LoadSlots(path)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "smile", slots[0].ID)
	assert.Equal(t, 5000, slots[0].DurationMs)
}

func TestLoadSlotsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "videos.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := LoadSlots(path)
	assert.Error(t, err)
}
