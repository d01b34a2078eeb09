package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/models"
)

// CorruptionError means the persisted progress state cannot be trusted.
// The only remedy is a full local wipe and restart; the tracker never
// silently repairs.
type CorruptionError struct {
	Issues []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("session progress corrupt: %v", e.Issues)
}

// CompletedRecord is one accepted recording in the progress file.
type CompletedRecord struct {
	RecordingID string    `json:"recording_id"`
	SlotID      string    `json:"slot_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Progress is the persisted tracker state.
type Progress struct {
	Completed []CompletedRecord `json:"completed"`
}

// TrackerSummary is the progress view exposed to the UI layer.
type TrackerSummary struct {
	TotalSlots     int    `json:"total_slots"`
	CompletedCount int    `json:"completed_count"`
	CurrentSlotID  string `json:"current_slot_id,omitempty"`
	CurrentNumber  int    `json:"current_number"`
	IsComplete     bool   `json:"is_complete"`
}

// Tracker sequences the required recordings and resumes at the correct
// slot after an interruption.
type Tracker struct {
	mu        sync.Mutex
	slots     []models.Slot
	completed []CompletedRecord
	index     int
	path      string
	logger    *zap.Logger
}

// LoadSlots reads the ordered required-slot definitions from the slot
// configuration file.
func LoadSlots(path string) ([]models.Slot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot config: %w", err)
	}
	var slots []models.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, fmt.Errorf("parse slot config: %w", err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("slot config %s defines no slots", path)
	}
	return slots, nil
}

// NewTracker loads persisted progress, validates it, and computes the
// resume position: the first slot not yet completed. A *CorruptionError
// return means the caller must wipe local state and start over.
func NewTracker(progressPath string, slots []models.Slot, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{slots: slots, path: progressPath, logger: logger}

	data, err := os.ReadFile(progressPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	if err == nil {
		var p Progress
		if uerr := json.Unmarshal(data, &p); uerr != nil {
			return nil, &CorruptionError{Issues: []string{"progress file unreadable: " + uerr.Error()}}
		}
		t.completed = p.Completed
	}

	if cerr := t.validate(); cerr != nil {
		return nil, cerr
	}

	done := make(map[string]bool, len(t.completed))
	for _, c := range t.completed {
		done[c.SlotID] = true
	}
	t.index = len(slots)
	for i, s := range slots {
		if !done[s.ID] {
			t.index = i
			break
		}
	}
	if t.index < len(slots) {
		logger.Info("resuming recording sequence",
			zap.Int("slot_number", t.index+1),
			zap.Int("total_slots", len(slots)),
			zap.String("slot_id", slots[t.index].ID),
		)
	} else {
		logger.Info("recording sequence already complete", zap.Int("total_slots", len(slots)))
	}
	return t, nil
}

// CurrentSlot returns the slot to record next, or false when the
// sequence is complete.
func (t *Tracker) CurrentSlot() (models.Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.index >= len(t.slots) {
		return models.Slot{}, false
	}
	return t.slots[t.index], true
}

// CompleteCurrent records the current slot as done, advances, persists,
// and reports whether more slots remain. Must be called exactly once
// per accepted recording.
func (t *Tracker) CompleteCurrent(recordingID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.index >= len(t.slots) {
		return false, fmt.Errorf("sequence already complete")
	}
	slot := t.slots[t.index]
	t.completed = append(t.completed, CompletedRecord{
		RecordingID: recordingID,
		SlotID:      slot.ID,
		RecordedAt:  time.Now(),
	})
	t.index++
	if err := t.persistLocked(); err != nil {
		return false, err
	}
	t.logger.Info("slot completed",
		zap.String("slot_id", slot.ID),
		zap.Int("completed", len(t.completed)),
		zap.Int("total_slots", len(t.slots)),
	)
	return t.index < len(t.slots), nil
}

// Summary returns the progress view for the UI layer.
func (t *Tracker) Summary() TrackerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TrackerSummary{
		TotalSlots:     len(t.slots),
		CompletedCount: len(t.completed),
		CurrentNumber:  t.index + 1,
		IsComplete:     t.index >= len(t.slots),
	}
	if !s.IsComplete {
		s.CurrentSlotID = t.slots[t.index].ID
	}
	return s
}

// CompletedSlots returns the ids of all completed slots in order.
func (t *Tracker) CompletedSlots() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.completed))
	for i, c := range t.completed {
		out[i] = c.SlotID
	}
	return out
}

func (t *Tracker) validate() *CorruptionError {
	var issues []string
	if len(t.completed) > len(t.slots) {
		issues = append(issues, fmt.Sprintf("%d recordings found, expected at most %d", len(t.completed), len(t.slots)))
	}
	seen := make(map[string]bool, len(t.completed))
	for _, c := range t.completed {
		if seen[c.SlotID] {
			issues = append(issues, "duplicate slot id: "+c.SlotID)
		}
		seen[c.SlotID] = true
	}
	if len(issues) > 0 {
		t.logger.Error("session corruption detected", zap.Strings("issues", issues))
		return &CorruptionError{Issues: issues}
	}
	return nil
}

func (t *Tracker) persistLocked() error {
	data, err := json.MarshalIndent(Progress{Completed: t.completed}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace progress: %w", err)
	}
	return nil
}
