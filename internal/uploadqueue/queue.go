// Package uploadqueue owns the lifecycle of pending video uploads: a
// durable, de-duplicated work queue with a single sequential processor
// that survives process restarts via a persisted snapshot.
package uploadqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/models"
	"github.com/facialdata/collector/internal/transport"
	"github.com/facialdata/collector/internal/videostore"
)

// Item statuses.
const (
	StatusPending   = "pending"
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	// DefaultMaxAttempts is the whole-recording upload attempt budget.
	DefaultMaxAttempts = 5
	// DefaultRetryBaseDelay is the base for item-level backoff (2^attempts * base).
	DefaultRetryBaseDelay = time.Second
	// DefaultInterItemPause is the pause between consecutive uploads.
	DefaultInterItemPause = 250 * time.Millisecond
	// DefaultPollInterval is the WaitForCompletion polling interval.
	DefaultPollInterval = time.Second
)

// ErrBlobUnavailable marks an item whose source data is gone; no retry
// can fix it.
var ErrBlobUnavailable = errors.New("video blob not found in storage")

// Item is the persisted representation of one recording's upload task.
type Item struct {
	RecordingID string               `json:"recording_id"`
	SlotID      string               `json:"slot_id"`
	Status      string               `json:"status"`
	Attempts    int                  `json:"attempts"`
	LastError   string               `json:"last_error,omitempty"`
	Metadata    models.VideoMetadata `json:"metadata"`
	EnqueuedAt  time.Time            `json:"enqueued_at"`
	LastAttempt time.Time            `json:"last_attempt_at,omitempty"`
	CompletedAt time.Time            `json:"completed_at,omitempty"`
}

// Snapshot is the full persisted queue state. It is rewritten in full on
// every transition; last writer wins. Single process only.
type Snapshot struct {
	Queue       []*Item   `json:"queue"`
	SessionID   string    `json:"session_id"`
	LastUpdated time.Time `json:"last_updated"`
}

// Summary is the queue state exposed to the UI layer.
type Summary struct {
	Total        int  `json:"total"`
	Pending      int  `json:"pending"`
	Uploading    int  `json:"uploading"`
	Completed    int  `json:"completed"`
	Failed       int  `json:"failed"`
	IsProcessing bool `json:"is_processing"`
}

// WaitResult is the outcome of WaitForCompletion. Callers must check
// Success and the counts; a timeout returns partial results.
type WaitResult struct {
	Success   bool `json:"success"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
}

// Transport delivers one blob and its metadata to the backend.
// *transport.Uploader is the production implementation.
type Transport interface {
	UploadBlob(ctx context.Context, sessionID, videoID string, blob []byte, onProgress transport.ProgressFunc) (*transport.ChunkResponse, error)
	AttachMetadata(ctx context.Context, sessionID, videoID string, md models.VideoMetadata) error
}

// Config tunes a Queue. Zero values fall back to defaults.
type Config struct {
	SnapshotPath   string
	SessionID      string
	MaxAttempts    int
	RetryBaseDelay time.Duration
	InterItemPause time.Duration
	PollInterval   time.Duration
}

// New creates an upload queue. Call Start to launch the processor, then
// ResumeUploads to recover persisted state. One Queue per process.
func New(cfg Config, store *videostore.Store, tr Transport, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.InterItemPause <= 0 {
		cfg.InterItemPause = DefaultInterItemPause
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Queue{
		cfg:    cfg,
		store:  store,
		tr:     tr,
		kick:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Enqueue adds a recording to the queue. Re-enqueue attempts for a slot
// whose upload already completed, or whose queued item still has a live
// blob, are no-ops. An existing item that lost its blob (restart) and is
// handed a fresh one is refreshed in place with attempts reset: that is
// a recovery path, not a duplicate.
func (q *Queue) Enqueue(recordingID, slotID string, md models.VideoMetadata, blob []byte) error {
	q.mu.Lock()
	existing := q.findBySlotLocked(slotID)
	if existing != nil {
		switch {
		case existing.Status == StatusCompleted:
			q.mu.Unlock()
			q.logger.Warn("slot already uploaded, skipping duplicate", zap.String("slot_id", slotID))
			return nil
		case existing.Status == StatusUploading:
			q.mu.Unlock()
			q.logger.Warn("slot upload in flight, skipping duplicate", zap.String("slot_id", slotID))
			return nil
		case q.store.HasLive(existing.RecordingID):
			q.mu.Unlock()
			q.logger.Warn("slot already queued with live blob, skipping duplicate",
				zap.String("slot_id", slotID),
				zap.String("status", existing.Status),
			)
			return nil
		case blob != nil:
			// Blob lost across a restart; refresh the item with the new capture.
			q.store.Put(recordingID, blob)
			existing.RecordingID = recordingID
			existing.Metadata = md
			existing.Status = StatusPending
			existing.Attempts = 0
			existing.LastError = ""
			err := q.persistLocked()
			q.mu.Unlock()
			if err != nil {
				return err
			}
			q.logger.Info("re-enqueued slot with fresh blob",
				zap.String("slot_id", slotID),
				zap.String("recording_id", recordingID),
			)
			q.kickProcessor()
			return nil
		default:
			// Item exists, its blob is gone, and no replacement arrived.
			// Keep the single queued item for the slot.
			q.mu.Unlock()
			q.logger.Warn("slot already queued, no replacement blob supplied",
				zap.String("slot_id", slotID),
				zap.String("status", existing.Status),
			)
			return nil
		}
	}

	if blob != nil {
		q.store.Put(recordingID, blob)
	}
	q.items = append(q.items, &Item{
		RecordingID: recordingID,
		SlotID:      slotID,
		Status:      StatusPending,
		Metadata:    md,
		EnqueuedAt:  time.Now(),
	})
	err := q.persistLocked()
	total := len(q.items)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.logger.Info("recording enqueued",
		zap.String("slot_id", slotID),
		zap.String("recording_id", recordingID),
		zap.Int("queue_size", total),
	)
	q.kickProcessor()
	return nil
}

// CancelUpload removes the queue item for a slot and frees its blob.
// An item currently uploading cannot be cancelled; it runs to success or
// attempt-budget exhaustion. Returns whether a removal occurred.
func (q *Queue) CancelUpload(slotID string) bool {
	q.mu.Lock()
	idx := -1
	for i, it := range q.items {
		if it.SlotID == slotID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return false
	}
	item := q.items[idx]
	if item.Status == StatusUploading {
		q.mu.Unlock()
		q.logger.Warn("cannot cancel upload in flight", zap.String("slot_id", slotID))
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persist after cancel failed", zap.Error(err))
	}
	q.mu.Unlock()

	if err := q.store.Delete(item.RecordingID); err != nil {
		q.logger.Warn("blob cleanup after cancel failed", zap.Error(err))
	}
	q.logger.Info("upload cancelled",
		zap.String("slot_id", slotID),
		zap.String("was_status", item.Status),
	)
	return true
}

// ResumeUploads loads the persisted snapshot and recovers it: items
// stuck in uploading are reset to pending (no in-memory upload state
// survived), and completed items from a different session id are
// pruned. Failed and pending items are kept so a participant can resume
// across a restart. Starts the processor when work remains.
func (q *Queue) ResumeUploads() error {
	snap, err := q.loadSnapshot()
	if err != nil {
		return err
	}

	q.mu.Lock()
	if snap != nil {
		q.items = snap.Queue
		if snap.SessionID != "" && snap.SessionID != q.cfg.SessionID {
			kept := q.items[:0]
			pruned := 0
			for _, it := range q.items {
				if it.Status == StatusCompleted {
					pruned++
					continue
				}
				kept = append(kept, it)
			}
			q.items = kept
			if pruned > 0 {
				q.logger.Info("pruned completed uploads from previous session", zap.Int("count", pruned))
			}
		}
	}
	for _, it := range q.items {
		if it.Status == StatusUploading {
			it.Status = StatusPending
			q.logger.Info("reset interrupted upload to pending", zap.String("slot_id", it.SlotID))
		}
	}
	if err := q.persistLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	resumable := false
	for _, it := range q.items {
		if it.Status == StatusPending || (it.Status == StatusFailed && it.Attempts < q.cfg.MaxAttempts) {
			resumable = true
			break
		}
	}
	summary := q.summaryLocked()
	q.mu.Unlock()

	q.logger.Info("upload queue resumed",
		zap.Int("total", summary.Total),
		zap.Int("pending", summary.Pending),
		zap.Int("failed", summary.Failed),
		zap.Int("completed", summary.Completed),
	)
	if resumable {
		q.kickProcessor()
	}
	return nil
}

// GetSummary returns current queue counts for progress display.
func (q *Queue) GetSummary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.summaryLocked()
}

// WaitForCompletion polls the queue until no pending or uploading items
// remain, the timeout elapses, or ctx is cancelled. On timeout it
// returns partial counts with Success false rather than an error.
func (q *Queue) WaitForCompletion(ctx context.Context, timeout time.Duration) WaitResult {
	deadline := time.Now().Add(timeout)
	for {
		s := q.GetSummary()
		if s.Pending == 0 && s.Uploading == 0 {
			return WaitResult{Success: true, Completed: s.Completed, Failed: s.Failed}
		}
		if time.Now().After(deadline) {
			q.logger.Warn("timed out waiting for uploads",
				zap.Int("pending", s.Pending+s.Uploading),
				zap.Int("completed", s.Completed),
				zap.Int("failed", s.Failed),
			)
			return WaitResult{Completed: s.Completed, Failed: s.Failed, Pending: s.Pending + s.Uploading}
		}
		select {
		case <-ctx.Done():
			return WaitResult{Completed: s.Completed, Failed: s.Failed, Pending: s.Pending + s.Uploading}
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// Items returns a copy of the current queue items, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

func (q *Queue) findBySlotLocked(slotID string) *Item {
	for _, it := range q.items {
		if it.SlotID == slotID {
			return it
		}
	}
	return nil
}

func (q *Queue) summaryLocked() Summary {
	s := Summary{Total: len(q.items), IsProcessing: q.isProcessing}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusUploading:
			s.Uploading++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) loadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(q.cfg.SnapshotPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot is unrecoverable; start from an empty queue
		// rather than refusing to run.
		q.logger.Error("corrupt queue snapshot, starting empty", zap.Error(err))
		return nil, nil
	}
	return &snap, nil
}

func (q *Queue) persistLocked() error {
	snap := Snapshot{
		Queue:       q.items,
		SessionID:   q.cfg.SessionID,
		LastUpdated: time.Now(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.cfg.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := q.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, q.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("replace queue snapshot: %w", err)
	}
	return nil
}
