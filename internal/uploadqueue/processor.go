package uploadqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue is the durable upload queue. Construct with New, launch with
// Start, recover persisted work with ResumeUploads.
type Queue struct {
	mu           sync.Mutex
	items        []*Item
	isProcessing bool

	cfg    Config
	store  blobStore
	tr     Transport
	kick   chan struct{}
	logger *zap.Logger
}

// blobStore is the slice of videostore.Store the queue needs.
type blobStore interface {
	Put(recordingID string, blob []byte)
	HasLive(recordingID string) bool
	Get(recordingID string) ([]byte, bool, error)
	Delete(recordingID string) error
}

// Start launches the processor goroutine. It drains the queue whenever
// kicked by Enqueue or ResumeUploads and exits when ctx is done. Only
// one drain runs at a time; concurrent kicks while draining are no-ops.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.kick:
				q.drain(ctx)
			}
		}
	}()
}

func (q *Queue) kickProcessor() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// drain uploads items one at a time until no eligible item remains:
// the earliest pending item, or the earliest failed item with attempt
// budget left. Strictly serialized; one network upload in flight.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	if q.isProcessing {
		q.mu.Unlock()
		return
	}
	q.isProcessing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.isProcessing = false
		q.mu.Unlock()
		q.logger.Debug("queue processing idle")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		item := q.nextEligible()
		if item == nil {
			return
		}
		q.processItem(ctx, item)

		// Brief pause between uploads.
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.InterItemPause):
		}
	}
}

func (q *Queue) nextEligible() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == StatusPending {
			return it
		}
		if it.Status == StatusFailed && it.Attempts < q.cfg.MaxAttempts {
			return it
		}
	}
	return nil
}

// processItem runs one upload attempt for the item: blob delivery, then
// the metadata attach as an independent second call. The transition to
// uploading with the incremented attempt count is persisted before any
// network traffic so a crash mid-upload is observable after restart.
func (q *Queue) processItem(ctx context.Context, item *Item) {
	q.mu.Lock()
	item.Status = StatusUploading
	item.Attempts++
	item.LastAttempt = time.Now()
	attempts := item.Attempts
	if err := q.persistLocked(); err != nil {
		q.logger.Error("persist before upload failed", zap.Error(err))
	}
	q.mu.Unlock()

	q.logger.Info("uploading recording",
		zap.String("slot_id", item.SlotID),
		zap.String("recording_id", item.RecordingID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
	)

	err := q.uploadOnce(ctx, item)
	if err == nil {
		q.mu.Lock()
		item.Status = StatusCompleted
		item.LastError = ""
		item.CompletedAt = time.Now()
		if perr := q.persistLocked(); perr != nil {
			q.logger.Error("persist after completion failed", zap.Error(perr))
		}
		q.mu.Unlock()

		if derr := q.store.Delete(item.RecordingID); derr != nil {
			q.logger.Warn("blob eviction failed", zap.Error(derr))
		}
		q.logger.Info("upload complete", zap.String("slot_id", item.SlotID))
		return
	}

	q.mu.Lock()
	item.LastError = err.Error()
	if errors.Is(err, ErrBlobUnavailable) {
		// A missing blob cannot come back. Mark the budget spent so the
		// scheduler never re-picks the item; a retake with a fresh blob
		// resets the count through Enqueue.
		item.Attempts = q.cfg.MaxAttempts
	}
	exhausted := item.Attempts >= q.cfg.MaxAttempts
	if exhausted {
		item.Status = StatusFailed
	} else {
		item.Status = StatusPending
	}
	finalAttempts := item.Attempts
	if perr := q.persistLocked(); perr != nil {
		q.logger.Error("persist after failure failed", zap.Error(perr))
	}
	q.mu.Unlock()

	if exhausted {
		q.logger.Error("upload permanently failed",
			zap.String("slot_id", item.SlotID),
			zap.Int("attempts", finalAttempts),
			zap.Error(err),
		)
		return
	}

	// Exponential backoff before the loop may pick anything up again.
	// The single-worker model means this delays all queued items; fine
	// at the handful-of-videos scale this queue serves.
	delay := time.Duration(1<<uint(attempts)) * q.cfg.RetryBaseDelay
	q.logger.Warn("upload failed, will retry",
		zap.String("slot_id", item.SlotID),
		zap.Int("attempt", attempts),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (q *Queue) uploadOnce(ctx context.Context, item *Item) error {
	blob, ok, err := q.store.Get(item.RecordingID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBlobUnavailable
	}

	_, err = q.tr.UploadBlob(ctx, q.cfg.SessionID, item.RecordingID, blob, func(percent float64, done, total int) {
		q.logger.Debug("upload progress",
			zap.String("recording_id", item.RecordingID),
			zap.Float64("percent", percent),
			zap.Int("chunks_done", done),
			zap.Int("total_chunks", total),
		)
	})
	if err != nil {
		return err
	}

	// Blob bytes are durable server-side now; metadata follows separately.
	return q.tr.AttachMetadata(ctx, q.cfg.SessionID, item.RecordingID, item.Metadata)
}
