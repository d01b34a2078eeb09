// Package archive copies assembled videos from the ingest data directory
// to S3 and records the object location.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/ingest"
	"github.com/facialdata/collector/pkg/queue"
	"github.com/facialdata/collector/pkg/storage"
)

// Worker processes video archive jobs: read the assembled file, upload
// it to the collection bucket, update the video row.
type Worker struct {
	repo   *ingest.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewWorker creates an archive worker.
func NewWorker(repo *ingest.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{repo: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one archive job.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeVideoArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.VideoArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	f, err := os.Open(payload.FilePath)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat video: %w", err)
	}

	key := storage.VideoKey(payload.SessionID.String(), payload.VideoID)
	s3URL, err := w.s3.Upload(ctx, w.s3.VideosBucket(), key, "video/webm", f, info.Size())
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := w.repo.SetVideoArchive(ctx, payload.SessionID, payload.VideoID, key, s3URL); err != nil {
		return fmt.Errorf("update db: %w", err)
	}

	w.logger.Info("video archived",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("video_id", payload.VideoID),
		zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		w.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := w.Process(ctx, job); err != nil {
			w.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := w.queue.Retry(ctx, job); reErr != nil {
				w.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
