// Package transport moves recorded video blobs to the ingest backend in
// fixed-size chunks with bounded per-chunk retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/models"
)

const (
	// DefaultChunkSize is the upload piece size (1MB).
	DefaultChunkSize = 1024 * 1024
	// DefaultMaxRetries is the per-chunk retry budget.
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is the base for per-chunk exponential backoff.
	DefaultRetryBaseDelay = 2 * time.Second

	// StatusChunkReceived is the backend response for a non-final chunk.
	StatusChunkReceived = "chunk_received"
	// StatusVideoComplete is the backend response once all chunks are assembled.
	StatusVideoComplete = "video_complete"
)

// UploadError reports a failed blob upload with the chunk it failed on.
type UploadError struct {
	ChunkIndex int
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload chunk %d: %v", e.ChunkIndex, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// RejectionError is a non-2xx backend response.
type RejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend rejected request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend rejected request: status %d: %s", e.StatusCode, e.Reason)
}

// ChunkResponse is the backend's reply to a chunk upload.
type ChunkResponse struct {
	Status      string `json:"status"`
	VideoID     string `json:"video_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Received    int    `json:"received,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProgressFunc is invoked after each confirmed chunk.
type ProgressFunc func(percent float64, chunksDone, totalChunks int)

// Config tunes an Uploader. Zero values fall back to defaults.
type Config struct {
	BaseURL        string
	ChunkSize      int64
	MaxRetries     int
	RetryBaseDelay time.Duration
	HTTPTimeout    time.Duration
}

// Uploader is a stateless chunked-upload client for the ingest backend.
// Retries reuse the same chunk index so the backend can dedupe by
// (video_id, chunk_index).
type Uploader struct {
	baseURL        string
	chunkSize      int64
	maxRetries     int
	retryBaseDelay time.Duration
	client         *http.Client
	logger         *zap.Logger
}

// NewUploader creates an uploader for the given backend.
func NewUploader(cfg Config, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 2 * time.Minute
	}
	return &Uploader{
		baseURL:        cfg.BaseURL,
		chunkSize:      cfg.ChunkSize,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		client:         &http.Client{Timeout: cfg.HTTPTimeout},
		logger:         logger,
	}
}

// ChunkCount returns the number of pieces a blob of the given size splits into.
func (u *Uploader) ChunkCount(size int64) int {
	return int((size + u.chunkSize - 1) / u.chunkSize)
}

// CreateSession registers a new collection session with the backend and
// returns the backend-assigned session id.
func (u *Uploader) CreateSession(ctx context.Context, participantID, participantName string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"participant_id":   participantID,
		"participant_name": participantName,
	})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/session/create", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session create: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &RejectionError{StatusCode: resp.StatusCode, Reason: readErrorReason(resp.Body)}
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("session create: empty session_id in response")
	}
	u.logger.Info("backend session created", zap.String("session_id", out.SessionID))
	return out.SessionID, nil
}

// UploadBlob delivers one blob to the backend in strictly sequential chunks.
// It returns only after the backend reports video_complete for the final
// chunk; any other outcome is an *UploadError carrying the failing chunk.
func (u *Uploader) UploadBlob(ctx context.Context, sessionID, videoID string, blob []byte, onProgress ProgressFunc) (*ChunkResponse, error) {
	if len(blob) == 0 {
		return nil, &UploadError{ChunkIndex: 0, Err: fmt.Errorf("empty blob")}
	}
	totalChunks := u.ChunkCount(int64(len(blob)))
	u.logger.Info("starting chunked upload",
		zap.String("video_id", videoID),
		zap.Int("total_chunks", totalChunks),
		zap.Int("size_bytes", len(blob)),
	)

	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		start := int64(chunkIndex) * u.chunkSize
		end := start + u.chunkSize
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		resp, err := u.uploadChunkWithRetry(ctx, sessionID, videoID, chunkIndex, totalChunks, blob[start:end])
		if err != nil {
			return nil, &UploadError{ChunkIndex: chunkIndex, Err: err}
		}

		if onProgress != nil {
			onProgress(float64(chunkIndex+1)/float64(totalChunks)*100, chunkIndex+1, totalChunks)
		}

		if resp.Status == StatusVideoComplete {
			u.logger.Info("video upload complete",
				zap.String("video_id", videoID),
				zap.String("file_path", resp.FilePath),
			)
			return resp, nil
		}
	}

	// All chunks accepted but the backend never confirmed assembly.
	return nil, &UploadError{
		ChunkIndex: totalChunks - 1,
		Err:        fmt.Errorf("all chunks sent but backend did not report %s", StatusVideoComplete),
	}
}

// AttachMetadata posts the structured metadata for an already-delivered
// video. This is an independent second step after the blob upload.
func (u *Uploader) AttachMetadata(ctx context.Context, sessionID, videoID string, md models.VideoMetadata) error {
	payload := struct {
		SessionID string `json:"session_id"`
		VideoID   string `json:"video_id"`
		models.VideoMetadata
	}{SessionID: sessionID, VideoID: videoID, VideoMetadata: md}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/upload/metadata", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("metadata upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &RejectionError{StatusCode: resp.StatusCode, Reason: readErrorReason(resp.Body)}
	}
	u.logger.Debug("metadata attached", zap.String("video_id", videoID))
	return nil
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, sessionID, videoID string, chunkIndex, totalChunks int, chunk []byte) (*ChunkResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := u.uploadChunk(ctx, sessionID, videoID, chunkIndex, totalChunks, chunk)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= u.maxRetries {
			break
		}

		// Exponential backoff with random jitter.
		delay := time.Duration(1<<uint(attempt))*u.retryBaseDelay + time.Duration(rand.Int63n(int64(u.retryBaseDelay)/2+1))
		u.logger.Warn("chunk upload failed, retrying",
			zap.String("video_id", videoID),
			zap.Int("chunk_index", chunkIndex),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("chunk failed after %d retries: %w", u.maxRetries, lastErr)
}

func (u *Uploader) uploadChunk(ctx context.Context, sessionID, videoID string, chunkIndex, totalChunks int, chunk []byte) (*ChunkResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("session_id", sessionID)
	_ = w.WriteField("video_id", videoID)
	_ = w.WriteField("chunk_index", strconv.Itoa(chunkIndex))
	_ = w.WriteField("total_chunks", strconv.Itoa(totalChunks))
	part, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", chunkIndex))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, fmt.Errorf("write chunk body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/upload/chunk", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &RejectionError{StatusCode: resp.StatusCode, Reason: readErrorReason(resp.Body)}
	}

	var out ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chunk response: %w", err)
	}
	return &out, nil
}

func readErrorReason(r io.Reader) string {
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&out); err != nil {
		return ""
	}
	return out.Error
}
