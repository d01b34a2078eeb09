package uploadqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facialdata/collector/internal/models"
	"github.com/facialdata/collector/internal/transport"
	"github.com/facialdata/collector/internal/videostore"
)

// fakeTransport implements Transport with scriptable failures.
type fakeTransport struct {
	mu        sync.Mutex
	uploaded  []string       // video ids in completion order
	blobSizes map[string]int // video id -> delivered blob length
	metadata  []string       // video ids with metadata attached
	failures  map[string]int // video id -> remaining forced failures
	alwaysErr bool

	// when set, UploadBlob announces on started and blocks until release
	// is closed
	started chan string
	release chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		blobSizes: make(map[string]int),
		failures:  make(map[string]int),
	}
}

func (f *fakeTransport) UploadBlob(ctx context.Context, sessionID, videoID string, blob []byte, onProgress transport.ProgressFunc) (*transport.ChunkResponse, error) {
	if f.started != nil {
		f.started <- videoID
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.alwaysErr {
		f.mu.Unlock()
		return nil, &transport.UploadError{ChunkIndex: 0, Err: fmt.Errorf("forced failure")}
	}
	if n := f.failures[videoID]; n > 0 {
		f.failures[videoID] = n - 1
		f.mu.Unlock()
		return nil, &transport.UploadError{ChunkIndex: 0, Err: fmt.Errorf("transient failure")}
	}
	f.uploaded = append(f.uploaded, videoID)
	f.blobSizes[videoID] = len(blob)
	f.mu.Unlock()

	return &transport.ChunkResponse{Status: transport.StatusVideoComplete, VideoID: videoID}, nil
}

func (f *fakeTransport) AttachMetadata(ctx context.Context, sessionID, videoID string, md models.VideoMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, videoID)
	return nil
}

func (f *fakeTransport) uploadedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploaded...)
}

func newTestQueue(t *testing.T, tr Transport, cfg Config) (*Queue, *videostore.Store) {
	t.Helper()
	store, err := videostore.New(t.TempDir(), nil)
	require.NoError(t, err)
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(t.TempDir(), "upload_queue.json")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "sess"
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	if cfg.InterItemPause == 0 {
		cfg.InterItemPause = time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return New(cfg, store, tr, nil), store
}

func TestEnqueueUploadsAndEvictsBlob(t *testing.T) {
	tr := newFakeTransport()
	q, store := newTestQueue(t, tr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{SlotID: "smile"}, []byte("blob")))

	res := q.WaitForCompletion(ctx, 2*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 0, res.Failed)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, 1, items[0].Attempts)

	assert.Equal(t, []string{"video_1"}, tr.uploadedIDs())
	assert.Equal(t, []string{"video_1"}, tr.metadata)
	assert.False(t, store.HasLive("video_1"), "blob must be evicted after confirmed upload")
}

func TestEnqueueDuplicateWithLiveBlobIsNoOp(t *testing.T) {
	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{})
	// processor not started: item stays pending with its live blob

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("first")))
	require.NoError(t, q.Enqueue("video_2", "smile", models.VideoMetadata{}, []byte("second")))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "video_1", items[0].RecordingID, "duplicate must not replace a queued live recording")
}

func TestEnqueueAfterCompletionIsNoOp(t *testing.T) {
	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))
	require.True(t, q.WaitForCompletion(ctx, 2*time.Second).Success)

	require.NoError(t, q.Enqueue("video_2", "smile", models.VideoMetadata{}, []byte("retake")))
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, "video_1", items[0].RecordingID)
}

func TestEnqueueRefreshesItemWithLostBlob(t *testing.T) {
	tr := newFakeTransport()
	q, store := newTestQueue(t, tr, Config{})

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))
	// Simulate a restart that lost the in-memory blob.
	require.NoError(t, store.Delete("video_1"))

	require.NoError(t, q.Enqueue("video_2", "smile", models.VideoMetadata{Duration: 4.2}, []byte("fresh")))

	items := q.Items()
	require.Len(t, items, 1, "refresh must not create a duplicate")
	assert.Equal(t, "video_2", items[0].RecordingID)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, 0, items[0].Attempts)
	assert.True(t, store.HasLive("video_2"))
}

func TestCancelPendingUpload(t *testing.T) {
	tr := newFakeTransport()
	q, store := newTestQueue(t, tr, Config{})

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))
	assert.True(t, q.CancelUpload("smile"))
	assert.Empty(t, q.Items())
	assert.False(t, store.HasLive("video_1"))

	assert.False(t, q.CancelUpload("smile"), "second cancel finds nothing")
}

func TestCancelUploadInFlightRefused(t *testing.T) {
	tr := newFakeTransport()
	tr.started = make(chan string)
	tr.release = make(chan struct{})
	q, _ := newTestQueue(t, tr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))
	<-tr.started // upload is now in flight

	assert.False(t, q.CancelUpload("smile"), "in-flight upload must not be cancellable")

	close(tr.release)
	require.True(t, q.WaitForCompletion(ctx, 2*time.Second).Success)
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)
}

func TestFailedAfterAttemptBudget(t *testing.T) {
	tr := newFakeTransport()
	tr.alwaysErr = true
	q, _ := newTestQueue(t, tr, Config{MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))

	res := q.WaitForCompletion(ctx, 2*time.Second)
	require.True(t, res.Success, "settling includes permanent failure")
	assert.Equal(t, 1, res.Failed)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, 3, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "forced failure")
}

func TestTransientFailureRecovers(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["video_1"] = 2
	q, _ := newTestQueue(t, tr, Config{MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))

	res := q.WaitForCompletion(ctx, 5*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusCompleted, items[0].Status)
	assert.Equal(t, 3, items[0].Attempts, "two failed attempts plus the successful one")
	assert.Empty(t, items[0].LastError)
}

func TestMissingBlobFailsPermanently(t *testing.T) {
	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// nil blob: the item is queued but nothing is in the store
	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, nil))

	res := q.WaitForCompletion(ctx, 2*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Failed)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, 5, items[0].Attempts, "budget is marked spent so the item is never re-picked")
	assert.Contains(t, items[0].LastError, ErrBlobUnavailable.Error())
	assert.Empty(t, tr.uploadedIDs(), "nothing to deliver, so the backend is never contacted")

	// A retake with a fresh blob recovers the slot: the item is
	// refreshed in place with the budget reset.
	require.NoError(t, q.Enqueue("video_2", "smile", models.VideoMetadata{}, []byte("fresh")))
	res = q.WaitForCompletion(ctx, 2*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 0, res.Failed)
}

func TestEnqueueNilBlobForExistingItemIsNoOp(t *testing.T) {
	tr := newFakeTransport()
	q, store := newTestQueue(t, tr, Config{})

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))
	// The blob vanishes (restart) and the caller re-announces the slot
	// without a replacement capture.
	require.NoError(t, store.Delete("video_1"))
	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, nil))

	items := q.Items()
	require.Len(t, items, 1, "slot must keep a single queue item")
	assert.Equal(t, "video_1", items[0].RecordingID)
}

func TestDurableChunksRecoverLostBlob(t *testing.T) {
	tr := newFakeTransport()
	q, store := newTestQueue(t, tr, Config{})

	// Capture chunks persisted durably; the in-memory blob never existed,
	// as after a crash between capture and upload.
	require.NoError(t, store.SaveChunk("video_1", 0, []byte("part-a-")))
	require.NoError(t, store.SaveChunk("video_1", 1, []byte("part-b")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, nil))

	res := q.WaitForCompletion(ctx, 2*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []string{"video_1"}, tr.uploadedIDs())
	assert.Equal(t, len("part-a-part-b"), tr.blobSizes["video_1"], "reassembled bytes are delivered")
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	tr := newFakeTransport()
	snapshotPath := filepath.Join(t.TempDir(), "upload_queue.json")
	q1, _ := newTestQueue(t, tr, Config{SnapshotPath: snapshotPath})

	require.NoError(t, q1.Enqueue("video_1", "smile", models.VideoMetadata{SlotID: "smile"}, []byte("blob")))

	// Fresh queue over the same snapshot, same backend session.
	q2, _ := newTestQueue(t, tr, Config{SnapshotPath: snapshotPath})
	require.NoError(t, q2.ResumeUploads())

	items := q2.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "video_1", items[0].RecordingID)
	assert.Equal(t, "smile", items[0].SlotID)
	assert.Equal(t, StatusPending, items[0].Status)
}

func TestResumeResetsInterruptedAndPrunesOldSession(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "upload_queue.json")
	snap := Snapshot{
		SessionID:   "old-session",
		LastUpdated: time.Now(),
		Queue: []*Item{
			{RecordingID: "video_1", SlotID: "smile", Status: StatusCompleted},
			{RecordingID: "video_2", SlotID: "blink", Status: StatusUploading, Attempts: 2},
			{RecordingID: "video_3", SlotID: "turn_left", Status: StatusFailed, Attempts: 5},
		},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, data, 0o644))

	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{SnapshotPath: snapshotPath, SessionID: "new-session", MaxAttempts: 5})
	require.NoError(t, q.ResumeUploads())

	items := q.Items()
	require.Len(t, items, 2, "completed item from another session is pruned")

	byID := map[string]Item{}
	for _, it := range items {
		byID[it.RecordingID] = it
	}
	assert.Equal(t, StatusPending, byID["video_2"].Status, "interrupted upload resets to pending")
	assert.Equal(t, 2, byID["video_2"].Attempts, "spent attempts are kept")
	assert.Equal(t, StatusFailed, byID["video_3"].Status, "exhausted item stays failed")
}

func TestResumeWithCorruptSnapshotStartsEmpty(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "upload_queue.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("{broken"), 0o644))

	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{SnapshotPath: snapshotPath})
	require.NoError(t, q.ResumeUploads())
	assert.Empty(t, q.Items())
}

func TestWaitForCompletionTimeout(t *testing.T) {
	tr := newFakeTransport()
	q, _ := newTestQueue(t, tr, Config{})
	// processor not started, so the item never leaves pending

	require.NoError(t, q.Enqueue("video_1", "smile", models.VideoMetadata{}, []byte("blob")))

	res := q.WaitForCompletion(context.Background(), 30*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Pending)
}

// TestOrderedUploadsThroughRealTransport runs the queue against the real
// chunked uploader and an in-process backend: three recordings of
// different sizes must upload first-in-first-out with the expected chunk
// counts.
func TestOrderedUploadsThroughRealTransport(t *testing.T) {
	type videoRecord struct {
		chunks int
		size   int
	}
	var mu sync.Mutex
	received := map[string]*videoRecord{}
	var completionOrder []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload/chunk", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(4 << 20)
		videoID := r.FormValue("video_id")
		totalChunks, _ := strconv.Atoi(r.FormValue("total_chunks"))
		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		file.Close()

		mu.Lock()
		rec := received[videoID]
		if rec == nil {
			rec = &videoRecord{}
			received[videoID] = rec
		}
		rec.chunks++
		rec.size += len(data)
		done := rec.chunks == totalChunks
		if done {
			completionOrder = append(completionOrder, videoID)
		}
		mu.Unlock()

		if done {
			json.NewEncoder(w).Encode(map[string]string{"status": "video_complete", "video_id": videoID})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "chunk_received"})
	})
	mux.HandleFunc("/api/upload/metadata", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "metadata_saved"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	uploader := transport.NewUploader(transport.Config{
		BaseURL:        srv.URL,
		ChunkSize:      1000,
		RetryBaseDelay: time.Millisecond,
	}, nil)
	q, _ := newTestQueue(t, uploader, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	sizes := map[string]int{"video_a": 2500, "video_b": 500, "video_c": 10_000}
	for _, id := range []string{"video_a", "video_b", "video_c"} {
		blob := make([]byte, sizes[id])
		require.NoError(t, q.Enqueue(id, "slot_"+id, models.VideoMetadata{}, blob))
	}

	res := q.WaitForCompletion(ctx, 5*time.Second)
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Completed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"video_a", "video_b", "video_c"}, completionOrder)
	assert.Equal(t, 3, received["video_a"].chunks)
	assert.Equal(t, 1, received["video_b"].chunks)
	assert.Equal(t, 10, received["video_c"].chunks)
	for id, size := range sizes {
		assert.Equal(t, size, received[id].size, id)
	}
}
