package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/models"
	pkgqueue "github.com/facialdata/collector/pkg/queue"
	"github.com/facialdata/collector/pkg/response"
	"github.com/facialdata/collector/pkg/storage"
)

// validVideoID constrains ids that are joined into filesystem paths and
// object keys.
var validVideoID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store is the persistence surface the ingest handlers need.
type Store interface {
	CreateSession(ctx context.Context, s models.CollectionSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.CollectionSession, error)
	ListSessions(ctx context.Context) ([]models.CollectionSession, error)
	CreateVideo(ctx context.Context, v models.CollectionVideo) error
	SetVideoMetadata(ctx context.Context, sessionID uuid.UUID, videoID, slotID string, metadata []byte) error
	ListVideos(ctx context.Context, sessionID uuid.UUID) ([]models.CollectionVideo, error)
	GetVideo(ctx context.Context, sessionID uuid.UUID, videoID string) (*models.CollectionVideo, error)
	DeleteVideo(ctx context.Context, sessionID uuid.UUID, videoID string) error
	Stats(ctx context.Context) (sessions, videos int, totalBytes int64, err error)
	InsertClientLog(ctx context.Context, sessionID, level, message string, logContext []byte) error
	ListClientLogs(ctx context.Context, sessionID string, limit int) ([]ClientLog, error)
}

// ObjectStore is the archive bucket surface the admin video endpoints
// need. Nil when archiving is disabled.
type ObjectStore interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Enqueuer hands assembled videos to the archive worker.
type Enqueuer interface {
	EnqueueVideoArchive(ctx context.Context, payload pkgqueue.VideoArchivePayload) error
}

// Handler serves the ingest API: session lifecycle, chunked uploads,
// metadata, and shipped client logs.
type Handler struct {
	store   Store
	jobs    Enqueuer    // nil when archiving is disabled
	objects ObjectStore // nil when archiving is disabled
	dataDir string
	logger  *zap.Logger
}

// NewHandler creates an ingest handler rooted at dataDir.
func NewHandler(store Store, jobs Enqueuer, objects ObjectStore, dataDir string, logger *zap.Logger) *Handler {
	return &Handler{store: store, jobs: jobs, objects: objects, dataDir: dataDir, logger: logger}
}

// CreateSession handles POST /api/session/create.
func (h *Handler) CreateSession(c *gin.Context) {
	var req struct {
		ParticipantID   string `json:"participant_id"`
		ParticipantName string `json:"participant_name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.ParticipantName == "" {
		req.ParticipantName = "Anonymous"
	}

	s := models.CollectionSession{
		ID:              uuid.New(),
		ParticipantID:   req.ParticipantID,
		ParticipantName: req.ParticipantName,
		CreatedAt:       time.Now().UTC(),
	}

	if err := os.MkdirAll(h.sessionDir(s.ID.String()), 0o755); err != nil {
		h.logger.Error("create session dir", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	if err := h.store.CreateSession(c.Request.Context(), s); err != nil {
		h.logger.Error("create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	h.logger.Info("session created",
		zap.String("session_id", s.ID.String()),
		zap.String("participant", s.ParticipantName))
	c.JSON(http.StatusOK, gin.H{
		"status":     "created",
		"session_id": s.ID.String(),
		"created_at": s.CreatedAt.Format(time.RFC3339),
	})
}

// UploadChunk handles POST /api/upload/chunk. Chunks arrive strictly in
// order from a well-behaved client, but re-sent indices simply overwrite
// the existing chunk file. When the last chunk lands the video is
// assembled and handed to the archive queue.
func (h *Handler) UploadChunk(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	videoID := c.PostForm("video_id")
	chunkIndex, errIdx := strconv.Atoi(c.PostForm("chunk_index"))
	totalChunks, errTot := strconv.Atoi(c.PostForm("total_chunks"))

	if sessionID == "" || videoID == "" || errIdx != nil || errTot != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id, video_id, chunk_index or total_chunks"})
		return
	}
	if !validVideoID.MatchString(videoID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video_id"})
		return
	}
	if totalChunks < 1 || chunkIndex < 0 || chunkIndex >= totalChunks {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chunk_index or total_chunks"})
		return
	}
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session_id"})
		return
	}
	if _, err := os.Stat(h.sessionDir(sessionID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing chunk file"})
		return
	}
	defer file.Close()

	chunkDir := h.chunkDir(sessionID, videoID)
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		h.logger.Error("create chunk dir", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store chunk"})
		return
	}
	if err := writeChunk(filepath.Join(chunkDir, chunkName(chunkIndex)), file); err != nil {
		h.logger.Error("write chunk", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store chunk"})
		return
	}

	received, err := countChunks(chunkDir)
	if err != nil {
		h.logger.Error("count chunks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store chunk"})
		return
	}

	if received < totalChunks {
		c.JSON(http.StatusOK, gin.H{
			"status":       "chunk_received",
			"chunk_index":  chunkIndex,
			"total_chunks": totalChunks,
			"received":     received,
		})
		return
	}

	filePath, fileSize, err := h.assemble(sessionID, videoID, totalChunks)
	if err != nil {
		h.logger.Error("assemble video",
			zap.String("session_id", sessionID),
			zap.String("video_id", videoID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to assemble video"})
		return
	}

	if err := h.store.CreateVideo(c.Request.Context(), models.CollectionVideo{
		SessionID: sid,
		VideoID:   videoID,
		FilePath:  filePath,
		FileSize:  fileSize,
	}); err != nil {
		h.logger.Error("record video", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record video"})
		return
	}

	if h.jobs != nil {
		err := h.jobs.EnqueueVideoArchive(c.Request.Context(), pkgqueue.VideoArchivePayload{
			SessionID: sid,
			VideoID:   videoID,
			FilePath:  filepath.Join(h.dataDir, filePath),
			FileSize:  fileSize,
		})
		if err != nil {
			// archiving is best effort; the assembled file stays on disk
			h.logger.Warn("enqueue archive", zap.String("video_id", videoID), zap.Error(err))
		}
	}

	h.logger.Info("video assembled",
		zap.String("session_id", sessionID),
		zap.String("video_id", videoID),
		zap.Int64("file_size", fileSize))
	c.JSON(http.StatusOK, gin.H{
		"status":    "video_complete",
		"video_id":  videoID,
		"file_path": filePath,
	})
}

// UploadMetadata handles POST /api/upload/metadata.
func (h *Handler) UploadMetadata(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		VideoID   string `json:"video_id"`
		models.VideoMetadata
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid metadata payload"})
		return
	}
	if req.SessionID == "" || req.VideoID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id or video_id"})
		return
	}
	if !validVideoID.MatchString(req.VideoID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video_id"})
		return
	}
	sid, err := uuid.Parse(req.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session_id"})
		return
	}
	if _, err := os.Stat(h.sessionDir(req.SessionID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	doc, err := json.Marshal(req.VideoMetadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid metadata payload"})
		return
	}

	// sidecar file next to the video, so session dirs are self-describing
	sidecar := filepath.Join(h.sessionDir(req.SessionID), req.VideoID+".metadata.json")
	if err := os.WriteFile(sidecar, doc, 0o644); err != nil {
		h.logger.Error("write metadata sidecar", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save metadata"})
		return
	}
	if err := h.store.SetVideoMetadata(c.Request.Context(), sid, req.VideoID, req.SlotID, doc); err != nil {
		h.logger.Error("save metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save metadata"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "metadata_saved",
		"video_id": req.VideoID,
	})
}

// GetSession handles GET /api/session/:sessionId.
func (h *Handler) GetSession(c *gin.Context) {
	sid, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session_id"})
		return
	}
	s, err := h.store.GetSession(c.Request.Context(), sid)
	if err != nil {
		h.logger.Error("get session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	videos, err := h.store.ListVideos(c.Request.Context(), sid)
	if err != nil {
		h.logger.Error("list videos", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": s,
		"videos":  videos,
	})
}

// ClientLog handles POST /api/log/client. Log shipping must never break
// the client, so malformed entries are dropped with a 200.
func (h *Handler) ClientLog(c *gin.Context) {
	var req struct {
		SessionID string          `json:"session_id"`
		Level     string          `json:"level"`
		Message   string          `json:"message"`
		Context   json.RawMessage `json:"context"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}
	if err := h.store.InsertClientLog(c.Request.Context(), req.SessionID, req.Level, req.Message, req.Context); err != nil {
		h.logger.Warn("store client log", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged"})
}

// Stats handles GET /api/admin/stats.
func (h *Handler) Stats(c *gin.Context) {
	sessions, videos, totalBytes, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("load stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":    sessions,
		"videos":      videos,
		"total_bytes": totalBytes,
	})
}

// ListSessions handles GET /api/admin/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// SessionLogs handles GET /api/admin/logs/:sessionId.
func (h *Handler) SessionLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	logs, err := h.store.ListClientLogs(c.Request.Context(), c.Param("sessionId"), limit)
	if err != nil {
		h.logger.Error("list client logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// VideoDownloadURL handles GET /api/admin/videos/:sessionId/:videoId/url.
// Archived videos get a presigned bucket URL; videos still local-only
// are reported as such.
func (h *Handler) VideoDownloadURL(c *gin.Context) {
	sid, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "Invalid session_id")
		return
	}
	videoID := c.Param("videoId")
	if !validVideoID.MatchString(videoID) {
		response.BadRequest(c, "Invalid video_id")
		return
	}

	v, err := h.store.GetVideo(c.Request.Context(), sid, videoID)
	if err != nil {
		h.logger.Error("get video", zap.Error(err))
		response.Internal(c, "Failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "Video not found")
		return
	}
	if v.S3Key == "" || h.objects == nil {
		response.NotFound(c, "Video not archived")
		return
	}

	url, err := h.objects.GeneratePresignedDownloadURL(c.Request.Context(), v.S3Key, time.Hour)
	if err != nil {
		h.logger.Error("presign download", zap.String("video_id", videoID), zap.Error(err))
		response.Internal(c, "Failed to generate download URL")
		return
	}
	response.OK(c, gin.H{
		"video_id":   videoID,
		"url":        url,
		"expires_in": int(time.Hour.Seconds()),
	})
}

// DeleteVideo handles DELETE /api/admin/videos/:sessionId/:videoId.
// Removes the archived object, the local file, and the database row.
func (h *Handler) DeleteVideo(c *gin.Context) {
	sid, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		response.BadRequest(c, "Invalid session_id")
		return
	}
	videoID := c.Param("videoId")
	if !validVideoID.MatchString(videoID) {
		response.BadRequest(c, "Invalid video_id")
		return
	}

	v, err := h.store.GetVideo(c.Request.Context(), sid, videoID)
	if err != nil {
		h.logger.Error("get video", zap.Error(err))
		response.Internal(c, "Failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "Video not found")
		return
	}

	if h.objects != nil {
		key := v.S3Key
		if key == "" {
			key = storage.VideoKey(sid.String(), videoID)
		}
		if err := h.objects.DeleteObject(c.Request.Context(), key); err != nil {
			h.logger.Warn("delete archived object", zap.String("key", key), zap.Error(err))
		}
	}
	if v.FilePath != "" {
		if err := os.Remove(filepath.Join(h.dataDir, v.FilePath)); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("delete local file", zap.String("path", v.FilePath), zap.Error(err))
		}
	}
	if err := h.store.DeleteVideo(c.Request.Context(), sid, videoID); err != nil {
		h.logger.Error("delete video row", zap.Error(err))
		response.Internal(c, "Failed to delete video")
		return
	}

	h.logger.Info("video deleted",
		zap.String("session_id", sid.String()),
		zap.String("video_id", videoID))
	response.OK(c, gin.H{"video_id": videoID})
}

func (h *Handler) sessionDir(sessionID string) string {
	return filepath.Join(h.dataDir, sessionID)
}

func (h *Handler) chunkDir(sessionID, videoID string) string {
	return filepath.Join(h.sessionDir(sessionID), "chunks_"+videoID)
}

// assemble concatenates the received chunks into <video_id>.webm and
// removes the chunk directory. It fails if any index is missing, which
// only happens when total_chunks was inconsistent across requests.
func (h *Handler) assemble(sessionID, videoID string, totalChunks int) (string, int64, error) {
	chunkDir := h.chunkDir(sessionID, videoID)
	outName := videoID + ".webm"
	outPath := filepath.Join(h.sessionDir(sessionID), outName)

	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("create output: %w", err)
	}

	var size int64
	for i := 0; i < totalChunks; i++ {
		in, err := os.Open(filepath.Join(chunkDir, chunkName(i)))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return "", 0, fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return "", 0, fmt.Errorf("copy chunk %d: %w", i, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("finalize output: %w", err)
	}
	_ = os.RemoveAll(chunkDir)

	return filepath.Join(sessionID, outName), size, nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%04d", index)
}

func writeChunk(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func countChunks(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "chunk_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return len(names), nil
}
