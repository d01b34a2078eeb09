// Package agentapi exposes the agent's local HTTP API. The capture
// subsystem running in the participant's browser talks to this process
// over loopback; everything durable lives behind it.
package agentapi

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facialdata/collector/internal/models"
	"github.com/facialdata/collector/internal/session"
	"github.com/facialdata/collector/internal/uploadqueue"
	"github.com/facialdata/collector/internal/videostore"
	"github.com/facialdata/collector/pkg/response"
)

// validRecordingID constrains ids that end up in filesystem paths.
var validRecordingID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Handler serves the local agent API on loopback.
type Handler struct {
	queue      *uploadqueue.Queue
	tracker    *session.Tracker
	store      *videostore.Store
	requiredMB int64
	logger     *zap.Logger
}

// NewHandler creates the agent API handler. requiredMB is the free space
// floor enforced before a capture may begin.
func NewHandler(q *uploadqueue.Queue, t *session.Tracker, store *videostore.Store, requiredMB int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, tracker: t, store: store, requiredMB: requiredMB, logger: logger}
}

// SaveCaptureChunk handles POST /v1/recordings/:slotId/chunks: the
// capture page streams pieces of an in-progress recording here so a
// crash before submission loses at most the last unflushed piece.
func (h *Handler) SaveCaptureChunk(c *gin.Context) {
	recordingID := c.PostForm("recording_id")
	if !validRecordingID.MatchString(recordingID) {
		response.BadRequest(c, "Invalid recording_id")
		return
	}
	chunkIndex, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil || chunkIndex < 0 {
		response.BadRequest(c, "Invalid chunk_index")
		return
	}
	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		response.BadRequest(c, "Missing chunk")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		response.BadRequest(c, "Empty chunk")
		return
	}

	if err := h.store.SaveChunk(recordingID, chunkIndex, data); err != nil {
		h.logger.Error("persist capture chunk",
			zap.String("recording_id", recordingID),
			zap.Int("chunk_index", chunkIndex),
			zap.Error(err))
		response.Internal(c, "Failed to persist chunk")
		return
	}
	response.OK(c, gin.H{
		"recording_id": recordingID,
		"chunk_index":  chunkIndex,
	})
}

// SubmitRecording handles POST /v1/recordings: a finished capture is
// enqueued for upload and the slot sequence advances. The blob may be
// omitted when the capture's chunks were already streamed durably via
// SaveCaptureChunk; the queue then recovers the bytes from disk.
func (h *Handler) SubmitRecording(c *gin.Context) {
	slotID := c.PostForm("slot_id")
	if slotID == "" {
		response.BadRequest(c, "Missing slot_id")
		return
	}

	recordingID := c.PostForm("recording_id")
	if recordingID == "" {
		recordingID = "video_" + uuid.NewString()
	} else if !validRecordingID.MatchString(recordingID) {
		response.BadRequest(c, "Invalid recording_id")
		return
	}

	var md models.VideoMetadata
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			response.BadRequest(c, "Invalid metadata JSON")
			return
		}
	}
	md.SlotID = slotID

	var blob []byte
	if file, _, err := c.Request.FormFile("blob"); err == nil {
		blob, err = io.ReadAll(file)
		file.Close()
		if err != nil {
			response.Internal(c, "Failed to read blob")
			return
		}
	}
	if len(blob) > 0 {
		md.FileSize = int64(len(blob))
	} else {
		blob = nil
		recovered, ok, err := h.store.Get(recordingID)
		if err != nil || !ok {
			response.BadRequest(c, "Missing blob")
			return
		}
		md.FileSize = int64(len(recovered))
	}

	if err := h.queue.Enqueue(recordingID, slotID, md, blob); err != nil {
		h.logger.Error("enqueue recording", zap.String("slot_id", slotID), zap.Error(err))
		response.Internal(c, "Failed to enqueue recording")
		return
	}

	// Advance only when the submitted slot is the one the sequence is
	// waiting on; retakes of earlier slots leave the position alone.
	if cur, ok := h.tracker.CurrentSlot(); ok && cur.ID == slotID {
		if _, err := h.tracker.CompleteCurrent(recordingID); err != nil {
			h.logger.Error("advance slot sequence", zap.Error(err))
		}
	}

	response.Created(c, gin.H{
		"recording_id": recordingID,
		"slot_id":      slotID,
	})
}

// CancelRecording handles DELETE /v1/recordings/:slotId.
func (h *Handler) CancelRecording(c *gin.Context) {
	slotID := c.Param("slotId")
	if !h.queue.CancelUpload(slotID) {
		response.Conflict(c, "No cancellable upload for slot")
		return
	}
	response.OK(c, gin.H{"slot_id": slotID})
}

// Status handles GET /v1/status.
func (h *Handler) Status(c *gin.Context) {
	response.OK(c, h.queue.GetSummary())
}

// Wait handles POST /v1/wait: block until the queue settles or the
// timeout elapses, then report the outcome.
func (h *Handler) Wait(c *gin.Context) {
	var req struct {
		TimeoutMs int `json:"timeout_ms"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = 120_000
	}

	result := h.queue.WaitForCompletion(c.Request.Context(), time.Duration(req.TimeoutMs)*time.Millisecond)
	response.OK(c, result)
}

// Progress handles GET /v1/progress.
func (h *Handler) Progress(c *gin.Context) {
	response.OK(c, gin.H{
		"summary":         h.tracker.Summary(),
		"completed_slots": h.tracker.CompletedSlots(),
	})
}

// Quota handles GET /v1/quota: the capture subsystem checks free space
// before starting a recording.
func (h *Handler) Quota(c *gin.Context) {
	if err := h.store.CheckQuota(h.requiredMB); err != nil {
		if qe, ok := err.(*videostore.QuotaError); ok {
			c.JSON(http.StatusInsufficientStorage, gin.H{
				"error":        "Insufficient disk space",
				"available_mb": qe.AvailableMB,
				"required_mb":  qe.RequiredMB,
			})
			return
		}
		h.logger.Warn("quota check", zap.Error(err))
	}
	response.OK(c, gin.H{"status": "ok"})
}
