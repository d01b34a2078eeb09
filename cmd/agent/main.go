// Package main runs the collection agent: the participant-side process
// that owns the durable upload queue, slot progress, and local blob
// storage, and exposes the loopback API the capture page talks to.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/facialdata/collector/config"
	"github.com/facialdata/collector/internal/agentapi"
	"github.com/facialdata/collector/internal/middleware"
	"github.com/facialdata/collector/internal/session"
	"github.com/facialdata/collector/internal/transport"
	"github.com/facialdata/collector/internal/uploadqueue"
	"github.com/facialdata/collector/internal/videostore"
	"github.com/facialdata/collector/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	stateDir := cfg.Agent.StateDir

	registry, err := session.NewRegistry(stateDir, logger)
	if err != nil {
		logger.Fatal("session registry", zap.Error(err))
	}

	store, err := videostore.New(filepath.Join(stateDir, "videos"), logger)
	if err != nil {
		logger.Fatal("video store", zap.Error(err))
	}
	if err := store.CheckQuota(cfg.Agent.RequiredMB); err != nil {
		// surfaced again per capture via the quota endpoint
		logger.Warn("low disk space", zap.Error(err))
	}

	slots, err := session.LoadSlots(cfg.Agent.SlotConfigPath)
	if err != nil {
		logger.Fatal("slot config", zap.Error(err))
	}

	progressPath := filepath.Join(stateDir, "progress.json")
	snapshotPath := filepath.Join(stateDir, "upload_queue.json")

	tracker, err := session.NewTracker(progressPath, slots, logger)
	if err != nil {
		var corrupt *session.CorruptionError
		if !errors.As(err, &corrupt) {
			logger.Fatal("progress tracker", zap.Error(err))
		}
		// Corrupted progress cannot be trusted; wipe the run and start
		// the slot sequence over.
		logger.Error("progress state corrupted, wiping run", zap.Strings("issues", corrupt.Issues))
		if err := wipeRun(progressPath, snapshotPath, store); err != nil {
			logger.Fatal("wipe corrupted state", zap.Error(err))
		}
		tracker, err = session.NewTracker(progressPath, slots, logger)
		if err != nil {
			logger.Fatal("progress tracker after wipe", zap.Error(err))
		}
	}

	uploader := transport.NewUploader(transport.Config{
		BaseURL:     cfg.Agent.BackendURL,
		ChunkSize:   cfg.Agent.ChunkSize,
		HTTPTimeout: cfg.Agent.HTTPTimeout,
	}, logger)

	ctx := context.Background()
	backendID, err := registry.EnsureBackend(ctx, uploader, cfg.Agent.ParticipantID, cfg.Agent.ParticipantName)
	if err != nil {
		logger.Fatal("backend session", zap.Error(err))
	}

	queue := uploadqueue.New(uploadqueue.Config{
		SnapshotPath: snapshotPath,
		SessionID:    backendID,
		MaxAttempts:  cfg.Agent.MaxAttempts,
	}, store, uploader, logger)

	queueCtx, queueCancel := context.WithCancel(context.Background())
	defer queueCancel()
	queue.Start(queueCtx)
	if err := queue.ResumeUploads(); err != nil {
		logger.Error("resume uploads", zap.Error(err))
	}

	handler := agentapi.NewHandler(queue, tracker, store, cfg.Agent.RequiredMB, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS("*"))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	v1 := router.Group("/v1")
	{
		v1.POST("/recordings", handler.SubmitRecording)
		v1.POST("/recordings/:slotId/chunks", handler.SaveCaptureChunk)
		v1.DELETE("/recordings/:slotId", handler.CancelRecording)
		v1.GET("/status", handler.Status)
		v1.GET("/status/ws", handler.StatusWS)
		v1.POST("/wait", handler.Wait)
		v1.GET("/progress", handler.Progress)
		v1.GET("/quota", handler.Quota)
	}

	srv := &http.Server{
		Addr:    cfg.Agent.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("agent listening",
			zap.String("addr", cfg.Agent.ListenAddr),
			zap.String("backend_session", backendID),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("agent server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Give in-flight uploads a moment; the snapshot keeps anything
	// unfinished safe for the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent shutdown", zap.Error(err))
	}
	queueCancel()
	logger.Info("agent stopped")
}

// wipeRun clears all per-run durable state so the collection restarts
// from the first slot.
func wipeRun(progressPath, snapshotPath string, store *videostore.Store) error {
	if err := os.Remove(progressPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return store.Clear()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
