// Package main runs the ingest server: session lifecycle, chunked video
// uploads, metadata, client logs, and operator endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/facialdata/collector/config"
	"github.com/facialdata/collector/internal/archive"
	"github.com/facialdata/collector/internal/auth"
	"github.com/facialdata/collector/internal/ingest"
	"github.com/facialdata/collector/internal/middleware"
	"github.com/facialdata/collector/pkg/database"
	"github.com/facialdata/collector/pkg/queue"
	"github.com/facialdata/collector/pkg/redis"
	"github.com/facialdata/collector/pkg/response"
	"github.com/facialdata/collector/pkg/storage"
	"github.com/facialdata/collector/pkg/utils"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logger.Fatal("data dir", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, archiving disabled", zap.Error(err))
	} else {
		defer rdb.Close()
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.VideosBucket != "" {
		s3Cfg := storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			VideosBucket:    cfg.AWS.VideosBucket,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	repo := ingest.NewRepository(pool)

	var jobQueue *queue.Queue
	var jobs ingest.Enqueuer
	if rdb != nil && s3Client != nil {
		jobQueue = queue.NewQueue(rdb.Client, logger)
		jobs = jobQueue
	}
	var objects ingest.ObjectStore
	if s3Client != nil {
		objects = s3Client
	}
	ingestHandler := ingest.NewHandler(repo, jobs, objects, cfg.Server.DataDir, logger)

	passwordHash := cfg.Admin.PasswordHash
	if passwordHash == "" && cfg.Admin.Password != "" {
		passwordHash, err = utils.HashPassword(cfg.Admin.Password)
		if err != nil {
			logger.Fatal("hash admin password", zap.Error(err))
		}
	}
	jwtService := auth.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.ExpireHours)
	authHandler := auth.NewHandler(jwtService, passwordHash, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	{
		api.POST("/session/create", ingestHandler.CreateSession)
		api.GET("/session/:sessionId", ingestHandler.GetSession)
		api.POST("/upload/chunk", ingestHandler.UploadChunk)
		api.POST("/upload/metadata", ingestHandler.UploadMetadata)
		api.POST("/log/client", ingestHandler.ClientLog)

		api.POST("/admin/login", authHandler.Login)
		admin := api.Group("/admin")
		admin.Use(middleware.JWT(jwtService))
		{
			admin.GET("/stats", ingestHandler.Stats)
			admin.GET("/sessions", ingestHandler.ListSessions)
			admin.GET("/logs/:sessionId", ingestHandler.SessionLogs)
			admin.GET("/videos/:sessionId/:videoId/url", ingestHandler.VideoDownloadURL)
			admin.DELETE("/videos/:sessionId/:videoId", ingestHandler.DeleteVideo)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (archive assembled videos to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil {
		worker := archive.NewWorker(repo, s3Client, jobQueue, logger)
		go worker.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
