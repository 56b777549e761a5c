// Package main runs the e-learning platform HTTP server with the live
// broadcast signaling endpoint and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lumenclass/backend/config"
	"github.com/lumenclass/backend/internal/audit"
	"github.com/lumenclass/backend/internal/auth"
	"github.com/lumenclass/backend/internal/courses"
	"github.com/lumenclass/backend/internal/enrollments"
	"github.com/lumenclass/backend/internal/lectures"
	"github.com/lumenclass/backend/internal/live"
	"github.com/lumenclass/backend/internal/metrics"
	"github.com/lumenclass/backend/internal/middleware"
	"github.com/lumenclass/backend/internal/models"
	"github.com/lumenclass/backend/internal/worker"
	"github.com/lumenclass/backend/pkg/database"
	"github.com/lumenclass/backend/pkg/queue"
	"github.com/lumenclass/backend/pkg/redis"
	"github.com/lumenclass/backend/pkg/response"
	"github.com/lumenclass/backend/pkg/storage"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			LecturesBucket:       cfg.AWS.LecturesBucket,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	m := metrics.New()

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Live session coordination
	registry := live.NewRegistry(logger)
	presence := live.NewPresence(rdb.Client, logger)
	sessionStore := live.NewStore(pool)

	// Courses
	courseRepo := courses.NewRepository(pool)
	courseHandler := courses.NewHandler(courseRepo, presence)

	// Enrollments
	enrollmentRepo := enrollments.NewRepository(pool)
	enrollmentHandler := enrollments.NewHandler(enrollmentRepo, courseRepo, logger)

	// Lectures (uploads and live recordings)
	lectureRepo := lectures.NewRepository(pool)
	lectureHandler := lectures.NewHandler(lectureRepo, courseRepo, s3Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	lectureWebhook := lectures.NewWebhookHandler(lectureRepo, jobQueue, logger)
	lectureProcessor := worker.NewLectureProcessor(lectureRepo, s3Client, jobQueue, logger)

	// Compliance audit trail
	auditRepo := audit.NewRepository(pool)
	auditSink := audit.NewSink(auditRepo, logger)
	auditHandler := audit.NewHandler(auditRepo, authRepo, auditSink, logger)

	// Presence cache, peak tracking and the live-viewers gauge all follow
	// the registry's count changes.
	var countMu sync.Mutex
	sessionCounts := make(map[uuid.UUID]int)
	registry.SetCountHook(func(sessionID uuid.UUID, count int) {
		countMu.Lock()
		if count == 0 {
			delete(sessionCounts, sessionID)
		} else {
			sessionCounts[sessionID] = count
		}
		total := 0
		for _, n := range sessionCounts {
			total += n
		}
		countMu.Unlock()
		m.LiveViewers.Set(float64(total))

		if meta, ok := registry.Metadata(sessionID); ok {
			presence.UpdateViewers(meta.CourseID, count)
		}
		_ = sessionStore.RecordPeak(context.Background(), sessionID, count)
	})

	// Lifecycle and mic admission events feed the audit sink, session
	// history, attendance and metrics.
	registry.SetEventHook(func(ev live.SessionEvent) {
		ctx := context.Background()
		e := models.AuditEvent{
			Type:      models.AuditEventType(ev.Type),
			SessionID: &ev.SessionID,
			SubjectID: ev.ActorID,
			CreatedAt: ev.At,
		}
		if ev.CourseID != uuid.Nil {
			courseID := ev.CourseID
			e.CourseID = &courseID
		}
		if ev.UserID != uuid.Nil {
			userID := ev.UserID
			e.ActorID = &userID
		}
		auditSink.Record(e)

		switch ev.Type {
		case live.EventSessionStarted:
			title := ""
			if meta, ok := registry.Metadata(ev.SessionID); ok {
				title = meta.Title
			}
			_ = sessionStore.Start(ctx, ev.SessionID, ev.CourseID, ev.UserID, title)
			presence.SetLive(ev.CourseID, ev.SessionID, 0)
			m.LiveSessions.Inc()
		case live.EventSessionEnded:
			_ = sessionStore.End(ctx, ev.SessionID)
			presence.ClearLive(ev.CourseID)
			m.LiveSessions.Dec()
		case live.EventViewerJoined:
			_ = sessionStore.IncrementTotal(ctx, ev.SessionID)
			m.ViewerJoins.Inc()
			if ev.UserID != uuid.Nil {
				_ = enrollmentRepo.MarkAttendedLive(ctx, ev.CourseID, ev.UserID)
			}
		case live.EventMicRequested:
			m.MicRequests.WithLabelValues("requested").Inc()
		case live.EventMicApproved:
			m.MicRequests.WithLabelValues("approved").Inc()
		case live.EventMicActive:
			m.MicRequests.WithLabelValues("active").Inc()
		case live.EventMicRejected:
			m.MicRequests.WithLabelValues("rejected").Inc()
		case live.EventMicRevoked:
			m.MicRequests.WithLabelValues("revoked").Inc()
		}
	})

	authenticate := func(token string) (live.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return live.Identity{}, err
		}
		return live.Identity{UserID: claims.UserID, Name: claims.Email, Role: claims.Role}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Courses
		api.GET("/courses", courseHandler.List)
		api.POST("/courses", middleware.RequireRole("admin", "instructor"), courseHandler.Create)
		api.GET("/courses/:id", courseHandler.GetByID)
		api.PATCH("/courses/:id", courseHandler.Update)
		api.DELETE("/courses/:id", courseHandler.Delete)
		api.GET("/courses/:id/live", courseHandler.LiveStatus)

		// Enrollments
		api.POST("/courses/:id/enroll", enrollmentHandler.Enroll)
		api.GET("/courses/:id/enrollments", enrollmentHandler.ListByCourse)
		api.GET("/courses/:id/stats", enrollmentHandler.Stats)
		api.GET("/me/enrollments", enrollmentHandler.Mine)
		api.DELETE("/enrollments/:id", enrollmentHandler.Cancel)

		// Lectures
		api.POST("/courses/:id/lectures", lectureHandler.CreateUpload)
		api.GET("/courses/:id/lectures", lectureHandler.ListByCourse)
		api.GET("/lectures/:id/download-url", lectureHandler.GenerateDownloadURL)
		api.DELETE("/lectures/:id", lectureHandler.Delete)

		// Broadcast session history
		api.GET("/courses/:id/sessions", func(c *gin.Context) {
			courseID, err := uuid.Parse(c.Param("id"))
			if err != nil {
				response.BadRequest(c, "invalid course id")
				return
			}
			list, err := sessionStore.ListByCourse(c.Request.Context(), courseID)
			if err != nil {
				response.Internal(c, "failed to list sessions")
				return
			}
			response.OK(c, list)
		})

		// Compliance audit trail and data erasure
		api.GET("/sessions/:id/audit", middleware.RequireRole("admin"), auditHandler.ListBySession)
		api.GET("/me/data", auditHandler.MyData)
		api.DELETE("/users/:id/data", middleware.RequireRole("admin"), auditHandler.EraseUser)
	}

	// Webhooks (no JWT; callers are the upload client and the studio agent)
	router.POST("/webhooks/lecture-uploaded", lectureWebhook.UploadComplete)
	router.POST("/webhooks/recording-ready", lectureWebhook.RecordingReady)

	// Prometheus exposition
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, m.Handler())
	}

	// WebSocket signaling (token in query; no Authorization header on
	// browser websocket dials)
	router.GET("/ws", live.ServeWs(registry, logger, authenticate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (lecture ingest) and stale-viewer pruning
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go lectureProcessor.Run(workerCtx)
		logger.Info("lecture worker started")
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := registry.PruneStale(3 * time.Minute); n > 0 {
					logger.Info("pruned stale viewers", zap.Int("count", n))
				}
			}
		}
	}()

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
	auditSink.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
