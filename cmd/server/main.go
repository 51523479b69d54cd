package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classecho/backend/config"
	"github.com/classecho/backend/internal/auth"
	"github.com/classecho/backend/internal/collection"
	"github.com/classecho/backend/internal/middleware"
	"github.com/classecho/backend/internal/models"
	"github.com/classecho/backend/internal/realtime"
	"github.com/classecho/backend/pkg/database"
	"github.com/classecho/backend/pkg/queue"
	redisclient "github.com/classecho/backend/pkg/redis"
	"github.com/classecho/backend/pkg/storage"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session store: PostgreSQL in production, in-memory for demo mode.
	// A failed database connection falls back to demo mode rather than
	// refusing to start, so the capture flow can be tried without infra.
	var (
		store    collection.Store
		authRepo *auth.Repository
		demoMode = cfg.Store.Driver == "memory"
	)
	if !demoMode {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Warn("postgres unavailable, falling back to in-memory demo store", zap.Error(err))
			demoMode = true
		} else {
			defer pool.Close()
			if err := database.Migrate(ctx, pool); err != nil {
				logger.Fatal("run migrations", zap.Error(err))
			}
			store = collection.NewRepository(pool)
			authRepo = auth.NewRepository(pool)
		}
	}
	if demoMode {
		store = collection.NewMemStore()
		logger.Info("running in demo mode: in-memory store, fixed teacher identity")
	}

	// Redis carries the analysis queue and cross-instance session events.
	// Optional: without it, stopped sessions stay in processing until the
	// agent completes them, and realtime stays single-instance.
	var (
		enqueuer collection.AnalysisEnqueuer
		redisPub realtime.Publisher
		redisSub realtime.Subscriber
	)
	rdb, err := redisclient.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, analysis queue and cross-instance events disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		enqueuer = queue.NewQueue(rdb.Client, logger)
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		redisPub = pubsub
		redisSub = pubsub
	}

	// S3 holds the raw class audio. Optional as well.
	var audioStore collection.AudioStore
	if cfg.AWS.Region != "" {
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AudioBucket:          cfg.AWS.AudioBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 unavailable, audio upload disabled", zap.Error(err))
		} else {
			audioStore = s3
		}
	} else {
		logger.Info("AWS_REGION not set, audio upload disabled")
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	hub := realtime.NewHub(logger, redisPub, redisSub)
	collectionHandler := collection.NewHandler(store, enqueuer, audioStore, hub, logger)

	demoTeacherID := uuid.NewSHA1(uuid.NameSpaceOID, []byte("teacher-demo"))

	// Websocket viewers authenticate with the same JWT, passed as a query
	// parameter. Demo mode accepts any token.
	validateToken := func(token string) (string, string, error) {
		if demoMode {
			return demoTeacherID.String(), "teacher", nil
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "demo": demoMode})
	})

	if authRepo != nil {
		authHandler := auth.NewHandler(authRepo, jwtService, logger)
		router.POST("/api/auth/register", authHandler.Register)
		router.POST("/api/auth/login", authHandler.Login)
	}

	api := router.Group("/api")
	if demoMode {
		api.Use(middleware.DemoIdentity(demoTeacherID))
	} else {
		api.Use(middleware.JWT(jwtService))
	}
	api.Use(middleware.RequireRole(
		string(models.RoleTeacher),
		string(models.RoleAdmin),
		string(models.RoleSchoolAdmin),
	))
	collectionHandler.RegisterRoutes(api)

	router.GET("/ws", realtime.ServeWs(hub, logger, validateToken))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Bool("demo", demoMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
