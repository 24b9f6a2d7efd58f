package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/palm-id/internal/acquisition"
	"github.com/example/palm-id/internal/auth"
	"github.com/example/palm-id/internal/config"
	"github.com/example/palm-id/internal/grpcclient"
	"github.com/example/palm-id/internal/handlers"
	"github.com/example/palm-id/internal/logging"
	"github.com/example/palm-id/internal/repository"
	"github.com/example/palm-id/internal/submission"
	"github.com/example/palm-id/internal/transport"
	"github.com/example/palm-id/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pinned, err := transport.Shared(cfg.Biometric.TrustAnchor, transport.Options{Timeout: cfg.Biometric.Timeout})
	if err != nil {
		logger.Fatal("failed to load trust anchor", zap.Error(err), zap.String("path", cfg.Biometric.TrustAnchor))
	}

	conn, err := grpcclient.DialHandLandmarker(ctx, cfg.Detector.Addr, logger)
	if err != nil {
		logger.Fatal("failed to connect to hand landmarker", zap.Error(err))
	}
	defer conn.Close()

	pipeline := acquisition.NewPipeline(
		grpcclient.NewDetectorFactory(conn, detectorOptions(cfg.Detector), logger),
		logger,
		acquisition.WithMaxSide(cfg.Detector.ROIMaxSide),
	)
	submitter := submission.NewClient(pinned, cfg.Biometric.BaseURL, logger)

	db := initDatabase(ctx, cfg.Database.DSN, logger)
	repo := repository.NewSubmissionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)

	svc := usecase.NewPalmService(pipeline, submitter, repo, usecase.NewRedisCache(redisClient), cfg.Enrollment.Capacity, logger,
		usecase.WithIdleTimeout(cfg.Enrollment.IdleTimeout))

	router := newRouter(svc, auth.Options{Secret: cfg.Auth.JWTSecret, Audience: cfg.Auth.JWTAudience}, logger)
	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	logger.Info("palm gateway listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("biometric_server", cfg.Biometric.BaseURL),
		zap.String("detector", cfg.Detector.Addr))
	err = serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)
	svc.CloseAll()
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(svc handlers.PalmService, authOpts auth.Options, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, svc, auth.Middleware(authOpts))
	return r
}

func detectorOptions(cfg config.DetectorConfig) grpcclient.Options {
	return grpcclient.Options{
		MaxHands:                   cfg.MaxHands,
		MinHandDetectionConfidence: cfg.MinHandDetectionConfidence,
		MinHandPresenceConfidence:  cfg.MinHandPresenceConfidence,
		MinTrackingConfidence:      cfg.MinTrackingConfidence,
		Delegate:                   cfg.Delegate,
		InputMirrored:              cfg.InputMirrored,
		Padding:                    cfg.Padding,
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions runs server until it fails or a signal arrives on
// signalCh, then drains it within shutdownTimeout. A nil signalCh listens for
// SIGINT and SIGTERM; a nil listener binds server.Addr.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	serveErr := make(chan error, 1)
	go func() {
		serve := server.ListenAndServe
		if listener != nil {
			serve = func() error { return server.Serve(listener) }
		}
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var sig os.Signal
	select {
	case err := <-serveErr:
		return err
	case s, ok := <-signalCh:
		if !ok {
			return <-serveErr
		}
		sig = s
	}

	logger.Info("shutting down http server", zap.Stringer("signal", sig), zap.Duration("timeout", shutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-serveErr
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
