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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/medcheck/internal/artifact"
	"github.com/example/medcheck/internal/auth"
	"github.com/example/medcheck/internal/config"
	"github.com/example/medcheck/internal/features"
	"github.com/example/medcheck/internal/grpchealth"
	"github.com/example/medcheck/internal/handlers"
	"github.com/example/medcheck/internal/logging"
	"github.com/example/medcheck/internal/reference"
	"github.com/example/medcheck/internal/repository"
	"github.com/example/medcheck/internal/scoring"
	"github.com/example/medcheck/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	health := grpchealth.NewServer(logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err), zap.String("addr", cfg.GRPC.Addr))
	}
	go func() {
		if err := health.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	defer health.Stop()

	refs, err := reference.Load(cfg.Reference.AuthenticPath, cfg.Reference.CounterfeitPath)
	if err != nil {
		logger.Fatal("failed to load reference images", zap.Error(err),
			zap.String("authentic", cfg.Reference.AuthenticPath),
			zap.String("counterfeit", cfg.Reference.CounterfeitPath))
	}
	for _, ex := range []*reference.Exemplar{refs.Authentic, refs.Counterfeit} {
		summary := features.Summarize(ex.Features)
		logger.Info("reference image loaded",
			zap.String("exemplar", ex.Name),
			zap.String("format", ex.Grid.Format()),
			zap.Int("keypoints", summary.Count),
			zap.Ints("keypoints_per_level", summary.PerLevel[:]),
			zap.Float64("mean_response", summary.MeanResponse),
			zap.String("keypoint_bounds", summary.Bounds.String()))
	}

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewCheckRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)
	defer redisClient.Close()

	store, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		logger.Fatal("failed to prepare artifact directory", zap.Error(err), zap.String("dir", cfg.Artifacts.Dir))
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewCheckUseCase(repo, cache, scoring.NewScorer(refs), store, logger,
		usecase.WithCacheTTL(cfg.Redis.PendingTTL(), cfg.Redis.ResultTTL()),
		usecase.WithIOTimeout(cfg.HTTP.RequestTimeout()))

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), handlers.CORS(cfg.HTTP.AllowedOrigins))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, auth.Middleware(cfg.Auth))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health.SetServing(true)
	logger.Info("medcheck listening",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("grpc_addr", cfg.GRPC.Addr),
		zap.Bool("auth_enabled", cfg.Auth.Enabled))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout(), logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	health.SetServing(false)
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := cfg.GRPC.Addr
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	status, err := grpchealth.Query(ctx, addr, grpchealth.ServiceName, logger)
	if err != nil || status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	if cfg.IsSQLite() {
		dialector = sqlite.Open(cfg.SQLitePath())
	} else {
		dialector = postgres.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.Bool("sqlite", cfg.IsSQLite()))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.Addr))
	}
	return client
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
