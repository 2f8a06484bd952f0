package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/timetravel/internal/crypto"
	"github.com/linkflow/timetravel/internal/debug"
	"github.com/linkflow/timetravel/internal/debug/rollback"
	"github.com/linkflow/timetravel/internal/debug/store"
	"github.com/linkflow/timetravel/internal/observability/metrics"
	"github.com/linkflow/timetravel/internal/security/audit"
	"github.com/linkflow/timetravel/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		grpcPort     = flag.Int("grpc-port", 7236, "gRPC health server port")
		httpPort     = flag.Int("http-port", 8086, "HTTP server port")
		dbURL        = flag.String("db-url", getEnv("DATABASE_URL", ""), "PostgreSQL URL; empty runs on the in-memory store")
		sqlitePath   = flag.String("sqlite-path", getEnv("SQLITE_PATH", ""), "SQLite database path, used when no PostgreSQL URL is set")
		redisAddr    = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for distributed rollback locks; empty uses in-process locks")
		stateKey     = flag.String("state-key", os.Getenv("STATE_ENCRYPTION_KEY"), "Master key for encrypting captured state at rest; empty disables encryption")
		cacheSize    = flag.Int("timeline-cache-size", 128, "Maximum number of cached timelines")
		cacheTTL     = flag.Duration("timeline-cache-ttl", time.Minute, "How long a cached timeline is served before rebuilding")
		baseInterval = flag.Duration("replay-interval", 500*time.Millisecond, "Replay tick interval at 1x speed")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	printBanner("Debugger", logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeStore, err := openStore(ctx, *dbURL, *sqlitePath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if *stateKey != "" {
		enc, err := crypto.NewEncryptorFromString(*stateKey)
		if err != nil {
			return fmt.Errorf("failed to initialize state encryption: %w", err)
		}
		backend = store.NewEncryptedStore(backend, enc)
		logger.Info("state encryption enabled")
	}
	backend = store.NewReadRetryStore(backend, nil)

	var locker rollback.Locker = rollback.NewMemoryLocker()
	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer redisClient.Close()
		locker = rollback.NewRedisLocker(redisClient, 0, logger)
		logger.Info("using redis rollback locks", slog.String("addr", *redisAddr))
	}

	auditLog := audit.NewLogger(audit.DefaultConfig(), logger)
	auditLog.AddSink(audit.NewConsoleSink(logger))
	auditLog.AddSink(audit.NewStoreSink(backend))

	registry := metrics.NewRegistry()

	cfg := debug.DefaultConfig()
	cfg.TimelineCacheSize = *cacheSize
	cfg.TimelineCacheTTL = *cacheTTL
	cfg.Session.BaseInterval = *baseInterval

	svc := debug.NewService(backend, locker, auditLog, metrics.NewDebuggerMetrics(registry, "debugger"), cfg, logger)

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	logger.Info("starting gRPC health server", slog.Int("port", *grpcPort))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", registry.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting HTTP server", slog.Int("port", *httpPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	grpcServer.GracefulStop()

	if err := svc.Close(); err != nil {
		logger.Error("failed to close debug service", slog.String("error", err.Error()))
	}

	logger.Info("debugger stopped")
	return nil
}

// openStore picks the storage backend: PostgreSQL when a URL is set,
// SQLite when a path is set, otherwise in-memory.
func openStore(ctx context.Context, dbURL, sqlitePath string, logger *slog.Logger) (store.Store, func(), error) {
	switch {
	case dbURL != "":
		pg, err := store.NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return pg, pg.Close, nil
	case sqlitePath != "":
		sq, err := store.NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info("opened SQLite store", slog.String("path", sqlitePath))
		return sq, func() {
			if err := sq.Close(); err != nil {
				logger.Error("failed to close sqlite store", slog.String("error", err.Error()))
			}
		}, nil
	default:
		logger.Info("using in-memory store, state will not survive restarts")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func printBanner(service string, logger *slog.Logger) {
	logger.Info(fmt.Sprintf("TimeTravel %s Service", service),
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
