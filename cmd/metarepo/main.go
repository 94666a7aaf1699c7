package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dlmeta/metarepo/internal/config"
	"github.com/dlmeta/metarepo/internal/index"
	"github.com/dlmeta/metarepo/internal/index/memory"
	indexRedis "github.com/dlmeta/metarepo/internal/index/redis"
	logpkg "github.com/dlmeta/metarepo/internal/logger"
	"github.com/dlmeta/metarepo/internal/metrics"
	"github.com/dlmeta/metarepo/internal/repository/admin"
	"github.com/dlmeta/metarepo/internal/repository/sets"
	chiTransport "github.com/dlmeta/metarepo/internal/transport/chi"
	"github.com/dlmeta/metarepo/internal/usecase/collections"
	"github.com/dlmeta/metarepo/internal/usecase/convert"
	"github.com/dlmeta/metarepo/internal/usecase/counters"
	"github.com/dlmeta/metarepo/internal/usecase/mapper"
	"github.com/dlmeta/metarepo/internal/usecase/oai"
	"github.com/dlmeta/metarepo/internal/usecase/records"
	"github.com/dlmeta/metarepo/internal/usecase/scheduler"
	"github.com/dlmeta/metarepo/internal/version"
	"github.com/dlmeta/metarepo/internal/watcher"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting metarepo server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	// Create the document store based on driver
	var store index.Store
	var redisStore *indexRedis.Store
	switch cfg.Database.Driver {
	case "redis":
		redisStore, err = indexRedis.NewStore(indexRedis.Config{
			Addrs:     cfg.Database.Addrs,
			Password:  cfg.Database.Password,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
		store = redisStore
	case "memory":
		store = memory.NewStore()
	default:
		logger.Fatal("Unknown database driver", zap.String("driver", cfg.Database.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to create document store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Document store not ready", zap.Error(err))
	}
	if redisStore != nil {
		if err := redisStore.EnsureIndex(ctx); err != nil {
			logger.Fatal("Failed to create search index", zap.Error(err))
		}
	}
	logger.Info("Connected to document store")

	metrics.RegisterRepositoryMetrics()

	// Repositories over the store
	setRepo := sets.New(store, cfg.Storage.KeyPrefix)
	if err := setRepo.Load(ctx); err != nil {
		logger.Fatal("Failed to load set configuration", zap.Error(err))
	}
	adminRepo := admin.New(store, cfg.Storage.KeyPrefix)
	if err := adminRepo.Load(ctx); err != nil {
		logger.Fatal("Failed to load admin settings", zap.Error(err))
	}

	// Use case services
	rules := mapper.New(store)
	loadSetDefinitions(logger, rules, cfg.Repository.ListSetsConfig)

	conv := convert.New(cfg.Repository.Conversions)
	manager := records.NewManager(logger, store, setRepo, records.NewRegistry(),
		*cfg.Repository.RemoveDocsOnDelete)
	collSvc := collections.New(logger, setRepo, manager,
		cfg.Repository.CollectionRecordsDir, cfg.Repository.MetadataRecordsDir)
	collLoader := collections.NewLoader(logger, setRepo,
		cfg.Repository.CollectionRecordsDir, cfg.Repository.MetadataRecordsDir)
	if err := collLoader.Reload(ctx); err != nil {
		logger.Warn("Initial collection discovery failed", zap.Error(err))
	}
	counts := counters.New(store, setRepo)
	engine := oai.NewEngine(store, setRepo, rules, conv, adminRepo,
		*cfg.Repository.RemoveDocsOnDelete)

	// Background indexing scheduler
	if cfg.Indexing.UpdateFrequencySec > 0 || cfg.Indexing.StartTime != "" {
		days := make([]time.Weekday, 0, len(cfg.Indexing.DaysOfWeek))
		for _, d := range cfg.Indexing.DaysOfWeek {
			days = append(days, time.Weekday(d))
		}
		sched := scheduler.New(logger, scheduler.Config{
			Interval:  time.Duration(cfg.Indexing.UpdateFrequencySec) * time.Second,
			StartTime: cfg.Indexing.StartTime,
			Days:      days,
			IndexAll:  cfg.Indexing.IndexAll,
		}, manager, collLoader, setRepo)
		sched.Start()
		defer sched.Stop()
		logger.Info("Indexing scheduler started",
			zap.Int("update_frequency_sec", cfg.Indexing.UpdateFrequencySec),
			zap.String("start_time", cfg.Indexing.StartTime))
	}

	// Reload set definitions when the file changes
	if cfg.Repository.WatchListSets {
		w, err := watcher.New(logger, cfg.Repository.ListSetsConfig, 0, func(context.Context) error {
			data, err := os.ReadFile(cfg.Repository.ListSetsConfig)
			if err != nil {
				return fmt.Errorf("read %s: %w", cfg.Repository.ListSetsConfig, err)
			}
			return rules.Load(data)
		})
		if err != nil {
			logger.Fatal("Failed to create config watcher", zap.Error(err))
		}
		if err := w.Start(); err != nil {
			logger.Warn("Config watcher not started", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	// HTTP transport
	server := chiTransport.NewServer(engine, manager, collSvc, setRepo, adminRepo, counts, store, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// loadSetDefinitions hydrates the rule table from the ListSets document.
// A missing file just means no rule-driven sets are configured yet.
func loadSetDefinitions(logger *zap.Logger, rules *mapper.Mapper, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No set definition document found", zap.String("path", path))
			return
		}
		logger.Fatal("Failed to read set definitions", zap.String("path", path), zap.Error(err))
	}
	if err := rules.Load(data); err != nil {
		logger.Fatal("Failed to parse set definitions", zap.String("path", path), zap.Error(err))
	}
	logger.Info("Set definitions loaded", zap.String("path", path))
}

// requestLogger attaches a request-scoped logger to the context and emits
// one wide event per completed request.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := logger.With(zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLog)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
