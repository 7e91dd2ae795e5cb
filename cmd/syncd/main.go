package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"focusdeck/internal/api"
	"focusdeck/internal/broadcast"
	"focusdeck/internal/config"
	"focusdeck/internal/database"
	"focusdeck/internal/domain"
	"focusdeck/internal/export"
	"focusdeck/internal/ingest"
	"focusdeck/internal/leader"
	"focusdeck/internal/logging"
	"focusdeck/internal/metrics"
	"focusdeck/internal/models"
	"focusdeck/internal/remote"
	"focusdeck/internal/repository"
	"focusdeck/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	startMonitoring(cfg, &logger)

	store, db, err := initOperationStore(cfg, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	remoteStore := initRemoteStore(ctx, cfg, &logger)
	if remoteStore != nil {
		defer remoteStore.Close()
	}

	redisClient, bus, cache := initSharedState(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	defer bus.Close()

	orch := initOrchestrator(cfg, store, remoteStore, bus, cache, &logger)
	orch.Start(ctx)
	defer orch.Stop()

	subscribeTabMessages(ctx, bus, cache, &logger)

	elector := leader.NewElector(bus, cfg.Timer.HeartbeatInterval, cfg.Timer.LeaderTimeout, &logger)
	elector.Start(ctx)
	defer elector.Stop()

	if remoteStore != nil {
		bridge, err := startIngest(ctx, cfg, remoteStore, orch, cache, bus, &logger)
		if err != nil {
			logger.Warn().Err(err).Msg("realtime ingest unavailable, relying on drain reconciliation")
		} else {
			defer bridge.Stop()
		}
	}

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, orch, export.BuildFailedReport, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			_ = apiServer.Shutdown(context.Background())
		}()
	}

	logger.Info().Str("user_id", cfg.App.UserID).Bool("remote", remoteStore != nil).Msg("sync daemon started")
	<-ctx.Done()
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			logger.Error().Err(err).Msg("create database directory")
			return err
		}
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("create export directory")
		return err
	}
	return nil
}

func startMonitoring(cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Monitoring.PrometheusPort)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics endpoint error")
		}
	}()
}

// initOperationStore builds the durable queue with an in-memory failover so
// enqueue keeps working even when the local database breaks.
func initOperationStore(cfg *config.Config, logger *zerolog.Logger) (domain.OperationStore, *database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Msg("open operation queue database")
		return nil, nil, err
	}
	store := repository.NewFailoverStore(db, repository.NewMemoryStore(), logger)
	return store, db, nil
}

// initRemoteStore is best-effort: without a reachable remote the daemon runs
// queue-only and reports offline until connectivity returns.
func initRemoteStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *remote.PostgresStore {
	dsn := cfg.RemoteDSN()
	if dsn == "" {
		logger.Info().Msg("no remote configured, running queue-only")
		return nil
	}

	store, err := remote.NewPostgresStore(dsn, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("remote store unavailable")
		return nil
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error().Err(err).Msg("ensure remote schema")
	}
	return store
}

func initSharedState(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.Bus, domain.EntityCache) {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("no redis configured, using in-process bus and cache")
		return nil, broadcast.NewMemoryHub().NewBus(), repository.NewMemoryEntityCache(models.DefaultCacheTTL)
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-process bus and cache")
		client.Close()
		return nil, broadcast.NewMemoryHub().NewBus(), repository.NewMemoryEntityCache(models.DefaultCacheTTL)
	}

	bus, err := broadcast.NewRedisBus(ctx, client, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("bus subscription failed, using in-process bus")
		return client, broadcast.NewMemoryHub().NewBus(), repository.NewRedisEntityCache(client, models.DefaultCacheTTL)
	}
	return client, bus, repository.NewRedisEntityCache(client, models.DefaultCacheTTL)
}

func initOrchestrator(
	cfg *config.Config,
	store domain.OperationStore,
	remoteStore *remote.PostgresStore,
	bus domain.Bus,
	cache domain.EntityCache,
	logger *zerolog.Logger,
) *worker.Orchestrator {
	retryPolicy := worker.RetryPolicy{
		MaxRetries:    cfg.Sync.MaxRetries,
		InitialDelay:  cfg.Sync.InitialDelay,
		MaxDelay:      cfg.Sync.MaxDelay,
		BackoffFactor: cfg.Sync.BackoffFactor,
		Jitter:        time.Second,
	}

	// The interface value must stay nil when no remote exists.
	var rs domain.RemoteStore
	if remoteStore != nil {
		rs = remoteStore
	}
	return worker.NewOrchestrator(store, rs, bus, cache, retryPolicy, cfg.Sync, logger)
}

// subscribeTabMessages applies invalidations broadcast by sibling instances
// to the local cache.
func subscribeTabMessages(ctx context.Context, bus domain.Bus, cache domain.EntityCache, logger *zerolog.Logger) {
	bus.OnMessage(worker.MsgCacheInvalidate, func(msg domain.Message) {
		var payload worker.InvalidatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Error().Err(err).Msg("decode invalidation broadcast")
			return
		}
		if err := cache.Invalidate(ctx, payload.EntityType, payload.EntityID); err != nil {
			logger.Error().Err(err).Str("entity_id", payload.EntityID).Msg("apply invalidation broadcast")
		}
	})
}

func startIngest(
	ctx context.Context,
	cfg *config.Config,
	remoteStore *remote.PostgresStore,
	orch *worker.Orchestrator,
	cache domain.EntityCache,
	bus domain.Bus,
	logger *zerolog.Logger,
) (*ingest.Bridge, error) {
	feed := remote.NewFeed(remoteStore.DSN(), cfg.App.UserID, logger)
	bridge := ingest.NewBridge(feed, orch.Ledger(), cache, bus, logger)
	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}
	return bridge, nil
}
