package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"crypto_live/internal/engine"
	"crypto_live/internal/infra"
	"crypto_live/internal/infra/coincap"
	"crypto_live/internal/infra/coinmarketcap"
	"crypto_live/internal/metrics"
	"crypto_live/internal/storage"
)

// Options tune Bootstrap for the command being run.
type Options struct {
	ConfigPath string    // empty: infra.ResolveConfigPath()
	LogLevel   string    // overrides logging.level when set
	Ephemeral  bool      // in-memory cache regardless of cache.backend
	Lock       bool      // hold the single-instance lock
	Banner     io.Writer // nil: no banner
}

// App holds every constructed component. Fields for disabled features are nil.
type App struct {
	Config      *infra.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	KV          storage.KV
	Cache       *storage.LocalCache
	Source      *coinmarketcap.Client
	Stream      *coincap.Stream
	Coordinator *engine.Coordinator

	unlock func()
}

// Bootstrap loads configuration and wires the application.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	path := opts.ConfigPath
	if path == "" {
		path = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		if _, err := infra.ParseLogLevel(opts.LogLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.Ephemeral {
		cfg.Cache.Backend = infra.BackendMemory
	}

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	if opts.Banner != nil {
		infra.PrintBanner(opts.Banner, cfg)
	}

	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	workDir := infra.GetWorkspaceDir()
	if opts.Lock {
		if err := infra.EnsureDir(workDir); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
		unlock, err := infra.CreateLockFile(workDir)
		if err != nil {
			return nil, err
		}
		a.unlock = unlock
	}

	kv, err := newKV(ctx, cfg, workDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.KV = kv
	a.Cache = storage.NewLocalCache(kv, cfg.Cache.TTL(), logger.With("component", "cache"))
	logger.Info("Cache ready", "backend", cfg.Cache.Backend, "ttl", cfg.Cache.TTL())

	if cfg.Features.EnableCMC {
		a.Source = newSource(cfg, logger, a.Metrics)
	}
	if cfg.Features.EnableWebSocket {
		a.Stream = newStream(cfg, logger)
	}

	ecfg := engine.Config{
		Cache:    a.Cache,
		Recorder: a.Metrics,
		Logger:   logger.With("component", "coordinator"),
		PageSize: cfg.API.CoinMarketCap.PageSize,
	}
	// assigned only when set so the interfaces stay nil
	if a.Source != nil {
		ecfg.Source = a.Source
	}
	if a.Stream != nil {
		ecfg.Stream = a.Stream
	}
	a.Coordinator = engine.NewCoordinator(ecfg)

	return a, nil
}

func newKV(ctx context.Context, cfg *infra.Config, workDir string) (storage.KV, error) {
	switch cfg.Cache.Backend {
	case infra.BackendMemory:
		return storage.NewMemoryKV(), nil
	case infra.BackendRedis:
		r := cfg.Cache.Redis
		return storage.NewRedisKV(ctx, r.Addr, r.Password, r.DB)
	default:
		path := infra.CachePath(workDir, cfg.Cache)
		if err := infra.EnsureDir(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return storage.NewSQLiteKV(path)
	}
}

func newSource(cfg *infra.Config, logger *slog.Logger, m *metrics.Metrics) *coinmarketcap.Client {
	cmc := cfg.API.CoinMarketCap

	breakerCfg := infra.DefaultCircuitBreakerConfig("coinmarketcap")
	breakerCfg.Logger = logger
	breakerCfg.OnStateChange = m.BreakerStateChanged

	return coinmarketcap.NewClient(cmc.RestURL, cmc.APIKey,
		coinmarketcap.WithTimeout(time.Duration(cmc.TimeoutSec)*time.Second),
		coinmarketcap.WithRetries(cmc.MaxRetries, time.Second),
		coinmarketcap.WithLogger(logger),
		coinmarketcap.WithRateLimiter(infra.NewRateLimiter(cmc.Burst, cmc.RequestsPerSecond)),
		coinmarketcap.WithCircuitBreaker(infra.NewCircuitBreaker(breakerCfg)),
		coinmarketcap.WithObserver(m),
	)
}

func newStream(cfg *infra.Config, logger *slog.Logger) *coincap.Stream {
	s := coincap.NewStream(cfg.API.CoinCap.WSURL, cfg.Stream.BackoffPolicy(), logger.With("component", "stream"))
	w := s.Worker()
	w.ReadTimeout = time.Duration(cfg.Stream.ReadTimeoutSec) * time.Second
	w.PingInterval = time.Duration(cfg.Stream.PingIntervalSec) * time.Second
	return s
}

// Close tears down the coordinator, the cache backend and the instance lock.
func (a *App) Close() error {
	var errs []error
	if a.Coordinator != nil {
		a.Coordinator.Close()
	}
	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.unlock != nil {
		a.unlock()
		a.unlock = nil
	}
	return errors.Join(errs...)
}
