package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/config"
	"github.com/lazypower/engram/internal/embedding"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/logging"
	"github.com/lazypower/engram/internal/metrics"
	"github.com/lazypower/engram/internal/store"
)

// app holds everything a command needs, wired from configuration.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	db       *store.DB
	engine   *engine.Engine
	cache    *embedding.RedisCache
	metrics  *metrics.Collector
	registry *prometheus.Registry
}

// openApp loads configuration and opens the database, the embedder and the
// engine. Callers must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector("engram", a.registry)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	if a.db, err = store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	provider, err := newProvider(cfg.Embedding, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	poolOpts := []embedding.PoolOption{embedding.WithMetrics(a.metrics)}
	if cfg.Cache.Addr != "" {
		cache, err := embedding.NewRedisCache(ctx, cfg.Cache, logger)
		if err != nil {
			// The cache only saves provider calls; run without it.
			logger.Warn("embedding cache disabled", zap.String("addr", cfg.Cache.Addr), zap.Error(err))
		} else {
			a.cache = cache
			poolOpts = append(poolOpts, embedding.WithCache(cache))
		}
	}
	pool := embedding.NewPool(provider, cfg.PoolSettings(provider.Dimensions()), logger, poolOpts...)

	a.engine, err = engine.New(ctx, a.db, pool, engine.Options{
		Config:  cfg.EngineSettings(),
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	logger.Info("opened",
		zap.String("db", dbPath),
		zap.String("embedder", provider.Model()),
		zap.Bool("cache", a.cache != nil),
	)
	return a, nil
}

// newProvider picks the embedding provider. "auto" probes Ollama and falls
// back to the hash provider when it does not answer.
func newProvider(cfg config.EmbeddingConfig, logger *zap.Logger) (embedding.Provider, error) {
	switch cfg.Provider {
	case "hash":
		return embedding.NewHashProvider(cfg.Dimensions), nil
	case "ollama", "auto", "":
		if dims, ok := embedding.ProbeOllama(cfg.OllamaURL, cfg.Model); ok {
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.Model, dims), nil
		}
		if cfg.Provider == "ollama" {
			return nil, fmt.Errorf("ollama at %s did not answer for model %s", cfg.OllamaURL, cfg.Model)
		}
		logger.Warn("ollama unavailable, using hash embeddings",
			zap.String("url", cfg.OllamaURL),
			zap.String("model", cfg.Model),
		)
		return embedding.NewHashProvider(cfg.Dimensions), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

// Close stops the engine and releases its resources.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	a.logger.Sync()
}
