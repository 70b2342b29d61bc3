package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lazypower/engram/internal/metrics"
	"github.com/lazypower/engram/internal/retry"
)

// ErrCallTimeout marks a single provider call that ran past the per-call
// timeout. It is transient: the pool retries it.
var ErrCallTimeout = errors.New("embedding call timed out")

// ErrDimensionMismatch is returned when the provider's vector length differs
// from the deployment dimension. It is never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// PoolConfig bounds the work a Pool sends to its provider.
type PoolConfig struct {
	MaxInFlight   int           // concurrent provider calls
	Timeout       time.Duration // per-call timeout
	RatePerSecond float64       // 0 disables rate limiting
	Burst         int
	Dimensions    int // expected vector length; 0 trusts the provider
	Retry         retry.Policy
}

// DefaultPoolConfig returns four in-flight calls, a 10s timeout and three
// attempts.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxInFlight: 4,
		Timeout:     10 * time.Second,
		Burst:       1,
		Retry:       retry.DefaultPolicy(),
	}
}

// Pool wraps a Provider with a fixed-size concurrency bound, an optional rate
// limit, a per-call timeout, bounded retries and an optional cache.
type Pool struct {
	provider Provider
	cfg      PoolConfig
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	retryer  *retry.Retryer
	cache    Cache
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithCache consults c before calling the provider and fills it afterwards.
func WithCache(c Cache) PoolOption {
	return func(p *Pool) { p.cache = c }
}

// WithMetrics records provider calls on m.
func WithMetrics(m *metrics.Collector) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool around provider.
func NewPool(provider Provider, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = provider.Dimensions()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	p := &Pool{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "embedding_pool")),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retryer = retry.New(cfg.Retry, p.logger)
	return p
}

// Model returns the provider's model name.
func (p *Pool) Model() string { return p.provider.Model() }

// Dimensions returns the deployment vector length (0 if unknown).
func (p *Pool) Dimensions() int { return p.cfg.Dimensions }

// Embed returns the embedding for text, going through the cache, the
// concurrency bound, the rate limiter and the retry policy. Errors wrap the
// last provider failure; ctx errors are returned when the caller gave up.
func (p *Pool) Embed(ctx context.Context, text string) ([]float64, error) {
	model := p.provider.Model()
	if p.cache != nil {
		vec, err := p.cache.Get(ctx, model, text)
		switch {
		case err == nil && p.dimensionOK(vec):
			p.metrics.RecordCache("hit")
			return vec, nil
		case err == nil || errors.Is(err, ErrCacheMiss):
			p.metrics.RecordCache("miss")
		default:
			p.metrics.RecordCache("error")
			p.logger.Warn("embedding cache lookup failed", zap.Error(err))
		}
	}

	var vec []float64
	err := p.retryer.Do(ctx, func(ctx context.Context) error {
		v, err := p.call(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, model, text, vec); err != nil {
			p.logger.Warn("embedding cache store failed", zap.Error(err))
		}
	}
	return vec, nil
}

// call performs one bounded provider call.
func (p *Pool) call(ctx context.Context, text string) ([]float64, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	p.metrics.EmbeddingStarted()
	start := time.Now()
	vec, err := p.provider.Embed(callCtx, text)
	elapsed := time.Since(start)
	p.metrics.EmbeddingDone()

	model := p.provider.Model()
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			p.metrics.RecordEmbedding(model, "timeout", elapsed)
			return nil, fmt.Errorf("%w after %s: %v", ErrCallTimeout, p.cfg.Timeout, err)
		}
		p.metrics.RecordEmbedding(model, "error", elapsed)
		return nil, err
	}
	if !p.dimensionOK(vec) {
		p.metrics.RecordEmbedding(model, "error", elapsed)
		return nil, retry.Permanent(fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), p.cfg.Dimensions))
	}

	p.metrics.RecordEmbedding(model, "ok", elapsed)
	p.logger.Debug("embedded text", zap.Int("chars", len(text)), zap.Duration("elapsed", elapsed))
	return vec, nil
}

func (p *Pool) dimensionOK(vec []float64) bool {
	if len(vec) == 0 {
		return false
	}
	return p.cfg.Dimensions <= 0 || len(vec) == p.cfg.Dimensions
}
