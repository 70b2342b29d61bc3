// Package engine implements the memory engine: the memory store, similarity
// search, the relationship graph, the access tracker and the importance
// engine. Persistence goes through the Store interface and embeddings
// through the Embedder interface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/metrics"
	"github.com/lazypower/engram/internal/model"
)

// Store is the durable storage the engine runs on. *store.DB implements it.
// Getters return nil, nil when a record is absent or in another scope.
type Store interface {
	InsertMemory(ctx context.Context, m *model.Memory) error
	GetMemory(ctx context.Context, scope, id string) (*model.Memory, error)
	GetMemories(ctx context.Context, scope string, ids []string) ([]model.Memory, error)
	SaveMemory(ctx context.Context, m *model.Memory) error
	UpdateContent(ctx context.Context, m *model.Memory) (bool, error)
	DeleteMemory(ctx context.Context, scope, id string, at time.Time) ([]string, bool, error)
	ListMemories(ctx context.Context, scope string, state model.State, limit int) ([]model.Memory, error)
	Candidates(ctx context.Context, f model.CandidateFilter) ([]model.Memory, error)

	SetImportance(ctx context.Context, scope, id string, score float64, computedAt time.Time) error
	AdjustImportance(ctx context.Context, scope, id string, delta float64) (float64, bool, error)
	TouchMemory(ctx context.Context, scope, id string, at time.Time) (bool, error)
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
	FailStuck(ctx context.Context, cutoff, at time.Time) (int, error)
	DueForRecompute(ctx context.Context, cutoff time.Time, limit int) ([]model.MemoryRef, error)

	UpsertRelationship(ctx context.Context, r *model.Relationship) (bool, error)
	GetRelationship(ctx context.Context, scope, id string) (*model.Relationship, error)
	DeleteRelationship(ctx context.Context, scope, id string) (bool, error)
	AllRelationships(ctx context.Context) ([]model.Relationship, error)

	InsertAccessEvent(ctx context.Context, e *model.AccessEvent) error
	GetAccessEvent(ctx context.Context, scope, id string) (*model.AccessEvent, error)
	FinalizeAccessEvent(ctx context.Context, scope, id string, score float64, notes string, at time.Time) (model.FinalizeResult, error)
	ListAccessEvents(ctx context.Context, scope, memoryID string) ([]model.AccessEvent, error)
}

// Embedder turns text into vectors. *embedding.Pool implements it with
// bounded concurrency, timeouts and retries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// Config tunes the engine. Zero fields take the defaults from DefaultConfig.
type Config struct {
	Importance ImportanceConfig

	StaleAfter       time.Duration // ACTIVE memories unused this long become STALE
	StuckAfter       time.Duration // CREATED memories older than this become FAILED
	RecomputeAfter   time.Duration // importance older than this is recomputed by the sweep
	SweepInterval    time.Duration
	SweepBatch       int
	SweepConcurrency int

	MaxContentChars   int
	DefaultMaxResults int
	MaxResultsCap     int
	MaxDepth          int
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		Importance:        DefaultImportanceConfig(),
		StaleAfter:        30 * 24 * time.Hour,
		StuckAfter:        10 * time.Minute,
		RecomputeAfter:    24 * time.Hour,
		SweepInterval:     time.Hour,
		SweepBatch:        500,
		SweepConcurrency:  4,
		MaxContentChars:   32000,
		DefaultMaxResults: 10,
		MaxResultsCap:     100,
		MaxDepth:          5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Importance = c.Importance.withDefaults()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.RecomputeAfter <= 0 {
		c.RecomputeAfter = d.RecomputeAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = d.MaxContentChars
	}
	if c.MaxResultsCap <= 0 {
		c.MaxResultsCap = d.MaxResultsCap
	}
	if c.DefaultMaxResults <= 0 {
		c.DefaultMaxResults = d.DefaultMaxResults
	}
	if c.DefaultMaxResults > c.MaxResultsCap {
		c.DefaultMaxResults = c.MaxResultsCap
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	return c
}

// Options carries the engine's collaborators besides the store and embedder.
type Options struct {
	Config  Config
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Now overrides the clock. Times are truncated to milliseconds, the
	// storage resolution.
	Now func() time.Time
}

// Engine is the memory engine. All methods are safe for concurrent use.
type Engine struct {
	store    Store
	embedder Embedder
	graph    *Graph
	locks    stripedMutex
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an engine and loads the relationship index from the store.
func New(ctx context.Context, st Store, embedder Embedder, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store:    st,
		embedder: embedder,
		graph:    newGraph(),
		cfg:      opts.Config.withDefaults(),
		logger:   logger.With(zap.String("component", "engine")),
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("github.com/lazypower/engram/internal/engine"),
		now:      func() time.Time { return now().Truncate(time.Millisecond) },
		stopCh:   make(chan struct{}),
	}

	edges, err := st.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	e.graph.load(edges)
	e.logger.Info("engine ready",
		zap.Int("relationships", len(edges)),
		zap.String("embedding_model", embedder.Model()),
		zap.Int("dimensions", embedder.Dimensions()),
	)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Graph returns the in-process relationship index.
func (e *Engine) Graph() *Graph { return e.graph }

// begin opens a span for op and returns a func that ends it, recording the
// outcome on the span and in metrics. Call it with the operation's error.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = string(KindOf(err))
			if result == "" {
				result = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.RecordOperation(op, result, time.Since(start))
		span.End()
	}
}
