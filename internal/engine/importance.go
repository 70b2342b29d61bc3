package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
)

// ImportanceConfig holds the parameters of the importance score.
//
// Per memory, over all of its access events:
//
//	f = min(1, events in Window / FrequencySaturation)
//	r = exp(-ln2 * age / HalfLife), age since the latest access (0 with no events)
//	o = mean |outcome| over finalized events
//	activity = (WeightFrequency*f + WeightRecency*r + WeightOutcome*o) / sum of weights
//
// The outcome term and its weight are left out while no event is finalized.
// The score blends the baseline with activity by confidence n/(n+PriorWeight),
// so a memory with no history sits at the baseline. The clock is truncated to
// Resolution first, so recomputes within one tick give the same score.
type ImportanceConfig struct {
	Baseline            float64       `yaml:"baseline"`
	Window              time.Duration `yaml:"window"`
	FrequencySaturation int           `yaml:"frequency_saturation"`
	HalfLife            time.Duration `yaml:"half_life"`
	WeightFrequency     float64       `yaml:"weight_frequency"`
	WeightRecency       float64       `yaml:"weight_recency"`
	WeightOutcome       float64       `yaml:"weight_outcome"`
	PriorWeight         float64       `yaml:"prior_weight"`
	PropagationFactor   float64       `yaml:"propagation_factor"`
	Resolution          time.Duration `yaml:"resolution"`
}

// DefaultImportanceConfig returns the stock scoring parameters.
func DefaultImportanceConfig() ImportanceConfig {
	return ImportanceConfig{
		Baseline:            0.5,
		Window:              30 * 24 * time.Hour,
		FrequencySaturation: 10,
		HalfLife:            7 * 24 * time.Hour,
		WeightFrequency:     0.3,
		WeightRecency:       0.3,
		WeightOutcome:       0.4,
		PriorWeight:         2,
		PropagationFactor:   0.2,
		Resolution:          time.Minute,
	}
}

func (c ImportanceConfig) withDefaults() ImportanceConfig {
	d := DefaultImportanceConfig()
	if c == (ImportanceConfig{}) {
		return d
	}
	if c.Baseline <= 0 || c.Baseline > 1 {
		c.Baseline = d.Baseline
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.FrequencySaturation <= 0 {
		c.FrequencySaturation = d.FrequencySaturation
	}
	if c.HalfLife <= 0 {
		c.HalfLife = d.HalfLife
	}
	if c.WeightFrequency < 0 || c.WeightRecency < 0 || c.WeightOutcome < 0 ||
		c.WeightFrequency+c.WeightRecency+c.WeightOutcome == 0 {
		c.WeightFrequency, c.WeightRecency, c.WeightOutcome = d.WeightFrequency, d.WeightRecency, d.WeightOutcome
	}
	if c.PriorWeight <= 0 {
		c.PriorWeight = d.PriorWeight
	}
	if c.PropagationFactor < 0 || c.PropagationFactor > 1 {
		c.PropagationFactor = d.PropagationFactor
	}
	if c.Resolution <= 0 {
		c.Resolution = d.Resolution
	}
	return c
}

// Score computes the importance for a memory from its access events as of
// now. It is a pure function of its inputs.
func (c ImportanceConfig) Score(events []model.AccessEvent, now time.Time) float64 {
	n := len(events)
	if n == 0 {
		return c.Baseline
	}
	if c.Resolution > 0 {
		now = now.Truncate(c.Resolution)
	}

	var inWindow int
	var latest time.Time
	var outcomeSum float64
	var finalized int
	windowStart := now.Add(-c.Window)
	for _, ev := range events {
		if !ev.Timestamp.Before(windowStart) {
			inWindow++
		}
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		if ev.Finalized && ev.OutcomeScore != nil {
			outcomeSum += math.Abs(*ev.OutcomeScore)
			finalized++
		}
	}

	f := math.Min(1, float64(inWindow)/float64(c.FrequencySaturation))
	age := now.Sub(latest)
	if age < 0 {
		age = 0
	}
	r := math.Exp(-math.Ln2 * float64(age) / float64(c.HalfLife))

	num := c.WeightFrequency*f + c.WeightRecency*r
	den := c.WeightFrequency + c.WeightRecency
	if finalized > 0 {
		num += c.WeightOutcome * (outcomeSum / float64(finalized))
		den += c.WeightOutcome
	}
	activity := 0.0
	if den > 0 {
		activity = num / den
	}

	alpha := float64(n) / (float64(n) + c.PriorWeight)
	score := (1-alpha)*c.Baseline + alpha*activity
	return round6(clamp01(score))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ImportanceChange describes one recomputation.
type ImportanceChange struct {
	MemoryID   string        `json:"memory_id"`
	Before     float64       `json:"before"`
	After      float64       `json:"after"`
	Delta      float64       `json:"delta"`
	Events     int           `json:"events"`
	Propagated []Propagation `json:"propagated,omitempty"`
}

// Propagation is the share of a delta passed to one neighbor.
type Propagation struct {
	MemoryID string  `json:"memory_id"`
	Strength float64 `json:"strength"`
	Delta    float64 `json:"delta"`
	After    float64 `json:"after"`
}

// RecomputeImportance rescores a memory from its access history and passes
// a share of the change to its direct neighbors.
func (e *Engine) RecomputeImportance(ctx context.Context, scope, memoryID string) (_ *ImportanceChange, err error) {
	const op = "recompute_importance"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", memoryID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	return e.recompute(ctx, scope, memoryID)
}

func (e *Engine) recompute(ctx context.Context, scope, memoryID string) (*ImportanceChange, error) {
	const op = "recompute_importance"

	change, err := e.rescore(ctx, op, scope, memoryID)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordImportance(change.Delta)
	if change.Delta == 0 || e.cfg.Importance.PropagationFactor == 0 {
		return change, nil
	}

	neighbors := e.graph.neighbors(scope, memoryID)
	ids := make([]string, 0, len(neighbors))
	for id := range neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// One neighbor at a time, each under its own lock; the source lock is
	// already released.
	for _, id := range ids {
		strength := neighbors[id]
		d := e.cfg.Importance.PropagationFactor * strength * change.Delta
		if d == 0 {
			continue
		}
		unlock := e.locks.lock(id)
		after, ok, err := e.store.AdjustImportance(ctx, scope, id, d)
		unlock()
		if err != nil {
			return change, dependency(op, "propagate importance", err)
		}
		if !ok {
			continue
		}
		change.Propagated = append(change.Propagated, Propagation{
			MemoryID: id,
			Strength: strength,
			Delta:    d,
			After:    after,
		})
	}

	e.logger.Debug("importance recomputed",
		zap.String("memory_id", memoryID),
		zap.Float64("before", change.Before),
		zap.Float64("after", change.After),
		zap.Int("propagated", len(change.Propagated)),
	)
	return change, nil
}

// rescore is the locked read-compute-write for one memory.
func (e *Engine) rescore(ctx context.Context, op, scope, memoryID string) (*ImportanceChange, error) {
	unlock := e.locks.lock(memoryID)
	defer unlock()

	m, err := e.loadLive(ctx, op, scope, memoryID)
	if err != nil {
		return nil, err
	}
	if m.State != model.StateActive && m.State != model.StateStale {
		return nil, conflictf(op, "memory %s is %s", memoryID, m.State)
	}

	events, err := e.store.ListAccessEvents(ctx, scope, memoryID)
	if err != nil {
		return nil, dependency(op, "list access events", err)
	}

	now := e.now()
	score := e.cfg.Importance.Score(events, now)
	if err := e.store.SetImportance(ctx, scope, memoryID, score, now); err != nil {
		return nil, dependency(op, "save importance", err)
	}
	return &ImportanceChange{
		MemoryID: memoryID,
		Before:   m.Importance,
		After:    score,
		Delta:    score - m.Importance,
		Events:   len(events),
	}, nil
}
