package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lazypower/engram/internal/model"
)

func TestScoreWithoutEventsIsBaseline(t *testing.T) {
	c := DefaultImportanceConfig()
	assert.Equal(t, 0.5, c.Score(nil, time.Now()))
}

func TestScoreSingleFinalizedEvent(t *testing.T) {
	c := DefaultImportanceConfig()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	pos, neg := 0.9, -0.9

	events := []model.AccessEvent{{Timestamp: now, Finalized: true, OutcomeScore: &pos}}
	// f = 0.1, r = 1, o = 0.9: activity 0.69, confidence 1/3.
	assert.InDelta(t, 0.563333, c.Score(events, now), 1e-9)

	// Backfiring counts as much as helping.
	events[0].OutcomeScore = &neg
	assert.InDelta(t, 0.563333, c.Score(events, now), 1e-9)
}

func TestScoreWithoutOutcomeDropsOutcomeTerm(t *testing.T) {
	c := DefaultImportanceConfig()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []model.AccessEvent{{Timestamp: now}}
	// activity = (0.3*0.1 + 0.3*1) / 0.6 = 0.55
	assert.InDelta(t, 0.516667, c.Score(events, now), 1e-9)
}

func TestScoreRecencyDecays(t *testing.T) {
	c := DefaultImportanceConfig()
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []model.AccessEvent{{Timestamp: at}}

	fresh := c.Score(events, at)
	weekLater := c.Score(events, at.Add(7*24*time.Hour))
	monthLater := c.Score(events, at.Add(40*24*time.Hour))
	assert.Greater(t, fresh, weekLater)
	assert.Greater(t, weekLater, monthLater)
}

func TestScoreIsBounded(t *testing.T) {
	c := DefaultImportanceConfig()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "events")
		events := make([]model.AccessEvent, n)
		for i := range events {
			ago := time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(rt, "ago"))
			events[i].Timestamp = now.Add(-ago)
			if rapid.Bool().Draw(rt, "finalized") {
				s := rapid.Float64Range(-1, 1).Draw(rt, "score")
				events[i].Finalized = true
				events[i].OutcomeScore = &s
			}
		}
		s := c.Score(events, now)
		if s < 0 || s > 1 {
			rt.Fatalf("score %v out of [0, 1]", s)
		}
		if again := c.Score(events, now); again != s {
			rt.Fatalf("score not deterministic: %v then %v", s, again)
		}
	})
}

func TestRecomputeImportanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "org1", "alpha", model.TypeFact)
	n := h.create(t, "org1", "beta", model.TypeFact)
	h.connect(t, "org1", m.ID, n.ID, model.Supports, 1)

	for i := 0; i < 3; i++ {
		ev, err := h.eng.RecordAccess(ctx, AccessRequest{Scope: "org1", MemoryID: m.ID, AccessorID: "a"})
		require.NoError(t, err)
		if i < 2 {
			_, err = h.eng.RecordOutcome(ctx, "org1", ev.ID, 0.4, "")
			require.NoError(t, err)
		}
		h.clock.Advance(time.Hour)
	}

	first, err := h.eng.RecomputeImportance(ctx, "org1", m.ID)
	require.NoError(t, err)
	neighborAfterFirst := h.importance(t, "org1", n.ID)

	second, err := h.eng.RecomputeImportance(ctx, "org1", m.ID)
	require.NoError(t, err)

	assert.Equal(t, first.After, second.After)
	assert.Equal(t, first.After, h.importance(t, "org1", m.ID))
	assert.Zero(t, second.Delta)
	assert.Empty(t, second.Propagated)
	assert.Equal(t, neighborAfterFirst, h.importance(t, "org1", n.ID), "no delta, nothing propagated")
	assert.Equal(t, 3, second.Events)
}

func TestScoreStableWithinResolution(t *testing.T) {
	c := DefaultImportanceConfig()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []model.AccessEvent{{Timestamp: at}}

	now := at.Add(6 * time.Hour)
	assert.Equal(t, c.Score(events, now), c.Score(events, now.Add(59*time.Second+999*time.Millisecond)))
	assert.Greater(t, c.Score(events, now), c.Score(events, now.Add(time.Minute)))
}

func TestRecomputeImportanceStableWithinResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "org1", "alpha", model.TypeFact)
	_, err := h.eng.RecordAccess(ctx, AccessRequest{Scope: "org1", MemoryID: m.ID, AccessorID: "a"})
	require.NoError(t, err)

	h.clock.Advance(3*time.Hour + 10*time.Second)
	first, err := h.eng.RecomputeImportance(ctx, "org1", m.ID)
	require.NoError(t, err)

	// Same minute, later second: the recency term must not drift.
	h.clock.Advance(45 * time.Second)
	second, err := h.eng.RecomputeImportance(ctx, "org1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, first.After, second.After)
	assert.Zero(t, second.Delta)
}

func TestRecomputeImportanceErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "org1", "alpha", model.TypeFact)

	_, err := h.eng.RecomputeImportance(ctx, "org2", m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.eng.RecomputeImportance(ctx, "", m.ID)
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, h.eng.DeleteMemory(ctx, "org1", m.ID))
	_, err = h.eng.RecomputeImportance(ctx, "org1", m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPropagationReachesBothDirectionsAndClamps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "org1", "center", model.TypeFact)
	out := h.create(t, "org1", "downstream", model.TypeFact)
	in := h.create(t, "org1", "upstream", model.TypeFact)
	full := h.create(t, "org1", "saturated", model.TypeFact)
	h.connect(t, "org1", m.ID, out.ID, model.Supports, 0.5)
	h.connect(t, "org1", m.ID, out.ID, model.Causes, 1.0) // strongest link wins
	h.connect(t, "org1", in.ID, m.ID, model.Follows, 0.25)
	h.connect(t, "org1", m.ID, full.ID, model.RelatedTo, 1.0)
	require.NoError(t, h.db.SetImportance(ctx, "org1", full.ID, 1.0, h.clock.Now()))

	ev, err := h.eng.RecordAccess(ctx, AccessRequest{Scope: "org1", MemoryID: m.ID, AccessorID: "a"})
	require.NoError(t, err)
	res, err := h.eng.RecordOutcome(ctx, "org1", ev.ID, 1.0, "great")
	require.NoError(t, err)

	delta := res.Importance.Delta
	require.Positive(t, delta)
	assert.InDelta(t, 0.5+0.2*1.0*delta, h.importance(t, "org1", out.ID), 1e-9)
	assert.InDelta(t, 0.5+0.2*0.25*delta, h.importance(t, "org1", in.ID), 1e-9)
	assert.Equal(t, 1.0, h.importance(t, "org1", full.ID))
	assert.Len(t, res.Importance.Propagated, 3)

	// One hop only: a neighbor of a neighbor is untouched.
	far := h.create(t, "org1", "far away", model.TypeFact)
	h.connect(t, "org1", out.ID, far.ID, model.Supports, 1.0)
	h.clock.Advance(time.Hour)
	_, err = h.eng.RecomputeImportance(ctx, "org1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, h.importance(t, "org1", far.ID))
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m1, err := h.eng.CreateMemory(ctx, NewMemory{Scope: "org1", Content: "customer prefers morning calls", Type: model.TypeObservation})
	require.NoError(t, err)
	m2, err := h.eng.CreateMemory(ctx, NewMemory{Scope: "org1", Content: "call scheduled 9am", Type: model.TypeDecision})
	require.NoError(t, err)
	assert.Equal(t, 0.5, m1.Importance)
	assert.Equal(t, 0.5, m2.Importance)

	_, err = h.eng.Connect(ctx, ConnectRequest{Scope: "org1", SourceID: m1.ID, TargetID: m2.ID, Type: model.Supports, Strength: 0.8})
	require.NoError(t, err)

	res, err := h.eng.Search(ctx, SearchRequest{
		Query:         "morning call preference",
		Filters:       SearchFilters{Scope: "org1"},
		MaxResults:    5,
		MinSimilarity: 0.0,
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, m1.ID, res[0].Memory.ID)
	assert.Equal(t, m2.ID, res[1].Memory.ID)

	a1, err := h.eng.RecordAccess(ctx, AccessRequest{
		Scope: "org1", MemoryID: m1.ID, AccessorID: "agentA", Type: model.AccessRetrieve, Context: "drafting reply",
	})
	require.NoError(t, err)

	out, err := h.eng.RecordOutcome(ctx, "org1", a1.ID, 0.9, "call succeeded")
	require.NoError(t, err)
	require.NotNil(t, out.Importance)

	m1After := h.importance(t, "org1", m1.ID)
	m2After := h.importance(t, "org1", m2.ID)
	delta := m1After - 0.5

	assert.Greater(t, m1After, 0.5)
	assert.Greater(t, m2After, 0.5)
	assert.Less(t, m2After-0.5, delta)
	assert.InDelta(t, 0.8*0.2*delta, m2After-0.5, 1e-9)
	assert.InDelta(t, delta, out.Importance.Delta, 1e-12)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.create(t, "org1", "alpha", model.TypeFact)

	// A create interrupted before its embedding landed.
	stuck := &model.Memory{
		ID: "stuck-1", Scope: "org1", Content: "half written", Type: model.TypeFact,
		Importance: 0.5, State: model.StateCreated,
		CreatedAt: h.clock.Now(), UpdatedAt: h.clock.Now(),
	}
	require.NoError(t, h.db.InsertMemory(ctx, stuck))

	res, err := h.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Recomputed: 1}, res)

	// Recomputed within the window and not yet stuck: nothing to do.
	h.clock.Advance(5 * time.Minute)
	res, err = h.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	h.clock.Advance(31 * 24 * time.Hour)
	res, err = h.eng.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.Recomputed)

	got, err := h.eng.GetMemory(ctx, "org1", "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)

	got, err = h.eng.GetMemory(ctx, "org1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStale, got.State)
	require.NotNil(t, got.ImportanceComputedAt)
	assert.True(t, got.ImportanceComputedAt.Equal(h.clock.Now()))
}

func TestSweepTimerStops(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SweepInterval = 5 * time.Millisecond })
	h.create(t, "org1", "alpha", model.TypeFact)

	h.eng.StartSweepTimer()
	time.Sleep(20 * time.Millisecond)
	h.eng.Stop()
	h.eng.Stop() // idempotent

	got, err := h.eng.ListMemories(context.Background(), "org1", model.StateActive, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].ImportanceComputedAt)
}
