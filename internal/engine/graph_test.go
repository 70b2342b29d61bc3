package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
)

func TestConnectThenRelatedIsDirectional(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)

	r := h.connect(t, "org1", a.ID, b.ID, model.Supports, 0.8)
	assert.Equal(t, model.Supports, r.Type)

	fromA, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{MaxDepth: 1, Types: []string{model.Supports}})
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, b.ID, fromA[0].Memory.ID)
	assert.Equal(t, 0.8, fromA[0].EffectiveStrength)
	assert.Equal(t, []string{a.ID, b.ID}, fromA[0].Path)

	fromB, err := h.eng.Related(ctx, "org1", b.ID, RelatedQuery{MaxDepth: 1, Types: []string{model.Supports}})
	require.NoError(t, err)
	assert.Empty(t, fromB)

	h.connect(t, "org1", b.ID, a.ID, model.Supports, 0.4)
	fromB, err = h.eng.Related(ctx, "org1", b.ID, RelatedQuery{Types: []string{model.Supports}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, relatedIDs(fromB))
}

func TestConnectUpsertsStrength(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)

	first := h.connect(t, "org1", a.ID, b.ID, model.Supports, 0.3)
	second := h.connect(t, "org1", a.ID, b.ID, "supports", 0.9)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0.9, second.Strength)
	assert.Equal(t, 1, h.eng.Graph().Len())

	// A different type is a separate edge.
	h.connect(t, "org1", a.ID, b.ID, model.Follows, 0.5)
	assert.Equal(t, 2, h.eng.Graph().Len())

	stored, err := h.db.AllRelationships(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestConnectValidation(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	other := h.create(t, "org2", "gamma", model.TypeFact)

	tests := []struct {
		name string
		req  ConnectRequest
		want error
	}{
		{"self loop", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: a.ID, Strength: 0.5}, ErrValidation},
		{"zero strength", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Strength: 0}, ErrValidation},
		{"strength above one", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Strength: 1.01}, ErrValidation},
		{"NaN strength", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Strength: math.NaN()}, ErrValidation},
		{"bad type", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Type: "x y", Strength: 0.5}, ErrValidation},
		{"missing scope", ConnectRequest{SourceID: a.ID, TargetID: b.ID, Strength: 0.5}, ErrValidation},
		{"unknown target", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: "nope", Strength: 0.5}, ErrNotFound},
		{"target in other scope", ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: other.ID, Strength: 0.5}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.Connect(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.eng.Graph().Len())

	// Strength of exactly 1 is allowed.
	h.connect(t, "org1", a.ID, b.ID, "", 1)
	out := h.eng.Graph().Outgoing("org1", a.ID)
	require.Len(t, out, 1)
	assert.Equal(t, model.RelatedTo, out[0].Type)
}

func TestConnectDeletedEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	require.NoError(t, h.eng.DeleteMemory(ctx, "org1", b.ID))

	_, err := h.eng.Connect(ctx, ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Strength: 0.5})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	r := h.connect(t, "org1", a.ID, b.ID, model.Causes, 0.6)

	assert.ErrorIs(t, h.eng.Disconnect(ctx, "org2", r.ID), ErrNotFound)
	require.NoError(t, h.eng.Disconnect(ctx, "org1", r.ID))
	assert.ErrorIs(t, h.eng.Disconnect(ctx, "org1", r.ID), ErrNotFound)

	related, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{})
	require.NoError(t, err)
	assert.Empty(t, related)
	assert.Zero(t, h.eng.Graph().Len())
}

func TestDisconnectWaitsForConcurrentConnect(t *testing.T) {
	ctx := context.Background()
	st := &pausingStore{DB: testDB(t)}
	eng, err := New(ctx, st, newVocabEmbedder(), Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	a, err := eng.CreateMemory(ctx, NewMemory{Scope: "org1", Content: "alpha"})
	require.NoError(t, err)
	b, err := eng.CreateMemory(ctx, NewMemory{Scope: "org1", Content: "beta"})
	require.NoError(t, err)
	req := ConnectRequest{Scope: "org1", SourceID: a.ID, TargetID: b.ID, Type: model.Supports, Strength: 0.4}
	r, err := eng.Connect(ctx, req)
	require.NoError(t, err)

	// Strengthen the edge, parking the upsert after it commits.
	g := newGate()
	st.pause.Store(g)
	connected := make(chan error, 1)
	go func() {
		req.Strength = 0.9
		_, err := eng.Connect(ctx, req)
		connected <- err
	}()
	<-g.entered

	disconnected := make(chan error, 1)
	go func() { disconnected <- eng.Disconnect(ctx, "org1", r.ID) }()
	select {
	case err := <-disconnected:
		t.Fatalf("disconnect finished while connect was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	require.NoError(t, <-connected)
	require.NoError(t, <-disconnected)

	stored, err := st.AllRelationships(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Zero(t, eng.Graph().Len(), "index must match the store")
	related, err := eng.Related(ctx, "org1", a.ID, RelatedQuery{})
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestRelatedMultiHopPicksStrongestPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	c := h.create(t, "org1", "gamma", model.TypeFact)
	d := h.create(t, "org1", "delta", model.TypeFact)

	h.connect(t, "org1", a.ID, b.ID, model.Supports, 0.9)
	h.connect(t, "org1", b.ID, c.ID, model.Supports, 0.5)
	h.connect(t, "org1", a.ID, c.ID, model.RelatedTo, 0.2)
	h.connect(t, "org1", c.ID, d.ID, model.Causes, 0.5)
	h.connect(t, "org1", c.ID, a.ID, model.Follows, 1.0) // cycle back to the start

	oneHop, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, oneHop, 2)
	assert.Equal(t, b.ID, oneHop[0].Memory.ID)
	assert.Equal(t, c.ID, oneHop[1].Memory.ID)
	assert.InDelta(t, 0.2, oneHop[1].EffectiveStrength, 1e-12)

	threeHops, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{MaxDepth: 3})
	require.NoError(t, err)
	byID := make(map[string]RelatedMemory)
	for _, r := range threeHops {
		byID[r.Memory.ID] = r
	}
	require.Len(t, byID, 3, "start memory is never reported")
	assert.InDelta(t, 0.9, byID[b.ID].EffectiveStrength, 1e-12)
	assert.InDelta(t, 0.45, byID[c.ID].EffectiveStrength, 1e-12)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, byID[c.ID].Path)
	assert.InDelta(t, 0.225, byID[d.ID].EffectiveStrength, 1e-12)
	assert.Equal(t, 3, byID[d.ID].Depth)

	for i := 1; i < len(threeHops); i++ {
		assert.GreaterOrEqual(t, threeHops[i-1].EffectiveStrength, threeHops[i].EffectiveStrength)
	}

	onlySupports, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{MaxDepth: 3, Types: []string{model.Supports}})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, c.ID}, relatedIDs(onlySupports))
}

func TestRelatedDepthIsClamped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = h.create(t, "org1", "node", model.TypeFact).ID
	}
	for i := 0; i+1 < len(ids); i++ {
		h.connect(t, "org1", ids[i], ids[i+1], model.Follows, 1)
	}

	res, err := h.eng.Related(ctx, "org1", ids[0], RelatedQuery{MaxDepth: 50})
	require.NoError(t, err)
	assert.Len(t, res, 5)
}

func TestRelatedUnknownOrForeignMemory(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org1", "alpha", model.TypeFact)

	_, err := h.eng.Related(context.Background(), "org2", a.ID, RelatedQuery{})
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.eng.Related(ctx, "org1", a.ID, RelatedQuery{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestEdgesListsBothDirections(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	c := h.create(t, "org1", "gamma", model.TypeFact)
	ab := h.connect(t, "org1", a.ID, b.ID, model.Supports, 0.5)
	cb := h.connect(t, "org1", c.ID, b.ID, model.Contradicts, 0.5)

	out, in, err := h.eng.Edges(context.Background(), "org1", b.ID)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.Len(t, in, 2)
	assert.ElementsMatch(t, []string{ab.ID, cb.ID}, []string{in[0].ID, in[1].ID})
}

func TestRelatedDeadlineExceeded(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org1", "alpha", model.TypeFact)
	b := h.create(t, "org1", "beta", model.TypeFact)
	h.connect(t, "org1", a.ID, b.ID, model.Supports, 0.7)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res, err := h.eng.Related(ctx, "org1", a.ID, RelatedQuery{MaxDepth: 3})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, res)
}
