package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
	"github.com/lazypower/engram/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gate parks one call until the test releases it.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	close(g.entered)
	<-g.release
}

// vocabEmbedder gives every distinct word its own dimension, so cosine
// similarity is exactly word overlap. It can be told to fail, or to hold
// the next call on a gate.
type vocabEmbedder struct {
	dims  int
	mu    sync.Mutex
	vocab map[string]int
	fail  atomic.Bool
	calls atomic.Int32
	hold  atomic.Pointer[gate]
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{dims: 128, vocab: make(map[string]int)}
}

func (v *vocabEmbedder) Model() string   { return "vocab" }
func (v *vocabEmbedder) Dimensions() int { return v.dims }

func (v *vocabEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	v.calls.Add(1)
	if g := v.hold.Swap(nil); g != nil {
		g.wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.fail.Load() {
		return nil, errors.New("provider unavailable")
	}
	vec := make([]float64, v.dims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = vocabStem(strings.Trim(w, ".,!?\"'"))
		if w == "" {
			continue
		}
		vec[v.index(w)] += 1
	}
	return vec, nil
}

func (v *vocabEmbedder) index(w string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.vocab[w]
	if !ok {
		i = len(v.vocab) % v.dims
		v.vocab[w] = i
	}
	return i
}

func vocabStem(w string) string {
	if strings.HasSuffix(w, "ence") && len(w) > 6 {
		return strings.TrimSuffix(w, "ence")
	}
	if strings.HasSuffix(w, "s") && len(w) > 3 {
		return strings.TrimSuffix(w, "s")
	}
	return w
}

// pausingStore holds the next relationship upsert on a gate after it has
// committed.
type pausingStore struct {
	*store.DB
	pause atomic.Pointer[gate]
}

func (p *pausingStore) UpsertRelationship(ctx context.Context, r *model.Relationship) (bool, error) {
	created, err := p.DB.UpsertRelationship(ctx, r)
	if g := p.pause.Swap(nil); g != nil {
		g.wait()
	}
	return created, err
}

type harness struct {
	eng   *Engine
	db    *store.DB
	clock *testClock
	emb   *vocabEmbedder
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{db: testDB(t), clock: newTestClock(), emb: newVocabEmbedder()}
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := New(context.Background(), h.db, h.emb, Options{
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	h.eng = eng
	return h
}

func (h *harness) create(t *testing.T, scope, content, memType string) *model.Memory {
	t.Helper()
	m, err := h.eng.CreateMemory(context.Background(), NewMemory{
		Scope:   scope,
		Content: content,
		Type:    memType,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) connect(t *testing.T, scope, src, dst, relType string, strength float64) *model.Relationship {
	t.Helper()
	r, err := h.eng.Connect(context.Background(), ConnectRequest{
		Scope:    scope,
		SourceID: src,
		TargetID: dst,
		Type:     relType,
		Strength: strength,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) importance(t *testing.T, scope, id string) float64 {
	t.Helper()
	m, err := h.db.GetMemory(context.Background(), scope, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m.Importance
}

func relatedIDs(rs []RelatedMemory) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.Memory.ID
	}
	return ids
}
