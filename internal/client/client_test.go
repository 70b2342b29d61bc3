package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/embedding"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/model"
	"github.com/lazypower/engram/internal/server"
	"github.com/lazypower/engram/internal/store"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := embedding.NewPool(embedding.NewHashProvider(256), embedding.DefaultPoolConfig(), nil)
	eng, err := engine.New(context.Background(), db, pool, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	ts := httptest.NewServer(server.New(db, eng, "test"))
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health["status"])

	m1, err := c.CreateMemory(ctx, engine.NewMemory{Scope: "org1", Content: "customer prefers morning calls", Type: model.TypeObservation})
	require.NoError(t, err)
	m2, err := c.CreateMemory(ctx, engine.NewMemory{Scope: "org1", Content: "call scheduled 9am", Type: model.TypeDecision})
	require.NoError(t, err)

	got, err := c.GetMemory(ctx, "org1", m1.ID)
	require.NoError(t, err)
	assert.Equal(t, m1.Content, got.Content)

	rel, err := c.Connect(ctx, engine.ConnectRequest{Scope: "org1", SourceID: m1.ID, TargetID: m2.ID, Type: model.Supports, Strength: 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.8, rel.Strength)

	results, err := c.Search(ctx, engine.SearchRequest{Query: "morning calls", Filters: engine.SearchFilters{Scope: "org1"}, MaxResults: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, m1.ID, results[0].Memory.ID)

	ev, err := c.RecordAccess(ctx, engine.AccessRequest{Scope: "org1", MemoryID: m1.ID, AccessorID: "agentA"})
	require.NoError(t, err)
	out, err := c.RecordOutcome(ctx, "org1", ev.ID, 0.9, "call succeeded")
	require.NoError(t, err)
	require.NotNil(t, out.Importance)
	assert.Greater(t, out.Importance.After, 0.5)
	assert.Equal(t, "call succeeded", out.Event.OutcomeNotes)

	block, err := c.Context(ctx, "org1", "morning", 5)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, "<context>"))
}

func TestAPIErrors(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	_, err := c.GetMemory(ctx, "org1", "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Kind)

	_, err = c.CreateMemory(ctx, engine.NewMemory{Scope: "org1", Content: " "})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url).Health(context.Background())
	assert.Error(t, err)
}

func TestDefaultURLFromEnv(t *testing.T) {
	t.Setenv("ENGRAM_URL", "http://example.test:1234")
	assert.Equal(t, "http://example.test:1234", New("").serverURL)

	t.Setenv("ENGRAM_URL", "")
	assert.Equal(t, defaultServerURL, New("").serverURL)
}
