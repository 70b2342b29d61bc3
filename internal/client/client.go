// Package client is a Go client for the engram HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/model"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Client talks to an engram server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to ENGRAM_URL
// and then to http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("ENGRAM_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(data)}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Kind = e.Error, e.Kind
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func scopePath(scope, rest string) string {
	return "/api/scopes/" + url.PathEscape(scope) + rest
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// CreateMemory stores a new memory.
func (c *Client) CreateMemory(ctx context.Context, in engine.NewMemory) (*model.Memory, error) {
	var m model.Memory
	if err := c.do(ctx, http.MethodPost, scopePath(in.Scope, "/memories"), in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemory fetches a memory by id.
func (c *Client) GetMemory(ctx context.Context, scope, id string) (*model.Memory, error) {
	var m model.Memory
	if err := c.do(ctx, http.MethodGet, scopePath(scope, "/memories/"+url.PathEscape(id)), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Search runs a similarity search in req.Filters.Scope.
func (c *Client) Search(ctx context.Context, req engine.SearchRequest) ([]engine.SearchResult, error) {
	var out struct {
		Results []engine.SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, scopePath(req.Filters.Scope, "/search"), req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Connect creates or updates a relationship.
func (c *Client) Connect(ctx context.Context, req engine.ConnectRequest) (*model.Relationship, error) {
	var r model.Relationship
	if err := c.do(ctx, http.MethodPost, scopePath(req.Scope, "/relationships"), req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordAccess logs that a memory was used.
func (c *Client) RecordAccess(ctx context.Context, req engine.AccessRequest) (*model.AccessEvent, error) {
	var ev model.AccessEvent
	path := scopePath(req.Scope, "/memories/"+url.PathEscape(req.MemoryID)+"/access")
	if err := c.do(ctx, http.MethodPost, path, req, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RecordOutcome finalizes an access event.
func (c *Client) RecordOutcome(ctx context.Context, scope, accessID string, score float64, notes string) (*engine.OutcomeResult, error) {
	in := map[string]any{"outcome_score": score, "outcome_notes": notes}
	var out engine.OutcomeResult
	if err := c.do(ctx, http.MethodPost, scopePath(scope, "/access/"+url.PathEscape(accessID)+"/outcome"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Context returns the rendered context block for a scope, optionally
// focused on query.
func (c *Client) Context(ctx context.Context, scope, query string, limit int) (string, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := scopePath(scope, "/context")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Context string `json:"context"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Context, nil
}
