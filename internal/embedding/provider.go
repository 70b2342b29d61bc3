// Package embedding turns text into fixed-length vectors. Providers do the
// actual work; Pool bounds concurrency, rate, latency and retries around a
// provider and consults an optional cache.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider generates vector embeddings for text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// OllamaProvider uses Ollama's embedding API.
type OllamaProvider struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaProvider creates a provider backed by Ollama's /api/embed.
// Per-call deadlines come from the caller's context.
func NewOllamaProvider(url, model string, dims int) *OllamaProvider {
	return &OllamaProvider{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{},
	}
}

func (o *OllamaProvider) Model() string   { return "ollama:" + o.model }
func (o *OllamaProvider) Dimensions() int { return o.dims }

// Embed sends text to Ollama's embed endpoint and returns the embedding vector.
func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return result.Embeddings[0], nil
}

// ProbeOllama checks if Ollama is reachable and the embedding model answers.
// It returns the model's dimension on success.
func ProbeOllama(url, model string) (int, bool) {
	client := &http.Client{Timeout: 3 * time.Second}
	reqBody, _ := json.Marshal(map[string]any{
		"model": model,
		"input": "test",
	})
	resp, err := client.Post(url+"/api/embed", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result.Embeddings) == 0 {
		return 0, false
	}
	return len(result.Embeddings[0]), true
}
