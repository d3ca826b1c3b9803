// Package embedding turns text into dense vectors by calling an external
// embedding inference service, with optional caching in front of it.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client computes embeddings. EmbedQuery and EmbedDocuments are separate
// because bi-encoder models may encode queries and passages differently.
type Client interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimension() int
}

// HTTPConfig configures the HTTP embedding client.
type HTTPConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Dimension  int           `yaml:"dimension"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	APIKey     string        `yaml:"api_key"`
}

// HTTPClient calls a sentence-transformers style inference endpoint:
//
//	POST {endpoint}  {"model": "...", "input": ["text", ...]}
//	200              {"embeddings": [[...], ...]}
type HTTPClient struct {
	config HTTPConfig
	http   *http.Client
	logger *slog.Logger
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	Type  string   `json:"input_type,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// NewHTTPClient validates the config and builds a client.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding: endpoint is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "embedding-client"),
	}, nil
}

// ModelName implements Client.
func (c *HTTPClient) ModelName() string { return c.config.Model }

// Dimension implements Client.
func (c *HTTPClient) Dimension() int { return c.config.Dimension }

// EmbedQuery implements Client.
func (c *HTTPClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.call(ctx, []string{text}, "query")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments implements Client. Inputs are split into batches of at most
// BatchSize texts per request.
func (c *HTTPClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.config.BatchSize {
		end := start + c.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.call(ctx, texts[start:end], "passage")
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *HTTPClient) call(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.config.Model, Input: texts, Type: inputType})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			c.logger.Warn("retrying embedding request", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vectors, retryable, err := c.doRequest(ctx, body, len(texts))
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("embedding: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, fmt.Errorf("embedding: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("embedding: service returned %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, false, fmt.Errorf("embedding: decoding response: %w", err)
	}
	if parsed.Error != "" {
		return nil, false, fmt.Errorf("embedding: service error: %s", parsed.Error)
	}
	if len(parsed.Embeddings) != want {
		return nil, false, fmt.Errorf("embedding: got %d vectors for %d inputs", len(parsed.Embeddings), want)
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != c.config.Dimension {
			return nil, false, fmt.Errorf("embedding: vector %d has dimension %d, expected %d", i, len(vec), c.config.Dimension)
		}
	}
	return parsed.Embeddings, false, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
