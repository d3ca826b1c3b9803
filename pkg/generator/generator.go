// Package generator produces long-form answers from retrieved context by
// calling an external sequence-to-sequence inference service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// ErrUnavailable is returned when the generation service's circuit breaker
// is open.
var ErrUnavailable = errors.New("generator: service unavailable")

// Generator turns a query plus supporting documents into an answer.
type Generator interface {
	Generate(ctx context.Context, query string, docs []*schema.Document) (*schema.Answer, error)
}

// Seq2SeqConfig configures the seq2seq generator client.
type Seq2SeqConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
	MaxLength int           `yaml:"max_length"`
	MinLength int           `yaml:"min_length"`
	// MaxContextChars bounds the concatenated passages sent as conditioning
	// context. Oldest (lowest ranked) passages are dropped first.
	MaxContextChars int `yaml:"max_context_chars"`
	// Breaker settings.
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown"`
}

// Seq2SeqGenerator calls a BART-style LFQA inference endpoint. The model is
// conditioned on "question: <q> context: <p1> <p2> ..." assembled from the
// retrieved passages, matching how the inference service was trained.
type Seq2SeqGenerator struct {
	config  Seq2SeqConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type generateRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	MaxLength int    `json:"max_length,omitempty"`
	MinLength int    `json:"min_length,omitempty"`
}

type generateResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// NewSeq2SeqGenerator validates the config and builds the client.
func NewSeq2SeqGenerator(cfg Seq2SeqConfig, logger *slog.Logger) (*Seq2SeqGenerator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("generator: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 6000
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "seq2seq-generator")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "generator",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Seq2SeqGenerator{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  log,
	}, nil
}

// Generate implements Generator.
func (g *Seq2SeqGenerator) Generate(ctx context.Context, query string, docs []*schema.Document) (*schema.Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("generator: query is empty")
	}

	input, usedDocs := g.buildInput(query, docs)
	start := time.Now()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.call(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	text := result.(string)

	docIDs := make([]string, len(usedDocs))
	for i, doc := range usedDocs {
		docIDs[i] = doc.ID
	}
	g.logger.Debug("generated answer",
		"query_len", len(query), "context_docs", len(usedDocs),
		"answer_len", len(text), "took", time.Since(start))

	return &schema.Answer{
		Answer:      text,
		Type:        schema.AnswerTypeGenerative,
		Query:       query,
		DocumentIDs: docIDs,
		Meta: map[string]interface{}{
			"model": g.config.Model,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// buildInput assembles the conditioning text and reports which documents
// actually fit within the context budget.
func (g *Seq2SeqGenerator) buildInput(query string, docs []*schema.Document) (string, []*schema.Document) {
	var sb strings.Builder
	sb.WriteString("question: ")
	sb.WriteString(query)
	sb.WriteString(" context: ")

	used := make([]*schema.Document, 0, len(docs))
	for _, doc := range docs {
		passage := strings.TrimSpace(doc.Content)
		if passage == "" {
			continue
		}
		if sb.Len()+len(passage)+4 > g.config.MaxContextChars {
			break
		}
		sb.WriteString("<P> ")
		sb.WriteString(passage)
		sb.WriteString(" ")
		used = append(used, doc)
	}
	return strings.TrimSpace(sb.String()), used
}

func (g *Seq2SeqGenerator) call(ctx context.Context, input string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:     g.config.Model,
		Input:     input,
		MaxLength: g.config.MaxLength,
		MinLength: g.config.MinLength,
	})
	if err != nil {
		return "", fmt.Errorf("generator: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generator: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("generator: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator: service returned %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var parsed generateResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("generator: decoding response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("generator: service error: %s", parsed.Error)
	}
	if strings.TrimSpace(parsed.Output) == "" {
		return "", fmt.Errorf("generator: service returned an empty answer")
	}
	return strings.TrimSpace(parsed.Output), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
