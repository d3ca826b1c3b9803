package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMGAmici/haystack/pkg/schema"
)

func fakeGenerateServer(t *testing.T, capture *generateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if capture != nil {
			*capture = req
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Output: "Berlin is the capital of Germany."})
	}))
}

func TestGenerateBuildsConditioningInput(t *testing.T) {
	var captured generateRequest
	srv := fakeGenerateServer(t, &captured)
	defer srv.Close()

	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{Endpoint: srv.URL, Model: "bart_lfqa"}, nil)
	require.NoError(t, err)

	docs := []*schema.Document{
		{ID: "d1", Content: "Berlin is the capital and largest city of Germany."},
		{ID: "d2", Content: "Germany is a country in central Europe."},
	}
	answer, err := gen.Generate(context.Background(), "What is the capital of Germany?", docs)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(captured.Input, "question: What is the capital of Germany? context:"))
	assert.Contains(t, captured.Input, "<P> Berlin is the capital")
	assert.Contains(t, captured.Input, "<P> Germany is a country")
	assert.Equal(t, "bart_lfqa", captured.Model)

	assert.Equal(t, schema.AnswerTypeGenerative, answer.Type)
	assert.Equal(t, []string{"d1", "d2"}, answer.DocumentIDs)
	assert.Equal(t, "Berlin is the capital of Germany.", answer.Answer)
}

func TestGenerateTruncatesContextToBudget(t *testing.T) {
	var captured generateRequest
	srv := fakeGenerateServer(t, &captured)
	defer srv.Close()

	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{
		Endpoint:        srv.URL,
		MaxContextChars: 200,
	}, nil)
	require.NoError(t, err)

	docs := []*schema.Document{
		{ID: "keep", Content: strings.Repeat("x", 100)},
		{ID: "drop", Content: strings.Repeat("y", 500)},
	}
	answer, err := gen.Generate(context.Background(), "q", docs)
	require.NoError(t, err)

	assert.Equal(t, []string{"keep"}, answer.DocumentIDs, "oversized passage must be dropped")
	assert.NotContains(t, captured.Input, "y")
}

func TestGenerateRejectsEmptyQuery(t *testing.T) {
	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{Endpoint: "http://localhost:1"}, nil)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "  ", nil)
	assert.Error(t, err)
}

func TestGenerateSurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{Endpoint: srv.URL}, nil)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "q", nil)
	assert.ErrorContains(t, err, "model not loaded")
}

func TestGenerateCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{
		Endpoint:                srv.URL,
		BreakerFailureThreshold: 2,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = gen.Generate(ctx, "q", nil)
	require.Error(t, err)
	_, err = gen.Generate(ctx, "q", nil)
	require.Error(t, err)

	// Breaker is open now: the service must not be called again.
	before := calls.Load()
	_, err = gen.Generate(ctx, "q", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, calls.Load())
}

func TestGenerateEmptyAnswerIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Output: "   "})
	}))
	defer srv.Close()

	gen, err := NewSeq2SeqGenerator(Seq2SeqConfig{Endpoint: srv.URL}, nil)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "q", nil)
	assert.Error(t, err)
}
