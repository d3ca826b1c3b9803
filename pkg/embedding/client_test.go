package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEmbedServer(t *testing.T, dim int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vectors := make([][]float32, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(len(req.Input[i]))
			vectors[i] = vec
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors})
	}))
}

func TestHTTPClientEmbedQuery(t *testing.T) {
	srv := fakeEmbedServer(t, 4, nil)
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Model: "mini", Dimension: 4}, nil)
	require.NoError(t, err)

	vec, err := client.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)
	assert.Equal(t, float32(5), vec[0])
}

func TestHTTPClientBatching(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbedServer(t, 3, &calls)
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Dimension: 3, BatchSize: 2}, nil)
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := client.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)
	assert.Equal(t, int32(3), calls.Load(), "5 texts at batch size 2 need 3 requests")
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
}

func TestHTTPClientRejectsWrongDimension(t *testing.T) {
	srv := fakeEmbedServer(t, 7, nil)
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Dimension: 384}, nil)
	require.NoError(t, err)

	_, err = client.EmbedQuery(context.Background(), "hello")
	assert.ErrorContains(t, err, "dimension")
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Dimension: 2, MaxRetries: 2}, nil)
	require.NoError(t, err)

	vec, err := client.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Dimension: 2, MaxRetries: 3}, nil)
	require.NoError(t, err)

	_, err = client.EmbedQuery(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientConfigValidation(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{Dimension: 4}, nil)
	assert.Error(t, err, "endpoint is required")

	_, err = NewHTTPClient(HTTPConfig{Endpoint: "http://x"}, nil)
	assert.Error(t, err, "dimension is required")
}

func TestHTTPClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, Dimension: 2}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.EmbedQuery(ctx, "x")
	assert.Error(t, err)
}
