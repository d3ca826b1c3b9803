package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMGAmici/haystack/pkg/generator"
	"github.com/OMGAmici/haystack/pkg/ingest"
	"github.com/OMGAmici/haystack/pkg/pipeline"
	"github.com/OMGAmici/haystack/pkg/retriever"
	"github.com/OMGAmici/haystack/pkg/schema"
	"github.com/OMGAmici/haystack/pkg/store"
)

// hashEmbedder maps texts onto a small fixed vector from character counts, so
// tests run without an embedding service.
type hashEmbedder struct{}

func (hashEmbedder) ModelName() string { return "test-embedder" }
func (hashEmbedder) Dimension() int    { return 8 }

func (e hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, r := range strings.ToLower(text) {
		vec[int(r)%8]++
	}
	return vec, nil
}

func (e hashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.EmbedQuery(ctx, text)
	}
	return out, nil
}

type fixedGenerator struct {
	answer string
	err    error
}

func (g *fixedGenerator) Generate(ctx context.Context, query string, docs []*schema.Document) (*schema.Answer, error) {
	if g.err != nil {
		return nil, g.err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return &schema.Answer{
		Answer:      g.answer,
		Type:        schema.AnswerTypeGenerative,
		Query:       query,
		DocumentIDs: ids,
	}, nil
}

func newTestServer(t *testing.T, gen generator.Generator) (*Server, *store.InMemoryStore) {
	t.Helper()
	s := store.NewInMemoryStore()
	embedder := hashEmbedder{}

	base, err := retriever.NewEmbeddingRetriever(s, embedder, 10, nil)
	require.NoError(t, err)
	multihop, err := retriever.NewMultihopEmbeddingRetriever(base, 2, nil)
	require.NoError(t, err)

	qp, err := pipeline.NewQueryPipeline(base, multihop, gen, nil, nil)
	require.NoError(t, err)

	chunker, err := ingest.NewChunker(ingest.ChunkerConfig{ChunkSize: 100})
	require.NoError(t, err)
	ip, err := pipeline.NewIndexingPipeline(nil, chunker, embedder, s, nil, nil)
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{Port: 0, DefaultTopK: 10}, qp, ip, s, nil, nil)
	require.NoError(t, err)
	srv.SetReady(true)
	return srv, s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedDocuments(t *testing.T, h http.Handler) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/documents", map[string]interface{}{
		"documents": []map[string]interface{}{
			{"content": "Berlin is the capital of Germany.", "meta": map[string]interface{}{"source": "wiki"}},
			{"content": "Paris is the capital of France.", "meta": map[string]interface{}{"source": "wiki"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestQueryReturnsAnswerAndDocuments(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "Berlin"})
	h := srv.Handler()
	seedDocuments(t, h)

	rec := doJSON(t, h, http.MethodPost, "/query", map[string]interface{}{
		"query": "What is the capital of Germany?",
		"top_k": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Query     string             `json:"query"`
		Answers   []*schema.Answer   `json:"answers"`
		Documents []*schema.Document `json:"documents"`
		TookMS    int64              `json:"took_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "Berlin", resp.Answers[0].Answer)
	assert.Equal(t, schema.AnswerTypeGenerative, resp.Answers[0].Type)
	assert.NotEmpty(t, resp.Documents)
}

func TestQueryRequiresQueryField(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/query", map[string]interface{}{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_query")
}

func TestQueryRejectsInvalidFilters(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/query", map[string]interface{}{
		"query":   "q",
		"filters": map[string]interface{}{"$bogus": []interface{}{}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_filters")
}

func TestQueryGeneratorUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{err: generator.ErrUnavailable})
	h := srv.Handler()
	seedDocuments(t, h)

	rec := doJSON(t, h, http.MethodPost, "/query", map[string]interface{}{"query": "q"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "generator_unavailable")
}

func TestWriteDocumentsValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/documents", map[string]interface{}{"documents": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_documents")

	rec = doJSON(t, h, http.MethodPost, "/documents", map[string]interface{}{
		"documents":  []map[string]interface{}{{"content": "x"}},
		"duplicates": "merge",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_duplicates")
}

func TestWriteDocumentsDuplicateConflict(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	doc := map[string]interface{}{"id": "doc-1", "content": "same content"}
	body := map[string]interface{}{
		"documents":     []map[string]interface{}{doc},
		"duplicates":    "fail",
		"skip_indexing": true,
	}
	rec := doJSON(t, h, http.MethodPost, "/documents", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/documents", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate_document")
}

func TestGetDocumentByID(t *testing.T) {
	srv, s := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	_, err := s.WriteDocuments(context.Background(), []*schema.Document{
		{ID: "known", Content: "hello"},
	}, store.WriteOptions{})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/documents/known", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc schema.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "hello", doc.Content)

	rec = doJSON(t, h, http.MethodGet, "/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestSearchDocumentsFiltersAndStripsEmbeddings(t *testing.T) {
	srv, s := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	_, err := s.WriteDocuments(context.Background(), []*schema.Document{
		{ID: "a", Content: "one", Embedding: []float32{1, 2}, Meta: map[string]interface{}{"source": "wiki"}},
		{ID: "b", Content: "two", Embedding: []float32{3, 4}, Meta: map[string]interface{}{"source": "forum"}},
	}, store.WriteOptions{})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/documents/search", map[string]interface{}{
		"filters": map[string]interface{}{"source": "wiki"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Documents []*schema.Document `json:"documents"`
		Count     int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "a", resp.Documents[0].ID)
	assert.Nil(t, resp.Documents[0].Embedding)
}

func TestDeleteDocuments(t *testing.T) {
	srv, s := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	ctx := context.Background()
	_, err := s.WriteDocuments(ctx, []*schema.Document{
		{ID: "a", Content: "one"},
		{ID: "b", Content: "two"},
	}, store.WriteOptions{})
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodDelete, "/documents", map[string]interface{}{
		"ids": []string{"a"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	count, err := s.CountDocuments(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFeedbackStoredAsLabel(t *testing.T) {
	srv, s := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/feedback", map[string]interface{}{
		"query":             "capital of Germany",
		"answer":            "Berlin",
		"is_correct_answer": true,
		"origin":            "user-feedback",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	doc, err := s.GetDocumentByID(context.Background(), resp["id"], "label")
	require.NoError(t, err)
	assert.Equal(t, "label", doc.Meta["type"])
	assert.Contains(t, doc.Content, "Berlin")
}

func TestFeedbackRequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/feedback", map[string]interface{}{"answer": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadinessGate(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	srv.SetReady(false)
	rec := doJSON(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.SetReady(true)
	rec = doJSON(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEmptyBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	req := httptest.NewRequest(http.MethodPost, "/query", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "empty_body")
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &fixedGenerator{answer: "x"})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/nope/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
