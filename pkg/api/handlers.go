package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/OMGAmici/haystack/pkg/generator"
	"github.com/OMGAmici/haystack/pkg/pipeline"
	"github.com/OMGAmici/haystack/pkg/schema"
	"github.com/OMGAmici/haystack/pkg/store"
)

const maxBodySize = 32 << 20

// errorEnvelope is the JSON error format of every non-2xx response. Internal
// error strings never leak through it for 5xx codes.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(body)
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "empty_body", "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

type queryRequest struct {
	Query    string                 `json:"query"`
	TopK     int                    `json:"top_k,omitempty"`
	Filters  map[string]interface{} `json:"filters,omitempty"`
	Multihop bool                   `json:"multihop,omitempty"`
	Index    string                 `json:"index,omitempty"`
}

type queryResponse struct {
	Query     string             `json:"query"`
	Answers   []*schema.Answer   `json:"answers"`
	Documents []*schema.Document `json:"documents"`
	TookMS    int64              `json:"took_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "field 'query' is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = s.defaultTopK
	}
	filters := store.Filters(req.Filters)
	if err := filters.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filters", err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(r, s.requestTimeout)
	defer cancel()

	result, err := s.queryPipeline.Run(ctx, pipeline.QueryRequest{
		Query:    req.Query,
		TopK:     req.TopK,
		Filters:  filters,
		Multihop: req.Multihop,
		Index:    req.Index,
	})
	if err != nil {
		s.logger.Error("query failed", "error", err, "request_id", r.Context().Value(requestIDKey))
		switch {
		case errors.Is(err, generator.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "generator_unavailable", "answer generation is temporarily unavailable")
		case errors.Is(err, ctx.Err()):
			writeError(w, http.StatusGatewayTimeout, "timeout", "query timed out")
		default:
			writeError(w, http.StatusInternalServerError, "query_failed", "query processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Query:     req.Query,
		Answers:   []*schema.Answer{result.Answer},
		Documents: result.Documents,
		TookMS:    result.Took.Milliseconds(),
	})
}

type writeDocumentsRequest struct {
	Documents []*schema.Document `json:"documents"`
	Index     string             `json:"index,omitempty"`
	// Duplicates is one of skip, overwrite, fail. Default overwrite.
	Duplicates string `json:"duplicates,omitempty"`
	// SkipIndexing writes documents as-is without chunking and embedding.
	SkipIndexing bool `json:"skip_indexing,omitempty"`
}

type writeDocumentsResponse struct {
	Written int `json:"written"`
}

func (s *Server) handleWriteDocuments(w http.ResponseWriter, r *http.Request) {
	var req writeDocumentsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "no_documents", "field 'documents' is required")
		return
	}
	opts := store.WriteOptions{Index: req.Index, Duplicates: store.DuplicatePolicy(req.Duplicates)}
	switch opts.Duplicates {
	case "", store.DuplicateSkip, store.DuplicateOverwrite, store.DuplicateFail:
	default:
		writeError(w, http.StatusBadRequest, "invalid_duplicates", "duplicates must be one of skip, overwrite, fail")
		return
	}

	ctx, cancel := contextWithTimeout(r, s.requestTimeout)
	defer cancel()

	var written int
	var err error
	if req.SkipIndexing {
		written, err = s.docStore.WriteDocuments(ctx, req.Documents, opts)
	} else {
		written, err = s.indexingPipeline.IndexDocuments(ctx, req.Documents, opts)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateDocument) {
			writeError(w, http.StatusConflict, "duplicate_document", "a document with the same id already exists")
			return
		}
		s.logger.Error("document write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "write_failed", "writing documents failed")
		return
	}
	writeJSON(w, http.StatusCreated, writeDocumentsResponse{Written: written})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	index := r.URL.Query().Get("index")

	doc, err := s.docStore.GetDocumentByID(r.Context(), id, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		s.logger.Error("document fetch failed", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "fetch_failed", "fetching document failed")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type searchDocumentsRequest struct {
	Filters map[string]interface{} `json:"filters,omitempty"`
	Index   string                 `json:"index,omitempty"`
}

type searchDocumentsResponse struct {
	Documents []*schema.Document `json:"documents"`
	Count     int                `json:"count"`
}

func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	var req searchDocumentsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	filters := store.Filters(req.Filters)
	if err := filters.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filters", err.Error())
		return
	}

	docs, err := s.docStore.GetAllDocuments(r.Context(), req.Index, filters)
	if err != nil {
		s.logger.Error("document search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search_failed", "listing documents failed")
		return
	}
	// Strip embeddings from listings, they dwarf the payload.
	for _, doc := range docs {
		doc.Embedding = nil
	}
	writeJSON(w, http.StatusOK, searchDocumentsResponse{Documents: docs, Count: len(docs)})
}

type deleteDocumentsRequest struct {
	IDs     []string               `json:"ids,omitempty"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	Index   string                 `json:"index,omitempty"`
}

func (s *Server) handleDeleteDocuments(w http.ResponseWriter, r *http.Request) {
	var req deleteDocumentsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	filters := store.Filters(req.Filters)
	if err := filters.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filters", err.Error())
		return
	}

	if err := s.docStore.DeleteDocuments(r.Context(), req.Index, req.IDs, filters); err != nil {
		s.logger.Error("document delete failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete_failed", "deleting documents failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type feedbackRequest struct {
	Query      string `json:"query"`
	Answer     string `json:"answer"`
	IsCorrect  bool   `json:"is_correct_answer"`
	Origin     string `json:"origin,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

// handleFeedback stores user feedback as labels in a dedicated index, so
// retriever and generator quality can be evaluated offline.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "field 'query' is required")
		return
	}

	label := schema.Label{
		ID:        uuid.NewString(),
		Query:     req.Query,
		IsCorrect: req.IsCorrect,
		Origin:    req.Origin,
		CreatedAt: time.Now().UTC(),
	}
	if req.Answer != "" {
		label.Answer = &schema.Answer{Answer: req.Answer, Type: schema.AnswerTypeGenerative, Query: req.Query}
	}

	payload, err := json.Marshal(label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "feedback_failed", "storing feedback failed")
		return
	}
	doc := &schema.Document{
		ID:      label.ID,
		Content: string(payload),
		Meta: map[string]interface{}{
			"type":              "label",
			"origin":            req.Origin,
			"is_correct_answer": req.IsCorrect,
			"document_id":       req.DocumentID,
		},
	}
	if _, err := s.docStore.WriteDocuments(r.Context(), []*schema.Document{doc}, store.WriteOptions{Index: "label"}); err != nil {
		s.logger.Error("feedback write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "feedback_failed", "storing feedback failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": label.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if checker, ok := s.docStore.(store.HealthChecker); ok {
		if err := checker.CheckHealth(r.Context()); err != nil {
			s.logger.Warn("store health check failed", "error", err)
			status["status"] = "degraded"
			status["store"] = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "service is starting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func contextWithTimeout(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
