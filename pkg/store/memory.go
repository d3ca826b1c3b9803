package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// InMemoryStore is the reference DocumentStore. It keeps one map per index
// and brute-forces similarity queries, which is plenty for tests, demos and
// small corpora.
type InMemoryStore struct {
	similarity   Similarity
	embeddingDim int
	logger       *slog.Logger

	mu      sync.RWMutex
	indexes map[string]map[string]*schema.Document
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithSimilarity selects the similarity function, default cosine.
func WithSimilarity(sim Similarity) InMemoryOption {
	return func(s *InMemoryStore) { s.similarity = sim }
}

// WithEmbeddingDim enables dimension validation on writes.
func WithEmbeddingDim(dim int) InMemoryOption {
	return func(s *InMemoryStore) { s.embeddingDim = dim }
}

// WithMemoryLogger overrides the default logger.
func WithMemoryLogger(logger *slog.Logger) InMemoryOption {
	return func(s *InMemoryStore) { s.logger = logger }
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		similarity: SimilarityCosine,
		logger:     slog.Default().With("component", "memory-store"),
		indexes:    make(map[string]map[string]*schema.Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) index(name string) map[string]*schema.Document {
	if name == "" {
		name = DefaultIndex
	}
	idx, ok := s.indexes[name]
	if !ok {
		idx = make(map[string]*schema.Document)
		s.indexes[name] = idx
	}
	return idx
}

// WriteDocuments implements DocumentStore.
func (s *InMemoryStore) WriteDocuments(ctx context.Context, docs []*schema.Document, opts WriteOptions) (int, error) {
	opts = opts.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(opts.Index)

	written := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if doc == nil {
			continue
		}
		if err := validateDimension(doc, s.embeddingDim); err != nil {
			return written, err
		}
		cp := doc.Copy()
		cp.EnsureID()
		if _, exists := idx[cp.ID]; exists {
			switch opts.Duplicates {
			case DuplicateSkip:
				continue
			case DuplicateFail:
				return written, fmt.Errorf("%w: %s in index %q", ErrDuplicateDocument, cp.ID, opts.Index)
			}
		} else {
			written++
		}
		idx[cp.ID] = cp
	}
	s.logger.Debug("wrote documents", "index", opts.Index, "written", written, "total", len(idx))
	return written, nil
}

// GetDocumentByID implements DocumentStore.
func (s *InMemoryStore) GetDocumentByID(ctx context.Context, id string, index string) (*schema.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.index(index)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc.Copy(), nil
}

// GetDocumentsByID implements DocumentStore. Missing IDs are skipped rather
// than failing the batch.
func (s *InMemoryStore) GetDocumentsByID(ctx context.Context, ids []string, index string) ([]*schema.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.index(index)
	out := make([]*schema.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := idx[id]; ok {
			out = append(out, doc.Copy())
		}
	}
	return out, nil
}

// GetAllDocuments implements DocumentStore.
func (s *InMemoryStore) GetAllDocuments(ctx context.Context, index string, filters Filters) ([]*schema.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.index(index)
	out := make([]*schema.Document, 0, len(idx))
	for _, doc := range idx {
		ok, err := filters.Matches(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc.Copy())
		}
	}
	return out, nil
}

// CountDocuments implements DocumentStore.
func (s *InMemoryStore) CountDocuments(ctx context.Context, index string, filters Filters) (int, error) {
	docs, err := s.GetAllDocuments(ctx, index, filters)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// DeleteDocuments implements DocumentStore.
func (s *InMemoryStore) DeleteDocuments(ctx context.Context, index string, ids []string, filters Filters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(index)

	if len(ids) == 0 && len(filters) == 0 {
		if index == "" {
			index = DefaultIndex
		}
		s.indexes[index] = make(map[string]*schema.Document)
		return nil
	}

	candidates := ids
	if len(candidates) == 0 {
		for id := range idx {
			candidates = append(candidates, id)
		}
	}
	for _, id := range candidates {
		doc, ok := idx[id]
		if !ok {
			continue
		}
		match, err := filters.Matches(doc)
		if err != nil {
			return err
		}
		if match {
			delete(idx, id)
		}
	}
	return nil
}

// DeleteIndex implements DocumentStore.
func (s *InMemoryStore) DeleteIndex(ctx context.Context, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == "" {
		index = DefaultIndex
	}
	delete(s.indexes, index)
	return nil
}

// QueryByEmbedding implements DocumentStore.
func (s *InMemoryStore) QueryByEmbedding(ctx context.Context, query EmbeddingQuery) ([]*schema.Document, error) {
	if len(query.QueryEmbedding) == 0 {
		return nil, fmt.Errorf("store: query embedding is empty")
	}
	if query.TopK <= 0 {
		query.TopK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.index(query.Index)

	scored := make([]*schema.Document, 0, len(idx))
	for _, doc := range idx {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(doc.Embedding) == 0 {
			continue
		}
		if len(doc.Embedding) != len(query.QueryEmbedding) {
			return nil, fmt.Errorf("store: embedding dimension mismatch: query %d, document %s %d",
				len(query.QueryEmbedding), doc.ID, len(doc.Embedding))
		}
		ok, err := query.Filters.Matches(doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		sim := s.rawSimilarity(query.QueryEmbedding, doc.Embedding)
		score := sim
		if query.ScaleScore {
			score = scaleScore(sim, s.similarity)
		}
		scored = append(scored, doc.WithScore(score))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Score > *scored[j].Score
	})
	if len(scored) > query.TopK {
		scored = scored[:query.TopK]
	}
	return scored, nil
}

// UpdateEmbeddings implements DocumentStore.
func (s *InMemoryStore) UpdateEmbeddings(ctx context.Context, index string, filters Filters, embed EmbedFunc) (int, error) {
	docs, err := s.GetAllDocuments(ctx, index, filters)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	embeddings, err := embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("store: updating embeddings: %w", err)
	}
	if len(embeddings) != len(docs) {
		return 0, fmt.Errorf("store: embedder returned %d vectors for %d documents", len(embeddings), len(docs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(index)
	updated := 0
	for i, doc := range docs {
		stored, ok := idx[doc.ID]
		if !ok {
			continue
		}
		stored.Embedding = embeddings[i]
		updated++
	}
	s.logger.Info("updated embeddings", "index", index, "count", updated)
	return updated, nil
}

func (s *InMemoryStore) rawSimilarity(a, b []float32) float64 {
	switch s.similarity {
	case SimilarityDotProduct:
		return dotProduct(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

// scaleScore maps raw similarity into [0,1]. Cosine lives in [-1,1] so a
// linear shift suffices; dot product is unbounded and goes through a
// logistic squash.
func scaleScore(sim float64, similarity Similarity) float64 {
	if similarity == SimilarityDotProduct {
		return 1 / (1 + math.Exp(-sim/100))
	}
	return (sim + 1) / 2
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
