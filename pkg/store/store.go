// Package store provides document stores for the question answering service:
// a reference in-memory implementation and a Weaviate-backed vector store.
// Both honor the same write, filter and similarity-query contract.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// DefaultIndex is used when a caller does not name an index.
const DefaultIndex = "document"

// DuplicatePolicy controls what happens when a written document's ID already
// exists in the target index.
type DuplicatePolicy string

const (
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateFail      DuplicatePolicy = "fail"
)

// Similarity selects the vector comparison function of a store.
type Similarity string

const (
	SimilarityCosine     Similarity = "cosine"
	SimilarityDotProduct Similarity = "dot_product"
)

// ErrDuplicateDocument is returned by WriteDocuments under DuplicateFail.
var ErrDuplicateDocument = errors.New("store: duplicate document id")

// ErrNotFound is returned when a document ID does not exist.
var ErrNotFound = errors.New("store: document not found")

// WriteOptions qualifies a WriteDocuments call.
type WriteOptions struct {
	Index      string
	Duplicates DuplicatePolicy
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.Index == "" {
		o.Index = DefaultIndex
	}
	if o.Duplicates == "" {
		o.Duplicates = DuplicateOverwrite
	}
	return o
}

// EmbeddingQuery asks for the top-k documents nearest to QueryEmbedding.
type EmbeddingQuery struct {
	QueryEmbedding []float32
	TopK           int
	Filters        Filters
	Index          string
	// ScaleScore maps raw similarity into [0,1]: (sim+1)/2 for cosine,
	// expit(sim/100) for dot product. When false the raw similarity is
	// returned as the score.
	ScaleScore bool
}

// DocumentStore is the storage contract shared by all backends.
type DocumentStore interface {
	// WriteDocuments persists documents, deriving missing IDs from the
	// document hash keys. Returns the number of newly written documents.
	WriteDocuments(ctx context.Context, docs []*schema.Document, opts WriteOptions) (int, error)

	GetDocumentByID(ctx context.Context, id string, index string) (*schema.Document, error)
	GetDocumentsByID(ctx context.Context, ids []string, index string) ([]*schema.Document, error)

	// GetAllDocuments lists documents matching the filters. Order is
	// unspecified.
	GetAllDocuments(ctx context.Context, index string, filters Filters) ([]*schema.Document, error)

	CountDocuments(ctx context.Context, index string, filters Filters) (int, error)

	// DeleteDocuments removes documents by ID and/or filters. Empty ids and
	// nil filters delete the whole index.
	DeleteDocuments(ctx context.Context, index string, ids []string, filters Filters) error

	DeleteIndex(ctx context.Context, index string) error

	// QueryByEmbedding returns the top-k most similar documents, scored and
	// sorted by descending similarity.
	QueryByEmbedding(ctx context.Context, query EmbeddingQuery) ([]*schema.Document, error)

	// UpdateEmbeddings recomputes and stores embeddings for documents that
	// match the filters, using the given embedder.
	UpdateEmbeddings(ctx context.Context, index string, filters Filters, embed EmbedFunc) (int, error)
}

// EmbedFunc computes embeddings for a batch of texts. The retriever package
// adapts its embedding client to this signature so the store does not depend
// on it.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// HealthChecker is implemented by stores backed by an external service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

func validateDimension(doc *schema.Document, want int) error {
	if want > 0 && len(doc.Embedding) > 0 && len(doc.Embedding) != want {
		return fmt.Errorf("store: document %s has embedding dimension %d, store expects %d",
			doc.ID, len(doc.Embedding), want)
	}
	return nil
}
