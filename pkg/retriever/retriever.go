// Package retriever selects candidate documents for a query by embedding
// the query and searching the document store.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/OMGAmici/haystack/pkg/embedding"
	"github.com/OMGAmici/haystack/pkg/schema"
	"github.com/OMGAmici/haystack/pkg/store"
)

// Options qualifies a single retrieval call.
type Options struct {
	TopK    int
	Filters store.Filters
	Index   string
	// ScaleScore requests scores in [0,1] instead of raw similarity.
	ScaleScore bool
}

// Retriever finds documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts Options) ([]*schema.Document, error)
}

// EmbeddingRetriever embeds the query with a bi-encoder and runs a vector
// similarity search against the store.
type EmbeddingRetriever struct {
	store    store.DocumentStore
	embedder embedding.Client
	topK     int
	logger   *slog.Logger
}

// NewEmbeddingRetriever builds a retriever with a default top-k.
func NewEmbeddingRetriever(docStore store.DocumentStore, embedder embedding.Client, topK int, logger *slog.Logger) (*EmbeddingRetriever, error) {
	if docStore == nil {
		return nil, fmt.Errorf("retriever: document store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("retriever: embedding client is required")
	}
	if topK <= 0 {
		topK = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingRetriever{
		store:    docStore,
		embedder: embedder,
		topK:     topK,
		logger:   logger.With("component", "embedding-retriever"),
	}, nil
}

// Retrieve implements Retriever.
func (r *EmbeddingRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]*schema.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retriever: query is empty")
	}
	if opts.TopK <= 0 {
		opts.TopK = r.topK
	}

	start := time.Now()
	queryEmbedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retriever: embedding query: %w", err)
	}

	docs, err := r.store.QueryByEmbedding(ctx, store.EmbeddingQuery{
		QueryEmbedding: queryEmbedding,
		TopK:           opts.TopK,
		Filters:        opts.Filters,
		Index:          opts.Index,
		ScaleScore:     opts.ScaleScore,
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: querying store: %w", err)
	}

	r.logger.Debug("retrieved documents",
		"query_len", len(query), "top_k", opts.TopK, "results", len(docs),
		"took", time.Since(start))
	return docs, nil
}

// EmbedFunc adapts the embedding client to store.EmbedFunc for
// DocumentStore.UpdateEmbeddings.
func (r *EmbeddingRetriever) EmbedFunc() store.EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		return r.embedder.EmbedDocuments(ctx, texts)
	}
}

// MultihopEmbeddingRetriever runs several retrieval hops. After the first
// hop the query is re-embedded together with the text retrieved so far, so
// later hops can reach documents that only relate to the answer through an
// intermediate passage. Results from all hops are merged and deduplicated by
// document ID, keeping the best score per document.
type MultihopEmbeddingRetriever struct {
	inner  *EmbeddingRetriever
	hops   int
	logger *slog.Logger
}

// NewMultihopEmbeddingRetriever builds a multihop retriever. hops counts the
// total number of retrieval rounds, minimum 1.
func NewMultihopEmbeddingRetriever(inner *EmbeddingRetriever, hops int, logger *slog.Logger) (*MultihopEmbeddingRetriever, error) {
	if inner == nil {
		return nil, fmt.Errorf("retriever: inner retriever is required")
	}
	if hops <= 0 {
		hops = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultihopEmbeddingRetriever{
		inner:  inner,
		hops:   hops,
		logger: logger.With("component", "multihop-retriever"),
	}, nil
}

// Retrieve implements Retriever.
func (r *MultihopEmbeddingRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]*schema.Document, error) {
	if opts.TopK <= 0 {
		opts.TopK = r.inner.topK
	}

	seen := make(map[string]*schema.Document)
	order := make([]string, 0, opts.TopK*r.hops)
	hopQuery := query

	for hop := 0; hop < r.hops; hop++ {
		docs, err := r.inner.Retrieve(ctx, hopQuery, opts)
		if err != nil {
			return nil, fmt.Errorf("retriever: hop %d: %w", hop+1, err)
		}

		var contextParts []string
		for _, doc := range docs {
			contextParts = append(contextParts, doc.Content)
			prev, ok := seen[doc.ID]
			if !ok {
				seen[doc.ID] = doc
				order = append(order, doc.ID)
				continue
			}
			if doc.Score != nil && (prev.Score == nil || *doc.Score > *prev.Score) {
				seen[doc.ID] = doc
			}
		}
		if len(docs) == 0 {
			break
		}
		// Condition the next hop on everything retrieved in this one.
		hopQuery = query + " " + strings.Join(contextParts, " ")
	}

	merged := make([]*schema.Document, 0, len(order))
	for _, id := range order {
		merged = append(merged, seen[id])
	}
	sortByScore(merged)
	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}

	r.logger.Debug("multihop retrieval complete",
		"hops", r.hops, "unique_documents", len(merged))
	return merged, nil
}

func sortByScore(docs []*schema.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.Score == nil {
			return false
		}
		if b.Score == nil {
			return true
		}
		return *a.Score > *b.Score
	})
}
