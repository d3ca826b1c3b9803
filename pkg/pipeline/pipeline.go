// Package pipeline composes retrievers, generators and the document store
// into the two flows the service runs: answering queries and indexing
// documents.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/OMGAmici/haystack/pkg/embedding"
	"github.com/OMGAmici/haystack/pkg/generator"
	"github.com/OMGAmici/haystack/pkg/ingest"
	"github.com/OMGAmici/haystack/pkg/metrics"
	"github.com/OMGAmici/haystack/pkg/retriever"
	"github.com/OMGAmici/haystack/pkg/schema"
	"github.com/OMGAmici/haystack/pkg/store"
)

// QueryRequest is one question to answer.
type QueryRequest struct {
	Query   string
	TopK    int
	Filters store.Filters
	// Multihop switches to the multihop retriever when one is configured.
	Multihop bool
	Index    string
}

// QueryResult carries the answer and the documents it was grounded on.
type QueryResult struct {
	Answer    *schema.Answer     `json:"answer"`
	Documents []*schema.Document `json:"documents"`
	Took      time.Duration      `json:"took"`
}

// QueryPipeline is the generative QA flow: retrieve then generate.
type QueryPipeline struct {
	retriever         retriever.Retriever
	multihopRetriever retriever.Retriever
	generator         generator.Generator
	metrics           *metrics.Metrics
	logger            *slog.Logger
}

// NewQueryPipeline wires the query flow. multihop may be nil, in which case
// Multihop requests fall back to the base retriever.
func NewQueryPipeline(base retriever.Retriever, multihop retriever.Retriever, gen generator.Generator, m *metrics.Metrics, logger *slog.Logger) (*QueryPipeline, error) {
	if base == nil {
		return nil, fmt.Errorf("pipeline: retriever is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryPipeline{
		retriever:         base,
		multihopRetriever: multihop,
		generator:         gen,
		metrics:           m,
		logger:            logger.With("component", "query-pipeline"),
	}, nil
}

// Run answers one query.
func (p *QueryPipeline) Run(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()

	r := p.retriever
	if req.Multihop && p.multihopRetriever != nil {
		r = p.multihopRetriever
	}

	retrieveStart := time.Now()
	docs, err := r.Retrieve(ctx, req.Query, retriever.Options{
		TopK:       req.TopK,
		Filters:    req.Filters,
		Index:      req.Index,
		ScaleScore: true,
	})
	if err != nil {
		p.observeQuery("retrieval_error", "retrieve", time.Since(retrieveStart))
		return nil, fmt.Errorf("pipeline: retrieval: %w", err)
	}
	p.observeStage("retrieve", time.Since(retrieveStart))

	generateStart := time.Now()
	answer, err := p.generator.Generate(ctx, req.Query, docs)
	if err != nil {
		p.observeQuery("generation_error", "generate", time.Since(generateStart))
		return nil, fmt.Errorf("pipeline: generation: %w", err)
	}
	p.observeStage("generate", time.Since(generateStart))
	p.observeQuery("ok", "", 0)

	took := time.Since(start)
	p.logger.Info("query answered",
		"documents", len(docs), "multihop", req.Multihop, "took", took)

	return &QueryResult{Answer: answer, Documents: docs, Took: took}, nil
}

func (p *QueryPipeline) observeStage(stage string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.QueryDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *QueryPipeline) observeQuery(status, stage string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.QueriesTotal.WithLabelValues(status).Inc()
	if stage != "" {
		p.metrics.QueryDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// IndexingPipeline is the write flow: load, chunk, embed, store.
type IndexingPipeline struct {
	loader   *ingest.Loader
	chunker  *ingest.Chunker
	embedder embedding.Client
	store    store.DocumentStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewIndexingPipeline wires the indexing flow.
func NewIndexingPipeline(loader *ingest.Loader, chunker *ingest.Chunker, embedder embedding.Client, docStore store.DocumentStore, m *metrics.Metrics, logger *slog.Logger) (*IndexingPipeline, error) {
	if chunker == nil {
		return nil, fmt.Errorf("pipeline: chunker is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("pipeline: embedder is required")
	}
	if docStore == nil {
		return nil, fmt.Errorf("pipeline: document store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexingPipeline{
		loader:   loader,
		chunker:  chunker,
		embedder: embedder,
		store:    docStore,
		metrics:  m,
		logger:   logger.With("component", "indexing-pipeline"),
	}, nil
}

// IndexDocuments chunks, embeds and writes the given documents. Returns the
// number of chunks written.
func (p *IndexingPipeline) IndexDocuments(ctx context.Context, docs []*schema.Document, opts store.WriteOptions) (int, error) {
	chunks := p.chunker.ChunkAll(docs)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	embedStart := time.Now()
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("pipeline: embedding %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("pipeline: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	p.observeStage("embed", time.Since(embedStart))

	writeStart := time.Now()
	written, err := p.store.WriteDocuments(ctx, chunks, opts)
	if err != nil {
		return 0, fmt.Errorf("pipeline: writing chunks: %w", err)
	}
	p.observeStage("write", time.Since(writeStart))

	if p.metrics != nil {
		p.metrics.DocumentsWritten.Add(float64(written))
	}
	p.logger.Info("indexed documents",
		"documents", len(docs), "chunks", len(chunks), "written", written)
	return written, nil
}

// IndexPath loads a file or directory from disk and indexes it.
func (p *IndexingPipeline) IndexPath(ctx context.Context, path string, opts store.WriteOptions) (int, error) {
	if p.loader == nil {
		return 0, fmt.Errorf("pipeline: no loader configured")
	}
	info, err := statPath(path)
	if err != nil {
		return 0, err
	}

	var docs []*schema.Document
	if info.IsDir() {
		docs, err = p.loader.LoadDir(ctx, path)
	} else {
		docs, err = p.loader.LoadFile(ctx, path)
	}
	if err != nil {
		return 0, err
	}
	return p.IndexDocuments(ctx, docs, opts)
}

func statPath(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: stating %s: %w", path, err)
	}
	return info, nil
}

func (p *IndexingPipeline) observeStage(stage string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.QueryDuration.WithLabelValues(stage).Observe(d.Seconds())
}
