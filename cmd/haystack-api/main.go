// Command haystack-api runs the question answering REST service: an
// embedding retriever and a seq2seq generator in front of a document store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/OMGAmici/haystack/pkg/api"
	"github.com/OMGAmici/haystack/pkg/config"
	"github.com/OMGAmici/haystack/pkg/embedding"
	"github.com/OMGAmici/haystack/pkg/generator"
	"github.com/OMGAmici/haystack/pkg/ingest"
	"github.com/OMGAmici/haystack/pkg/logging"
	"github.com/OMGAmici/haystack/pkg/metrics"
	"github.com/OMGAmici/haystack/pkg/pipeline"
	"github.com/OMGAmici/haystack/pkg/retriever"
	"github.com/OMGAmici/haystack/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting haystack-api",
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"embedding_model", cfg.Embedding.Model,
		"generator_model", cfg.Generator.Model)

	ctx := context.Background()

	docStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize document store", "error", err)
		os.Exit(1)
	}

	embedder, cache, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize embedding client", "error", err)
		os.Exit(1)
	}

	gen, err := generator.NewSeq2SeqGenerator(cfg.Generator, logger)
	if err != nil {
		logger.Error("failed to initialize generator", "error", err)
		os.Exit(1)
	}

	base, err := retriever.NewEmbeddingRetriever(docStore, embedder, cfg.TopK, logger)
	if err != nil {
		logger.Error("failed to initialize retriever", "error", err)
		os.Exit(1)
	}
	multihop, err := retriever.NewMultihopEmbeddingRetriever(base, cfg.MultihopHops, logger)
	if err != nil {
		logger.Error("failed to initialize multihop retriever", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	if reporter, ok := cache.(embedding.StatsReporter); ok {
		m.RegisterCacheStats(func() (int64, int64) {
			stats := reporter.Stats()
			return stats.Hits, stats.Misses
		})
	}
	m.RegisterDocumentCount(func() float64 {
		count, err := docStore.CountDocuments(context.Background(), "", nil)
		if err != nil {
			return 0
		}
		return float64(count)
	})

	queryPipeline, err := pipeline.NewQueryPipeline(base, multihop, gen, m, logger)
	if err != nil {
		logger.Error("failed to build query pipeline", "error", err)
		os.Exit(1)
	}

	chunker, err := ingest.NewChunker(cfg.Chunker)
	if err != nil {
		logger.Error("failed to build chunker", "error", err)
		os.Exit(1)
	}
	indexingPipeline, err := pipeline.NewIndexingPipeline(
		ingest.NewLoader(logger), chunker, embedder, docStore, m, logger)
	if err != nil {
		logger.Error("failed to build indexing pipeline", "error", err)
		os.Exit(1)
	}

	server, err := api.NewServer(api.ServerConfig{
		Port:           cfg.Port,
		DefaultTopK:    cfg.TopK,
		RequestTimeout: cfg.RequestTimeout,
	}, queryPipeline, indexingPipeline, docStore, m, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	server.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.DocumentStore, error) {
	switch cfg.StoreBackend {
	case config.StoreWeaviate:
		return store.NewWeaviateStore(ctx, cfg.Weaviate, logger)
	default:
		return store.NewInMemoryStore(
			store.WithEmbeddingDim(cfg.Embedding.Dimension),
			store.WithMemoryLogger(logger),
		), nil
	}
}

func buildEmbedder(ctx context.Context, cfg config.Config, logger *slog.Logger) (embedding.Client, embedding.Cache, error) {
	client, err := embedding.NewHTTPClient(cfg.Embedding, logger)
	if err != nil {
		return nil, nil, err
	}
	var cache embedding.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := embedding.NewRedisCache(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("embedding cache backed by redis", "addr", cfg.Redis.Addr)
		cache = redisCache
	} else {
		cache = embedding.NewMemoryCache(cfg.CacheSize)
	}
	return embedding.NewCachedClient(client, cache), cache, nil
}
