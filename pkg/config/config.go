// Package config loads service configuration from an optional YAML file and
// the environment. Environment variables win over file values, file values
// win over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/OMGAmici/haystack/pkg/embedding"
	"github.com/OMGAmici/haystack/pkg/generator"
	"github.com/OMGAmici/haystack/pkg/ingest"
	"github.com/OMGAmici/haystack/pkg/logging"
	"github.com/OMGAmici/haystack/pkg/store"
)

// StoreBackend selects the document store implementation.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreWeaviate StoreBackend = "weaviate"
)

// Config is the full service configuration.
type Config struct {
	// Port the REST API listens on.
	Port int `yaml:"port"`
	// GracefulShutdown bounds in-flight request draining on exit.
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	// RequestTimeout bounds a single query end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	StoreBackend StoreBackend         `yaml:"store_backend"`
	Weaviate     store.WeaviateConfig `yaml:"weaviate"`

	Embedding embedding.HTTPConfig       `yaml:"embedding"`
	Redis     embedding.RedisCacheConfig `yaml:"redis"`
	// CacheSize is the in-memory embedding cache capacity used when no
	// Redis address is configured.
	CacheSize int `yaml:"cache_size"`

	Generator generator.Seq2SeqConfig `yaml:"generator"`
	Chunker   ingest.ChunkerConfig    `yaml:"chunker"`

	// TopK is the default number of documents retrieved per query.
	TopK int `yaml:"top_k"`
	// MultihopHops is the hop count of the multihop retriever.
	MultihopHops int `yaml:"multihop_hops"`

	Logging logging.Config `yaml:"logging"`
}

// Default returns the configuration matching the demo deployment: API on
// :8000, search index on :9200, 384-dim embeddings.
func Default() Config {
	return Config{
		Port:             8000,
		GracefulShutdown: 15 * time.Second,
		RequestTimeout:   120 * time.Second,
		StoreBackend:     StoreMemory,
		Weaviate: store.WeaviateConfig{
			Host:         "localhost:9200",
			Scheme:       "http",
			EmbeddingDim: 384,
			Timeout:      30 * time.Second,
		},
		Embedding: embedding.HTTPConfig{
			Endpoint:   "http://localhost:8080/embed",
			Model:      "sentence-transformers/all-MiniLM-L6-v2",
			Dimension:  384,
			BatchSize:  32,
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		},
		CacheSize: 4096,
		Generator: generator.Seq2SeqConfig{
			Endpoint:        "http://localhost:8081/generate",
			Model:           "vblagoje/bart_lfqa",
			Timeout:         60 * time.Second,
			MaxLength:       256,
			MinLength:       64,
			MaxContextChars: 6000,
		},
		Chunker: ingest.ChunkerConfig{
			ChunkSize:        100,
			Overlap:          20,
			RespectSentences: true,
		},
		TopK:         10,
		MultihopHops: 2,
		Logging: logging.Config{
			Level:   "info",
			Format:  "json",
			Service: "haystack-api",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// HAYSTACK_CONFIG (if any), then environment overrides, then validation.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("HAYSTACK_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	intVar(&cfg.Port, "PORT")
	durationVar(&cfg.RequestTimeout, "REQUEST_TIMEOUT")
	durationVar(&cfg.GracefulShutdown, "GRACEFUL_SHUTDOWN")

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = StoreBackend(v)
	}
	stringVar(&cfg.Weaviate.Host, "WEAVIATE_HOST")
	stringVar(&cfg.Weaviate.Scheme, "WEAVIATE_SCHEME")
	stringVar(&cfg.Weaviate.APIKey, "WEAVIATE_API_KEY")
	intVar(&cfg.Weaviate.EmbeddingDim, "EMBEDDING_DIM")

	stringVar(&cfg.Embedding.Endpoint, "EMBEDDING_ENDPOINT")
	stringVar(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	intVar(&cfg.Embedding.Dimension, "EMBEDDING_DIM")
	intVar(&cfg.Embedding.BatchSize, "EMBEDDING_BATCH_SIZE")
	stringVar(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")

	stringVar(&cfg.Redis.Addr, "REDIS_ADDR")
	stringVar(&cfg.Redis.Password, "REDIS_PASSWORD")
	intVar(&cfg.Redis.DB, "REDIS_DB")

	stringVar(&cfg.Generator.Endpoint, "GENERATOR_ENDPOINT")
	stringVar(&cfg.Generator.Model, "GENERATOR_MODEL")
	stringVar(&cfg.Generator.APIKey, "GENERATOR_API_KEY")

	intVar(&cfg.TopK, "TOP_K")
	intVar(&cfg.MultihopHops, "MULTIHOP_HOPS")

	stringVar(&cfg.Logging.Level, "LOG_LEVEL")
	stringVar(&cfg.Logging.Format, "LOG_FORMAT")
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreWeaviate:
	default:
		return fmt.Errorf("config: unknown store backend %q (want %q or %q)", c.StoreBackend, StoreMemory, StoreWeaviate)
	}
	if c.StoreBackend == StoreWeaviate && c.Weaviate.Host == "" {
		return fmt.Errorf("config: weaviate backend selected but no host configured")
	}
	if c.Embedding.Endpoint == "" {
		return fmt.Errorf("config: embedding endpoint is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive")
	}
	if c.Weaviate.EmbeddingDim != 0 && c.Weaviate.EmbeddingDim != c.Embedding.Dimension {
		return fmt.Errorf("config: weaviate embedding dim %d does not match embedding model dim %d",
			c.Weaviate.EmbeddingDim, c.Embedding.Dimension)
	}
	if c.Generator.Endpoint == "" {
		return fmt.Errorf("config: generator endpoint is required")
	}
	if c.TopK <= 0 {
		return fmt.Errorf("config: top_k must be positive")
	}
	if c.MultihopHops <= 0 {
		return fmt.Errorf("config: multihop_hops must be positive")
	}
	return nil
}

func stringVar(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func intVar(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func durationVar(target *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
