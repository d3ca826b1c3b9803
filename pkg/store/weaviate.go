package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	wvfilters "github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// Reserved property names on the Weaviate class. User meta fields are stored
// as additional properties next to them, relying on Weaviate's auto-schema.
const (
	propContent = "content"
	propDocID   = "doc_id"
	propMeta    = "meta_json"
)

// WeaviateConfig configures the Weaviate-backed store.
type WeaviateConfig struct {
	Host         string        `yaml:"host"`
	Scheme       string        `yaml:"scheme"`
	APIKey       string        `yaml:"api_key"`
	EmbeddingDim int           `yaml:"embedding_dim"`
	Timeout      time.Duration `yaml:"timeout"`
	// QueryLimit bounds unpaginated listing queries.
	QueryLimit int `yaml:"query_limit"`
}

// WeaviateStore is a DocumentStore backed by a Weaviate instance. Vectors are
// supplied client-side (vectorizer "none"); each index maps to one class.
type WeaviateStore struct {
	client *weaviate.Client
	config WeaviateConfig
	logger *slog.Logger

	mu             sync.Mutex
	ensuredClasses map[string]bool
}

// NewWeaviateStore connects to Weaviate and verifies readiness.
func NewWeaviateStore(ctx context.Context, cfg WeaviateConfig, logger *slog.Logger) (*WeaviateStore, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("weaviate: host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.QueryLimit == 0 {
		cfg.QueryLimit = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		clientCfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate: creating client: %w", err)
	}

	s := &WeaviateStore{
		client:         client,
		config:         cfg,
		logger:         logger.With("component", "weaviate-store"),
		ensuredClasses: make(map[string]bool),
	}
	if err := s.CheckHealth(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckHealth implements HealthChecker.
func (s *WeaviateStore) CheckHealth(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: readiness check: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate: instance at %s not ready", s.config.Host)
	}
	return nil
}

// classFor maps an index name to a Weaviate class name, which must start
// with an uppercase letter.
func classFor(index string) string {
	if index == "" {
		index = DefaultIndex
	}
	return strings.ToUpper(index[:1]) + index[1:]
}

func (s *WeaviateStore) ensureClass(ctx context.Context, class string) error {
	s.mu.Lock()
	done := s.ensuredClasses[class]
	s.mu.Unlock()
	if done {
		return nil
	}

	exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: checking class %s: %w", class, err)
	}
	if !exists {
		classObj := &models.Class{
			Class:       class,
			Description: "Documents indexed for embedding retrieval",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: []*models.Property{
				{Name: propContent, DataType: []string{"text"}},
				{Name: propDocID, DataType: []string{"text"}},
				{Name: propMeta, DataType: []string{"text"}},
			},
		}
		err := s.client.Schema().ClassCreator().WithClass(classObj).Do(ctx)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("weaviate: creating class %s: %w", class, err)
		}
		s.logger.Info("created class", "class", class, "embedding_dim", s.config.EmbeddingDim)
	}

	s.mu.Lock()
	s.ensuredClasses[class] = true
	s.mu.Unlock()
	return nil
}

// objectID derives a deterministic Weaviate UUID from the document ID, so
// rewrites of the same document hit the same object.
func objectID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("haystack:"+docID)).String())
}

// WriteDocuments implements DocumentStore.
func (s *WeaviateStore) WriteDocuments(ctx context.Context, docs []*schema.Document, opts WriteOptions) (int, error) {
	opts = opts.withDefaults()
	class := classFor(opts.Index)
	if err := s.ensureClass(ctx, class); err != nil {
		return 0, err
	}

	objects := make([]*models.Object, 0, len(docs))
	written := 0
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := validateDimension(doc, s.config.EmbeddingDim); err != nil {
			return 0, err
		}
		cp := doc.Copy()
		cp.EnsureID()

		if opts.Duplicates != DuplicateOverwrite {
			existing, err := s.getObject(ctx, class, cp.ID, false)
			if err != nil {
				return written, err
			}
			if existing != nil {
				if opts.Duplicates == DuplicateFail {
					return written, fmt.Errorf("%w: %s in index %q", ErrDuplicateDocument, cp.ID, opts.Index)
				}
				continue // skip
			}
		}

		props := map[string]interface{}{
			propContent: cp.Content,
			propDocID:   cp.ID,
		}
		if len(cp.Meta) > 0 {
			metaJSON, err := json.Marshal(cp.Meta)
			if err != nil {
				return written, fmt.Errorf("weaviate: marshaling meta for %s: %w", cp.ID, err)
			}
			props[propMeta] = string(metaJSON)
			for k, v := range cp.Meta {
				if isReservedProp(k) {
					return written, fmt.Errorf("weaviate: meta field %q collides with a reserved property", k)
				}
				props[k] = v
			}
		}

		obj := &models.Object{
			Class:      class,
			ID:         objectID(cp.ID),
			Properties: props,
		}
		if len(cp.Embedding) > 0 {
			obj.Vector = models.C11yVector(cp.Embedding)
		}
		objects = append(objects, obj)
		written++
	}

	if len(objects) == 0 {
		return 0, nil
	}
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate: batch write: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return 0, fmt.Errorf("weaviate: batch write object %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}

	s.logger.Debug("wrote documents", "class", class, "count", written)
	return written, nil
}

func isReservedProp(name string) bool {
	return name == propContent || name == propDocID || name == propMeta || name == "id"
}

func (s *WeaviateStore) getObject(ctx context.Context, class, docID string, withVector bool) (*models.Object, error) {
	getter := s.client.Data().ObjectsGetter().
		WithClassName(class).
		WithID(string(objectID(docID)))
	if withVector {
		getter = getter.WithVector()
	}
	objs, err := getter.Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("weaviate: getting object %s: %w", docID, err)
	}
	if len(objs) == 0 {
		return nil, nil
	}
	return objs[0], nil
}

// GetDocumentByID implements DocumentStore.
func (s *WeaviateStore) GetDocumentByID(ctx context.Context, id string, index string) (*schema.Document, error) {
	obj, err := s.getObject(ctx, classFor(index), id, true)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return objectToDocument(obj), nil
}

// GetDocumentsByID implements DocumentStore.
func (s *WeaviateStore) GetDocumentsByID(ctx context.Context, ids []string, index string) ([]*schema.Document, error) {
	out := make([]*schema.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocumentByID(ctx, id, index)
		if err != nil {
			if strings.Contains(err.Error(), ErrNotFound.Error()) {
				continue
			}
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func objectToDocument(obj *models.Object) *schema.Document {
	doc := &schema.Document{ContentType: schema.ContentTypeText}
	props, _ := obj.Properties.(map[string]interface{})
	if props != nil {
		doc.Content, _ = props[propContent].(string)
		doc.ID, _ = props[propDocID].(string)
		if metaJSON, ok := props[propMeta].(string); ok && metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &doc.Meta)
		}
	}
	if len(obj.Vector) > 0 {
		doc.Embedding = []float32(obj.Vector)
	}
	return doc
}

// GetAllDocuments implements DocumentStore. Filters are evaluated
// client-side against the canonical meta payload, keeping the full filter
// algebra (including $not) available regardless of what the Weaviate where
// grammar supports.
func (s *WeaviateStore) GetAllDocuments(ctx context.Context, index string, filters Filters) ([]*schema.Document, error) {
	class := classFor(index)
	if err := s.ensureClass(ctx, class); err != nil {
		return nil, err
	}

	fields := []graphql.Field{
		{Name: propContent},
		{Name: propDocID},
		{Name: propMeta},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "vector"}}},
	}
	res, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithLimit(s.config.QueryLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate: listing %s: %w", class, err)
	}
	docs, err := parseGraphQLDocuments(res, class, false)
	if err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, doc := range docs {
		ok, err := filters.Matches(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// CountDocuments implements DocumentStore.
func (s *WeaviateStore) CountDocuments(ctx context.Context, index string, filters Filters) (int, error) {
	if len(filters) > 0 {
		docs, err := s.GetAllDocuments(ctx, index, filters)
		if err != nil {
			return 0, err
		}
		return len(docs), nil
	}

	class := classFor(index)
	if err := s.ensureClass(ctx, class); err != nil {
		return 0, err
	}
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate: counting %s: %w", class, err)
	}
	if err := graphQLErrors(res); err != nil {
		return 0, err
	}
	agg, _ := res.Data["Aggregate"].(map[string]interface{})
	items, _ := agg[class].([]interface{})
	if len(items) == 0 {
		return 0, nil
	}
	first, _ := items[0].(map[string]interface{})
	meta, _ := first["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// DeleteDocuments implements DocumentStore.
func (s *WeaviateStore) DeleteDocuments(ctx context.Context, index string, ids []string, filters Filters) error {
	class := classFor(index)

	if len(ids) == 0 && len(filters) == 0 {
		where := wvfilters.Where().
			WithPath([]string{propDocID}).
			WithOperator(wvfilters.Like).
			WithValueText("*")
		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate: deleting all in %s: %w", class, err)
		}
		return nil
	}

	targets := ids
	if len(filters) > 0 {
		docs, err := s.GetAllDocuments(ctx, index, filters)
		if err != nil {
			return err
		}
		idSet := make(map[string]bool, len(ids))
		for _, id := range ids {
			idSet[id] = true
		}
		targets = targets[:0]
		for _, doc := range docs {
			if len(ids) == 0 || idSet[doc.ID] {
				targets = append(targets, doc.ID)
			}
		}
	}

	for _, id := range targets {
		err := s.client.Data().Deleter().
			WithClassName(class).
			WithID(string(objectID(id))).
			Do(ctx)
		if err != nil && !strings.Contains(err.Error(), "404") {
			return fmt.Errorf("weaviate: deleting %s: %w", id, err)
		}
	}
	return nil
}

// DeleteIndex implements DocumentStore.
func (s *WeaviateStore) DeleteIndex(ctx context.Context, index string) error {
	class := classFor(index)
	err := s.client.Schema().ClassDeleter().WithClassName(class).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("weaviate: deleting class %s: %w", class, err)
	}
	s.mu.Lock()
	delete(s.ensuredClasses, class)
	s.mu.Unlock()
	return nil
}

// QueryByEmbedding implements DocumentStore using a nearVector search.
// Weaviate's certainty for the cosine metric is (1+cos)/2, which is exactly
// the scaled score; the raw similarity is recovered as 1-distance.
func (s *WeaviateStore) QueryByEmbedding(ctx context.Context, query EmbeddingQuery) ([]*schema.Document, error) {
	if len(query.QueryEmbedding) == 0 {
		return nil, fmt.Errorf("store: query embedding is empty")
	}
	if s.config.EmbeddingDim > 0 && len(query.QueryEmbedding) != s.config.EmbeddingDim {
		return nil, fmt.Errorf("store: query embedding dimension %d, store expects %d",
			len(query.QueryEmbedding), s.config.EmbeddingDim)
	}
	if query.TopK <= 0 {
		query.TopK = 10
	}
	class := classFor(query.Index)
	if err := s.ensureClass(ctx, class); err != nil {
		return nil, err
	}

	// Over-fetch when filtering client-side, then trim to top-k.
	limit := query.TopK
	if len(query.Filters) > 0 {
		limit = query.TopK * 10
		if limit > s.config.QueryLimit {
			limit = s.config.QueryLimit
		}
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(query.QueryEmbedding)
	fields := []graphql.Field{
		{Name: propContent},
		{Name: propDocID},
		{Name: propMeta},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"}, {Name: "distance"}, {Name: "certainty"},
		}},
	}
	res, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithNearVector(nearVector).
		WithFields(fields...).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate: nearVector query: %w", err)
	}
	docs, err := parseGraphQLDocuments(res, class, query.ScaleScore)
	if err != nil {
		return nil, err
	}

	out := make([]*schema.Document, 0, query.TopK)
	for _, doc := range docs {
		ok, err := query.Filters.Matches(doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, doc)
		if len(out) == query.TopK {
			break
		}
	}
	return out, nil
}

// UpdateEmbeddings implements DocumentStore.
func (s *WeaviateStore) UpdateEmbeddings(ctx context.Context, index string, filters Filters, embed EmbedFunc) (int, error) {
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
		return 0, fmt.Errorf("weaviate: updating embeddings: %w", err)
	}
	if len(embeddings) != len(docs) {
		return 0, fmt.Errorf("weaviate: embedder returned %d vectors for %d documents", len(embeddings), len(docs))
	}
	for i, doc := range docs {
		doc.Embedding = embeddings[i]
	}
	n, err := s.WriteDocuments(ctx, docs, WriteOptions{Index: index, Duplicates: DuplicateOverwrite})
	if err != nil {
		return 0, err
	}
	s.logger.Info("updated embeddings", "index", index, "count", n)
	return n, nil
}

func graphQLErrors(res *models.GraphQLResponse) error {
	if len(res.Errors) > 0 {
		return fmt.Errorf("weaviate: graphql error: %s", res.Errors[0].Message)
	}
	return nil
}

func parseGraphQLDocuments(res *models.GraphQLResponse, class string, scaled bool) ([]*schema.Document, error) {
	if err := graphQLErrors(res); err != nil {
		return nil, err
	}
	get, _ := res.Data["Get"].(map[string]interface{})
	items, _ := get[class].([]interface{})

	docs := make([]*schema.Document, 0, len(items))
	for _, item := range items {
		props, _ := item.(map[string]interface{})
		if props == nil {
			continue
		}
		doc := &schema.Document{ContentType: schema.ContentTypeText}
		doc.Content, _ = props[propContent].(string)
		doc.ID, _ = props[propDocID].(string)
		if metaJSON, ok := props[propMeta].(string); ok && metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &doc.Meta)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if scaled {
				if certainty, ok := additional["certainty"].(float64); ok {
					doc.Score = &certainty
				}
			} else if distance, ok := additional["distance"].(float64); ok {
				sim := 1 - distance
				doc.Score = &sim
			}
			if vec, ok := additional["vector"].([]interface{}); ok {
				doc.Embedding = make([]float32, len(vec))
				for i, v := range vec {
					f, _ := v.(float64)
					doc.Embedding[i] = float32(f)
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
