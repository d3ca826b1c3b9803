// Package schema defines the core data types shared by the document store,
// retrievers, generators and the HTTP API: documents, answers and feedback
// labels.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ContentType describes the payload carried by a Document.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeTable ContentType = "table"
	ContentTypeImage ContentType = "image"
)

// Default hash keys used to derive a document ID when none is set.
var defaultIDHashKeys = []string{"content"}

// Document is the unit of storage and retrieval. Content holds the raw text,
// Meta carries arbitrary user fields used for filtering, and Embedding holds
// the dense vector once computed.
type Document struct {
	ID          string                 `json:"id"`
	Content     string                 `json:"content"`
	ContentType ContentType            `json:"content_type,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Score       *float64               `json:"score,omitempty"`

	// IDHashKeys selects which fields participate in ID derivation.
	// Supported values: "content", "meta". Defaults to ["content"].
	IDHashKeys []string `json:"id_hash_keys,omitempty"`
}

// NewDocument builds a text document with a derived ID.
func NewDocument(content string, meta map[string]interface{}) *Document {
	doc := &Document{
		Content:     content,
		ContentType: ContentTypeText,
		Meta:        meta,
	}
	doc.ID = doc.HashID()
	return doc
}

// HashID derives the document ID from the fields named by IDHashKeys. Two
// documents with identical hashed fields collide on purpose: the store uses
// the ID for duplicate detection.
func (d *Document) HashID() string {
	keys := d.IDHashKeys
	if len(keys) == 0 {
		keys = defaultIDHashKeys
	}
	h := sha256.New()
	for _, key := range keys {
		switch key {
		case "content":
			h.Write([]byte(d.Content))
		case "meta":
			h.Write(canonicalMeta(d.Meta))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EnsureID fills in a derived ID when the document has none.
func (d *Document) EnsureID() {
	if d.ID == "" {
		d.ID = d.HashID()
	}
}

// Copy returns a deep copy, so store internals never alias caller memory.
func (d *Document) Copy() *Document {
	cp := *d
	if d.Meta != nil {
		cp.Meta = make(map[string]interface{}, len(d.Meta))
		for k, v := range d.Meta {
			cp.Meta[k] = v
		}
	}
	if d.Embedding != nil {
		cp.Embedding = append([]float32(nil), d.Embedding...)
	}
	if d.Score != nil {
		score := *d.Score
		cp.Score = &score
	}
	if d.IDHashKeys != nil {
		cp.IDHashKeys = append([]string(nil), d.IDHashKeys...)
	}
	return &cp
}

// WithScore returns a copy of the document carrying the given score.
func (d *Document) WithScore(score float64) *Document {
	cp := d.Copy()
	cp.Score = &score
	return cp
}

func canonicalMeta(meta map[string]interface{}) []byte {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := make([]byte, 0, 64)
	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, '=')
		v, err := json.Marshal(meta[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", meta[k]))
		}
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}

// AnswerType distinguishes generated from extracted answers.
type AnswerType string

const (
	AnswerTypeGenerative AnswerType = "generative"
	AnswerTypeExtractive AnswerType = "extractive"
)

// Answer is the result of running a query through a pipeline.
type Answer struct {
	Answer      string                 `json:"answer"`
	Type        AnswerType             `json:"type"`
	Score       *float64               `json:"score,omitempty"`
	Query       string                 `json:"query,omitempty"`
	DocumentIDs []string               `json:"document_ids,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	CreatedAt   time.Time              `json:"created_at,omitempty"`
}

// Span marks a character range inside a document's content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Label records user feedback about an answer, used to evaluate retriever
// and generator quality offline.
type Label struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Answer    *Answer   `json:"answer,omitempty"`
	Document  *Document `json:"document,omitempty"`
	IsCorrect bool      `json:"is_correct_answer"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
