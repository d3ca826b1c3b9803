package ingest

import (
	"fmt"
	"strings"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// ChunkerConfig controls how documents are split.
type ChunkerConfig struct {
	// ChunkSize is the target chunk length in words.
	ChunkSize int `yaml:"chunk_size"`
	// Overlap is the number of words shared between consecutive chunks.
	Overlap int `yaml:"overlap"`
	// RespectSentences moves chunk boundaries back to the nearest sentence
	// end when one is close enough.
	RespectSentences bool `yaml:"respect_sentences"`
}

// Chunker splits documents into overlapping word-window chunks. Chunk
// metadata carries the parent document ID and the chunk position, so answers
// can be traced back to their source file.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker validates the config and builds a chunker.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("ingest: overlap %d must be smaller than chunk size %d", cfg.Overlap, cfg.ChunkSize)
	}
	return &Chunker{config: cfg}, nil
}

// Chunk splits one document. Short documents come back unchanged except for
// the chunk metadata.
func (c *Chunker) Chunk(doc *schema.Document) []*schema.Document {
	words := strings.Fields(doc.Content)
	if len(words) == 0 {
		return nil
	}

	step := c.config.ChunkSize - c.config.Overlap
	var chunks []*schema.Document
	for start := 0; start < len(words); {
		end := start + c.config.ChunkSize
		if end > len(words) {
			end = len(words)
		}
		if c.config.RespectSentences && end < len(words) {
			end = c.adjustToSentence(words, start, end)
		}

		meta := make(map[string]interface{}, len(doc.Meta)+2)
		for k, v := range doc.Meta {
			meta[k] = v
		}
		meta["parent_id"] = doc.ID
		meta["chunk_index"] = len(chunks)
		chunk := schema.NewDocument(strings.Join(words[start:end], " "), meta)
		chunks = append(chunks, chunk)

		if end == len(words) {
			break
		}
		// Advance from the actual chunk end so sentence-adjusted chunks do
		// not skip words.
		next := end - c.config.Overlap
		if next <= start {
			next = start + step
		}
		start = next
	}
	return chunks
}

// ChunkAll splits a batch of documents.
func (c *Chunker) ChunkAll(docs []*schema.Document) []*schema.Document {
	var out []*schema.Document
	for _, doc := range docs {
		out = append(out, c.Chunk(doc)...)
	}
	return out
}

// adjustToSentence walks back from end looking for a word that closes a
// sentence. Gives up after a third of the chunk and keeps the hard boundary.
func (c *Chunker) adjustToSentence(words []string, start, end int) int {
	limit := end - (end-start)/3
	for i := end - 1; i > limit; i-- {
		w := words[i]
		if strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") {
			return i + 1
		}
	}
	return end
}
