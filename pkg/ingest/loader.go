// Package ingest loads raw files into documents and splits them into
// retrieval-sized chunks.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/OMGAmici/haystack/pkg/schema"
)

// Loader reads files from disk into documents. Supported formats: .txt, .md,
// .json (a list of {content, meta} objects) and .pdf.
type Loader struct {
	logger *slog.Logger
	// MaxFileSize guards against accidentally ingesting huge binaries.
	MaxFileSize int64
}

// NewLoader builds a loader with a 100 MiB per-file cap.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:      logger.With("component", "document-loader"),
		MaxFileSize: 100 << 20,
	}
}

// jsonDocument is the accepted shape inside .json corpus files.
type jsonDocument struct {
	Content string                 `json:"content"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// LoadFile reads one file and returns the documents it contains. Plain text
// and PDF files produce a single document; JSON files may produce many.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*schema.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: stating %s: %w", path, err)
	}
	if info.Size() > l.MaxFileSize {
		return nil, fmt.Errorf("ingest: %s is %d bytes, exceeds limit of %d", path, info.Size(), l.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(path))
	baseMeta := map[string]interface{}{
		"name":   filepath.Base(path),
		"source": path,
	}

	switch ext {
	case ".txt", ".md":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: reading %s: %w", path, err)
		}
		doc := schema.NewDocument(string(raw), baseMeta)
		return []*schema.Document{doc}, nil

	case ".json":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: reading %s: %w", path, err)
		}
		var entries []jsonDocument
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("ingest: parsing %s: %w", path, err)
		}
		docs := make([]*schema.Document, 0, len(entries))
		for i, entry := range entries {
			if strings.TrimSpace(entry.Content) == "" {
				continue
			}
			meta := map[string]interface{}{}
			for k, v := range baseMeta {
				meta[k] = v
			}
			for k, v := range entry.Meta {
				meta[k] = v
			}
			meta["position"] = i
			docs = append(docs, schema.NewDocument(entry.Content, meta))
		}
		return docs, nil

	case ".pdf":
		text, pages, err := extractPDFText(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: extracting text from %s: %w", path, err)
		}
		baseMeta["pages"] = pages
		doc := schema.NewDocument(text, baseMeta)
		return []*schema.Document{doc}, nil

	default:
		return nil, fmt.Errorf("ingest: unsupported file type %q", ext)
	}
}

// LoadDir walks a directory and loads every supported file. Unsupported
// extensions are skipped, read failures abort the walk.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]*schema.Document, error) {
	var docs []*schema.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md", ".json", ".pdf":
		default:
			return nil
		}
		loaded, err := l.LoadFile(ctx, path)
		if err != nil {
			return err
		}
		docs = append(docs, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walking %s: %w", dir, err)
	}
	l.logger.Info("loaded directory", "dir", dir, "documents", len(docs))
	return docs, nil
}

func extractPDFText(path string) (string, int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", 0, err
	}
	return buf.String(), reader.NumPage(), nil
}
