package tasks

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/pipeline"
)

// ContentReader returns the raw bytes stored for a Data item.
type ContentReader interface {
	ReadContent(ctx context.Context, location string) ([]byte, error)
}

// Document is the loaded text of one Data item.
type Document struct {
	Data *core.Data
	Text string
}

// Source names the document in payloads and search results.
func (d *Document) Source() string {
	if d.Data.Label != "" {
		return d.Data.Label
	}
	return d.Data.Location
}

// DocumentConfig configures the document task.
type DocumentConfig struct {
	// MaxBytes rejects larger items. Zero means no limit.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LoadDocuments builds the "document" task. It reads each Data item's
// content and emits it as a Document. Content that is not UTF-8 text fails
// the run with a validation error.
func LoadDocuments(reader ContentReader, cfg DocumentConfig) pipeline.Task {
	const name = "document"
	task := pipeline.Map(name, func(ctx context.Context, tc *pipeline.TaskContext, d *core.Data) (*Document, error) {
		if cfg.MaxBytes > 0 && d.Size > cfg.MaxBytes {
			return nil, core.NewValidationError("data", fmt.Sprintf("%s is %d bytes, limit is %d", d.Id, d.Size, cfg.MaxBytes))
		}
		raw, err := reader.ReadContent(ctx, d.Location)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", d.Location, err)
		}
		raw = bytes.TrimPrefix(raw, utf8BOM)
		if !utf8.Valid(raw) {
			return nil, core.NewValidationError("data", fmt.Sprintf("%s (%s) is not UTF-8 text", d.Id, d.MimeType))
		}
		tc.Logger.Debug("document loaded", "data", d.Id, "bytes", len(raw))
		return &Document{Data: d, Text: string(raw)}, nil
	}, pipeline.WithConfig(cfg))
	return requireDeps(task, reader != nil, "content reader")
}
