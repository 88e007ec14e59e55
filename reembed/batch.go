package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/kgraph/ai"
	"github.com/poiesic/kgraph/core"
)

// PointWriter writes data points back through the storage router.
type PointWriter interface {
	UpsertDataPoints(ctx context.Context, user, datasetID core.ID, dps []*core.DataPoint) error
}

// BatchProcessor embeds batches of data points and writes them back.
type BatchProcessor struct {
	writer         PointWriter
	embedder       ai.Embedder
	user           core.ID
	datasetID      core.ID
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of attempts for embedding calls
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(writer PointWriter, embedder ai.Embedder, user, datasetID core.ID, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		writer:         writer,
		embedder:       embedder,
		user:           user,
		datasetID:      datasetID,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds the index text of points and writes them back. Points
// without index text are skipped. It returns how many points were embedded.
// Vectors are normalized after embedding to ensure compatibility with cosine similarity.
func (bp *BatchProcessor) Process(ctx context.Context, points []*core.DataPoint) (int, error) {
	targets := make([]*core.DataPoint, 0, len(points))
	texts := make([]string, 0, len(points))
	for _, dp := range points {
		if text := dp.IndexText(); text != "" {
			targets = append(targets, dp)
			texts = append(texts, text)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	var embeddings [][]float32
	err := RetryWithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}
	if len(embeddings) != len(targets) {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrEmbeddingMismatch, len(targets), len(embeddings))
	}

	for i, dp := range targets {
		dp.Vector = NormalizeVector(embeddings[i])
	}

	err = RetryWithBackoff(ctx, func() error {
		return bp.writer.UpsertDataPoints(ctx, bp.user, bp.datasetID, targets)
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("failed to update points: %w", err)
	}
	return len(targets), nil
}
