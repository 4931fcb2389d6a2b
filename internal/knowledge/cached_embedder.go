package knowledge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/pkg/logger"
	"github.com/hotelrag/backend/pkg/utils"
)

// EmbeddingCache stores embeddings by key. A miss is (nil, false, nil).
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder consults cache before embedding a single text. Cache
// failures fall through to the wrapped embedder.
type CachedEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashKey(c.model, text)

	embedding, ok, err := c.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return embedding, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	embedding, err = c.next.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, embedding, c.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return embedding, nil
}

// GenerateBatchEmbeddings is only used when populating the collection, so
// it goes straight to the backend.
func (c *CachedEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.GenerateBatchEmbeddings(ctx, texts)
}
