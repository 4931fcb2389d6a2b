package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/knowledge"
	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/circuitbreaker"
	"github.com/hotelrag/backend/pkg/logger"
	"github.com/hotelrag/backend/pkg/retry"
)

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldSection   = "section"
	fieldIndex     = "idx"
	fieldText      = "text"

	maxTextLen    = 4096
	maxSectionLen = 128
)

type Options struct {
	Address        string
	APIKey         string
	CollectionName string
	VectorDim      int
	Timeout        time.Duration
}

// Client stores knowledge entries in a Milvus or Zilliz Cloud collection.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.NewClient(dialCtx, client.Config{
		Address: opts.Address,
		APIKey:  opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("address", opts.Address),
		zap.String("collection", opts.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: opts.CollectionName,
		vectorDim:      opts.VectorDim,
		timeout:        timeout,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// call runs fn under the breaker with a per-call timeout; idempotent calls
// are retried.
func (m *Client) call(ctx context.Context, idempotent bool, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return m.cb.Execute(ctx, func() error {
		if !idempotent {
			return fn(ctx)
		}
		return retry.Do(ctx, m.retryConfig, func() error { return fn(ctx) })
	})
}

func (m *Client) HasCollection(ctx context.Context) (bool, error) {
	var has bool
	err := m.call(ctx, true, func(ctx context.Context) error {
		var err error
		has, err = m.client.HasCollection(ctx, m.collectionName)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return has, nil
}

func (m *Client) CreateCollection(ctx context.Context) error {
	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Hotel analytics answer passages",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(m.vectorDim),
				},
			},
			{
				Name:     fieldSection,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxSectionLen),
				},
			},
			{
				Name:     fieldIndex,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldText,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxTextLen),
				},
			},
		},
	}

	err := m.call(ctx, false, func(ctx context.Context) error {
		return m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	logger.Info("Collection created", zap.String("collection", m.collectionName))
	return nil
}

// LoadCollection creates the IVF_FLAT index when the embedding field has
// none and loads the collection into memory. A collection whose create was
// interrupted before indexing is completed here.
func (m *Client) LoadCollection(ctx context.Context) error {
	var indexes []entity.Index
	err := m.call(ctx, true, func(ctx context.Context) error {
		var err error
		indexes, err = m.client.DescribeIndex(ctx, m.collectionName, fieldEmbedding)
		return err
	})
	if err != nil || len(indexes) == 0 {
		logger.Info("Embedding index missing, creating it",
			zap.String("collection", m.collectionName),
			zap.NamedError("describe_error", err),
		)

		idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		err = m.call(ctx, true, func(ctx context.Context) error {
			return m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false)
		})
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	err = m.call(ctx, true, func(ctx context.Context) error {
		return m.client.LoadCollection(ctx, m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Debug("Collection loaded", zap.String("collection", m.collectionName))
	return nil
}

// Count returns the flushed row count of the collection.
func (m *Client) Count(ctx context.Context) (int64, error) {
	var stats map[string]string
	err := m.call(ctx, true, func(ctx context.Context) error {
		var err error
		stats, err = m.client.GetCollectionStatistics(ctx, m.collectionName)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get collection statistics: %w", err)
	}

	n, err := strconv.ParseInt(stats["row_count"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid row_count %q: %w", stats["row_count"], err)
	}
	return n, nil
}

func (m *Client) Insert(ctx context.Context, entries []knowledge.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	sections := make([]string, len(entries))
	indexes := make([]int64, len(entries))
	texts := make([]string, len(entries))

	for i, e := range entries {
		if len(e.Embedding) != m.vectorDim {
			return fmt.Errorf("entry %s: embedding has %d dimensions, collection expects %d", e.ID, len(e.Embedding), m.vectorDim)
		}
		ids[i] = e.ID
		embeddings[i] = e.Embedding
		sections[i] = truncate(e.Passage.Section, maxSectionLen)
		indexes[i] = int64(e.Passage.Index)
		texts[i] = truncate(e.Passage.Text, maxTextLen)
	}

	err := m.call(ctx, false, func(ctx context.Context) error {
		_, err := m.client.Insert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar(fieldID, ids),
			entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, embeddings),
			entity.NewColumnVarChar(fieldSection, sections),
			entity.NewColumnInt64(fieldIndex, indexes),
			entity.NewColumnVarChar(fieldText, texts),
		)
		if err != nil {
			return fmt.Errorf("failed to insert entries: %w", err)
		}

		// rows are stored once Insert returns; an unflushed segment only
		// delays the row_count statistic
		if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
			logger.Warn("Failed to flush collection", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Entries inserted into vector DB", zap.Int("count", len(entries)))
	return nil
}

func (m *Client) Search(ctx context.Context, embedding []float32, topK int) ([]knowledge.Hit, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var searchResult []client.SearchResult
	err = m.call(ctx, true, func(ctx context.Context) error {
		var err error
		searchResult, err = m.client.Search(
			ctx,
			m.collectionName,
			[]string{},
			"",
			[]string{fieldSection, fieldIndex, fieldText},
			[]entity.Vector{entity.FloatVector(embedding)},
			fieldEmbedding,
			entity.L2,
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]knowledge.Hit, 0, topK)
	for _, sr := range searchResult {
		sectionCol := sr.Fields.GetColumn(fieldSection)
		indexCol := sr.Fields.GetColumn(fieldIndex)
		textCol := sr.Fields.GetColumn(fieldText)
		if sectionCol == nil || indexCol == nil || textCol == nil {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			section, err := sectionCol.GetAsString(i)
			if err != nil {
				return nil, err
			}
			idx, err := indexCol.GetAsInt64(i)
			if err != nil {
				return nil, err
			}
			text, err := textCol.GetAsString(i)
			if err != nil {
				return nil, err
			}

			hits = append(hits, knowledge.Hit{
				Passage: models.Passage{Section: section, Index: int(idx), Text: text},
				Score:   sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("top_k", topK),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
