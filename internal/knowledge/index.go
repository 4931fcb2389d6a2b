// Package knowledge maintains the vector collection of answer passages and
// answers questions from it.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/logger"
	"github.com/hotelrag/backend/pkg/utils"
)

var ErrIndexUnavailable = errors.New("knowledge index unavailable")

// Entry is a passage with its embedding, as stored in the collection.
type Entry struct {
	ID        string
	Passage   models.Passage
	Embedding []float32
}

// Hit is one search result; lower Score is closer.
type Hit struct {
	Passage models.Passage
	Score   float32
}

type VectorStore interface {
	HasCollection(ctx context.Context) (bool, error)
	CreateCollection(ctx context.Context) error
	// LoadCollection builds the vector index if it is missing and loads the
	// collection for search. Safe to repeat.
	LoadCollection(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Insert(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, embedding []float32, topK int) ([]Hit, error)
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type Generator interface {
	GenerateGrounded(ctx context.Context, query, instruction string, passages []string) (string, error)
}

// Answer is a generated reply and the passages it was conditioned on.
type Answer struct {
	Text     string
	Passages []models.Passage
}

type Index struct {
	store     VectorStore
	embedder  Embedder
	generator Generator
	batchSize int

	// collection guards the check-create-load sequence; ready is set once
	// the collection is known to be searchable.
	collection sync.Mutex
	ready      bool

	// populate serializes EnsurePopulated so two first requests do not both
	// see an empty collection and insert twice. pending holds embedded
	// entries of an interrupted population still to be inserted.
	populate sync.Mutex
	pending  []Entry
}

func NewIndex(store VectorStore, embedder Embedder, generator Generator, batchSize int) *Index {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Index{
		store:     store,
		embedder:  embedder,
		generator: generator,
		batchSize: batchSize,
	}
}

// EnsureCollection creates the collection when it does not exist yet and
// makes sure it is indexed and loaded.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	ix.collection.Lock()
	defer ix.collection.Unlock()

	if ix.ready {
		return nil
	}

	has, err := ix.store.HasCollection(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if !has {
		if err := ix.store.CreateCollection(ctx); err != nil {
			// another process may have created it in the meantime
			if has, herr := ix.store.HasCollection(ctx); herr != nil || !has {
				return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
			}
		} else {
			logger.Info("Knowledge collection created")
		}
	}

	if err := ix.store.LoadCollection(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	ix.ready = true
	return nil
}

// EnsurePopulated inserts every passage when the collection is empty and
// does nothing otherwise. Entries are never updated, so a collection built
// from older documents keeps serving them.
//
// All passages are embedded before the first insert. When an insert fails
// part way, the remaining entries are kept and inserted by the next call
// even though the collection is no longer empty.
func (ix *Index) EnsurePopulated(ctx context.Context, passages []models.Passage) (int, error) {
	ix.populate.Lock()
	defer ix.populate.Unlock()

	if len(ix.pending) > 0 {
		logger.Info("Resuming interrupted population", zap.Int("remaining", len(ix.pending)))
		return ix.insertPending(ctx)
	}

	count, err := ix.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if count > 0 {
		logger.Debug("Knowledge collection already populated", zap.Int64("entries", count))
		return 0, nil
	}

	entries, err := ix.embedAll(ctx, passages)
	if err != nil {
		return 0, err
	}
	ix.pending = entries
	return ix.insertPending(ctx)
}

func (ix *Index) embedAll(ctx context.Context, passages []models.Passage) ([]Entry, error) {
	entries := make([]Entry, 0, len(passages))
	for start := 0; start < len(passages); start += ix.batchSize {
		end := min(start+ix.batchSize, len(passages))
		batch := passages[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}

		embeddings, err := ix.embedder.GenerateBatchEmbeddings(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: embed passages: %w", ErrIndexUnavailable, err)
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("%w: %d embeddings for %d passages", ErrIndexUnavailable, len(embeddings), len(batch))
		}

		for i, p := range batch {
			entries = append(entries, Entry{
				ID:        EntryID(p),
				Passage:   p,
				Embedding: embeddings[i],
			})
		}
	}
	return entries, nil
}

// insertPending drains ix.pending batch by batch. On failure the batches
// not yet stored stay pending.
func (ix *Index) insertPending(ctx context.Context) (int, error) {
	inserted := 0
	for len(ix.pending) > 0 {
		batch := ix.pending[:min(ix.batchSize, len(ix.pending))]
		if err := ix.store.Insert(ctx, batch); err != nil {
			return inserted, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		ix.pending = ix.pending[len(batch):]
		inserted += len(batch)
		metrics.PassagesIndexed.Add(float64(len(batch)))
	}
	ix.pending = nil

	logger.Info("Knowledge collection populated", zap.Int("passages", inserted))
	return inserted, nil
}

// RetrieveAndGenerate answers query from the topK nearest passages.
func (ix *Index) RetrieveAndGenerate(ctx context.Context, query string, topK int, instruction string) (*Answer, error) {
	embedding, err := ix.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrIndexUnavailable, err)
	}

	hits, err := ix.store.Search(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	passages := make([]models.Passage, len(hits))
	texts := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.Passage
		texts[i] = h.Passage.Text
	}
	metrics.RetrievedPassages.Observe(float64(len(hits)))

	text, err := ix.generator.GenerateGrounded(ctx, query, instruction, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %w", ErrIndexUnavailable, err)
	}

	logger.Debug("Answer generated from knowledge index",
		zap.Int("top_k", topK),
		zap.Int("retrieved", len(hits)),
	)

	return &Answer{Text: strings.TrimSpace(text), Passages: passages}, nil
}

// EntryID is stable for a section and index, so re-inserting the same
// passage produces the same primary key.
func EntryID(p models.Passage) string {
	return utils.HashKey(p.Section, strconv.Itoa(p.Index))
}
