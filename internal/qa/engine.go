// Package qa answers questions from the knowledge index, remembering every
// answer in the persistent query history.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hotelrag/backend/internal/evaluation"
	"github.com/hotelrag/backend/internal/knowledge"
	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/logger"
	"github.com/hotelrag/backend/pkg/utils"
)

var (
	ErrEmptyQuestion    = errors.New("question is required")
	ErrCacheUnavailable = errors.New("answer cache unavailable")
)

type AnswerStore interface {
	LookupAnswer(ctx context.Context, question string) (*models.QueryRecord, error)
	StoreAnswer(ctx context.Context, record *models.QueryRecord) (bool, error)
	RecentAnswers(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type PassageSource interface {
	Passages(ctx context.Context) ([]models.Passage, error)
	Reset()
}

type KnowledgeIndex interface {
	EnsureCollection(ctx context.Context) error
	EnsurePopulated(ctx context.Context, passages []models.Passage) (int, error)
	RetrieveAndGenerate(ctx context.Context, query string, topK int, instruction string) (*knowledge.Answer, error)
}

type Scorer interface {
	Faithfulness(ctx context.Context, s evaluation.Sample) (float64, error)
}

type Config struct {
	TopK        int
	Instruction string
	Timeout     time.Duration
}

type AskRequest struct {
	Question  string
	Reference string
}

// AskResponse is the wire shape of an answer. The faithfullness spelling is
// kept for compatibility with existing clients.
type AskResponse struct {
	Question        string   `json:"question"`
	GeneratedAnswer string   `json:"generated_answer"`
	Faithfulness    *float64 `json:"faithfullness"`
	ResponseTime    float64  `json:"response_time"`
	Cached          bool     `json:"cached"`
}

// IndexResult reports what an explicit index build did.
type IndexResult struct {
	Passages int `json:"passages"`
	Inserted int `json:"inserted"`
}

type Engine struct {
	store    AnswerStore
	passages PassageSource
	index    KnowledgeIndex
	scorer   Scorer
	cfg      Config

	inflight singleflight.Group
}

func NewEngine(store AnswerStore, passages PassageSource, index KnowledgeIndex, scorer Scorer, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.Instruction == "" {
		cfg.Instruction = "Answer the question in a paragraph using the following context."
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &Engine{
		store:    store,
		passages: passages,
		index:    index,
		scorer:   scorer,
		cfg:      cfg,
	}
}

// answer is what one pipeline run produced or found persisted.
type answer struct {
	text   string
	score  *float64
	cached bool
}

func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	start := time.Now()

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		metrics.AskTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyQuestion
	}

	ans, err := e.ask(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.AskTotal.WithLabelValues("error").Inc()
		logger.Error("Ask failed",
			zap.String("question", req.Question),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	status := "miss"
	if ans.cached {
		status = "hit"
	}
	metrics.AskTotal.WithLabelValues(status).Inc()
	metrics.AskDuration.WithLabelValues(fmt.Sprint(ans.cached)).Observe(elapsed.Seconds())

	return &AskResponse{
		Question:        req.Question,
		GeneratedAnswer: ans.text,
		Faithfulness:    ans.score,
		ResponseTime:    elapsed.Seconds(),
		Cached:          ans.cached,
	}, nil
}

func (e *Engine) ask(ctx context.Context, req AskRequest) (*answer, error) {
	record, err := e.store.LookupAnswer(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	if record != nil {
		metrics.CacheHits.WithLabelValues("answer").Inc()
		logger.Info("Answer cache hit", zap.String("query_id", record.ID))
		return &answer{text: record.GeneratedResponse, score: record.FaithfulnessScore, cached: true}, nil
	}
	metrics.CacheMisses.WithLabelValues("answer").Inc()

	// Identical novel questions in flight share one pipeline run. The run
	// is detached from the first caller so its disconnect does not fail
	// the others; each caller still honours its own context.
	key := utils.HashKey(req.Question, req.Reference)
	ch := e.inflight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
		defer cancel()
		return e.generate(runCtx, req, time.Now())
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*answer), nil
	}
}

func (e *Engine) generate(ctx context.Context, req AskRequest, start time.Time) (*answer, error) {
	passages, err := e.passages.Passages(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.index.EnsureCollection(ctx); err != nil {
		return nil, err
	}
	if _, err := e.index.EnsurePopulated(ctx, passages); err != nil {
		return nil, err
	}

	generated, err := e.index.RetrieveAndGenerate(ctx, req.Question, e.cfg.TopK, e.cfg.Instruction)
	if err != nil {
		return nil, err
	}

	var score *float64
	if req.Reference != "" {
		contexts := make([]string, len(generated.Passages))
		for i, p := range generated.Passages {
			contexts[i] = p.Text
		}
		s, err := e.scorer.Faithfulness(ctx, evaluation.Sample{
			Question:  req.Question,
			Answer:    generated.Text,
			Contexts:  contexts,
			Reference: req.Reference,
		})
		if err != nil {
			return nil, err
		}
		score = &s
	}

	record := &models.QueryRecord{
		ID:                uuid.New().String(),
		UserQuery:         req.Question,
		GeneratedResponse: generated.Text,
		FaithfulnessScore: score,
		LatencyMS:         int(time.Since(start).Milliseconds()),
		CreatedAt:         time.Now(),
	}

	inserted, err := e.store.StoreAnswer(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	if !inserted {
		// another process answered first; its row is the answer from now on
		existing, err := e.store.LookupAnswer(ctx, req.Question)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		}
		if existing != nil {
			return &answer{text: existing.GeneratedResponse, score: existing.FaithfulnessScore, cached: true}, nil
		}
	}

	logger.Info("Question answered",
		zap.String("query_id", record.ID),
		zap.Int("passages", len(generated.Passages)),
		zap.Bool("scored", score != nil),
		zap.Int("latency_ms", record.LatencyMS),
	)

	return &answer{text: generated.Text, score: score}, nil
}

// BuildIndex extracts the documents and populates the knowledge collection
// ahead of the first question. With reset the documents are re-read first;
// entries already in a non-empty collection are left alone either way.
func (e *Engine) BuildIndex(ctx context.Context, reset bool) (*IndexResult, error) {
	if reset {
		e.passages.Reset()
	}

	passages, err := e.passages.Passages(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.index.EnsureCollection(ctx); err != nil {
		return nil, err
	}
	inserted, err := e.index.EnsurePopulated(ctx, passages)
	if err != nil {
		return nil, err
	}

	logger.Info("Knowledge index built",
		zap.Int("passages", len(passages)),
		zap.Int("inserted", inserted),
	)
	return &IndexResult{Passages: len(passages), Inserted: inserted}, nil
}

// History returns the most recent persisted answers, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	records, err := e.store.RecentAnswers(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}
	return records, nil
}
