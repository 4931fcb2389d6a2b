// Package app builds the service's components from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/analytics"
	"github.com/hotelrag/backend/internal/api/handlers"
	"github.com/hotelrag/backend/internal/cache/redis"
	"github.com/hotelrag/backend/internal/evaluation"
	"github.com/hotelrag/backend/internal/extraction"
	"github.com/hotelrag/backend/internal/knowledge"
	"github.com/hotelrag/backend/internal/llm"
	"github.com/hotelrag/backend/internal/qa"
	"github.com/hotelrag/backend/internal/storage/relational"
	"github.com/hotelrag/backend/internal/vector/milvus"
	"github.com/hotelrag/backend/pkg/config"
	"github.com/hotelrag/backend/pkg/logger"
)

type App struct {
	Config    *config.Config
	Store     *relational.Client
	Registry  *analytics.Registry
	Executor  *analytics.Executor
	Extractor *extraction.Extractor
	Passages  *extraction.Memo
	Vector    *milvus.Client
	Redis     *redis.Client
	Index     *knowledge.Index
	Engine    *qa.Engine

	closers []func() error
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Documents converts the configured document list.
func Documents(cfg *config.Config) []extraction.Document {
	docs := make([]extraction.Document, len(cfg.Documents))
	for i, d := range cfg.Documents {
		docs[i] = extraction.Document{Section: d.Section, Path: d.Path}
	}
	return docs
}

// New connects to every backend. Redis is optional: when enabled but
// unreachable the service runs without the embedding cache.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	store, err := relational.NewClient(relational.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		BookingsTable:   cfg.Database.BookingsTable,
		WatermarkColumn: cfg.Database.WatermarkColumn,
		Timeout:         seconds(cfg.Database.TimeoutSec),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("relational store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if err := store.InitSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("query history schema: %w", err)
	}

	a.Registry = analytics.DefaultRegistry()
	a.Executor = analytics.NewExecutor(store, seconds(cfg.Database.TimeoutSec))

	a.Extractor = extraction.NewExtractor()
	a.Passages = extraction.NewMemo(a.Extractor, Documents(cfg))

	vector, err := milvus.NewClient(ctx, milvus.Options{
		Address:        cfg.Milvus.Address,
		APIKey:         cfg.Milvus.APIKey,
		CollectionName: cfg.Milvus.CollectionName,
		VectorDim:      cfg.Milvus.VectorDim,
		Timeout:        seconds(cfg.Milvus.TimeoutSec),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vector store: %w", err)
	}
	a.Vector = vector
	a.closers = append(a.closers, vector.Close)

	generator := llm.NewClient(llm.Config{
		Name:           "llm",
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        seconds(cfg.LLM.TimeoutSec),
		BatchSize:      cfg.Milvus.BatchSize,
	})

	judge := llm.NewClient(llm.Config{
		Name:      "evaluator",
		BaseURL:   cfg.Evaluator.BaseURL,
		APIKey:    cfg.Evaluator.APIKey,
		Model:     cfg.Evaluator.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   seconds(cfg.Evaluator.TimeoutSec),
	})

	var embedder knowledge.Embedder = generator
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Embedding cache disabled", zap.Error(err))
		} else {
			a.Redis = rc
			a.closers = append(a.closers, rc.Close)
			embedder = knowledge.NewCachedEmbedder(generator, rc, generator.EmbeddingModel(), time.Duration(cfg.Redis.TTLHours)*time.Hour)
		}
	}

	a.Index = knowledge.NewIndex(vector, embedder, generator, cfg.Milvus.BatchSize)
	a.Engine = qa.NewEngine(store, a.Passages, a.Index, evaluation.NewEvaluator(judge), qa.Config{
		TopK:        cfg.QA.TopK,
		Instruction: cfg.QA.Instruction,
		Timeout:     seconds(cfg.QA.TimeoutSec),
	})

	logger.Info("Application components ready",
		zap.String("database", cfg.Database.Driver),
		zap.String("collection", cfg.Milvus.CollectionName),
		zap.Bool("embedding_cache", a.Redis != nil),
		zap.Int("documents", len(cfg.Documents)),
	)

	return a, nil
}

// Checks are the readiness probes of the connected backends.
func (a *App) Checks() map[string]handlers.Check {
	checks := map[string]handlers.Check{
		"database": a.Store.Ping,
		"milvus": func(ctx context.Context) error {
			_, err := a.Vector.HasCollection(ctx)
			return err
		},
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Ping
	}
	return checks
}

// Close releases backends in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close component", zap.Error(err))
		}
	}
	a.closers = nil
}
