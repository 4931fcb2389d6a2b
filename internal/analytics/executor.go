package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/pkg/logger"
)

// ReportStore is the relational side the executor needs.
type ReportStore interface {
	CurrentWatermark(ctx context.Context) (float64, error)
	RunReport(ctx context.Context, query string) ([]string, [][]any, error)
}

type Executor struct {
	store         ReportStore
	reportTimeout time.Duration
}

func NewExecutor(store ReportStore, reportTimeout time.Duration) *Executor {
	return &Executor{
		store:         store,
		reportTimeout: reportTimeout,
	}
}

// Execute serves group from cache unless the bookings watermark moved past
// the cached one, in which case every report is rerun and the cache is
// replaced. A failing report is recorded as an error result; it never
// fails the batch. Only a watermark failure is returned as an error.
func (e *Executor) Execute(ctx context.Context, group *Group, cache *Cache) (Results, error) {
	cache.run.Lock()
	defer cache.run.Unlock()

	watermark, err := e.store.CurrentWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics %s: %w", group.Name, err)
	}

	if !cache.IsStale(watermark) {
		metrics.CacheHits.WithLabelValues("analytics:" + group.Name).Inc()
		logger.Debug("Analytics cache hit",
			zap.String("group", group.Name),
			zap.Float64("watermark", watermark),
		)
		return cache.Get(), nil
	}

	metrics.CacheMisses.WithLabelValues("analytics:" + group.Name).Inc()
	start := time.Now()

	results := make(Results, len(group.Reports))
	failed := 0
	for _, report := range group.Reports {
		results[report.Name] = e.runReport(ctx, group.Name, report)
		if results[report.Name].IsErr() {
			failed++
		}
	}

	cache.Update(results, watermark)

	logger.Info("Analytics recomputed",
		zap.String("group", group.Name),
		zap.Int("reports", len(group.Reports)),
		zap.Int("failed", failed),
		zap.Float64("watermark", watermark),
		zap.Duration("took", time.Since(start)),
	)

	return results, nil
}

func (e *Executor) runReport(ctx context.Context, groupName string, report Report) ReportResult {
	if e.reportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.reportTimeout)
		defer cancel()
	}

	columns, values, err := e.store.RunReport(ctx, report.SQL)
	if err != nil {
		metrics.ReportFailures.WithLabelValues(groupName, report.Name).Inc()
		logger.Error("SQL error for report",
			zap.String("group", groupName),
			zap.String("report", report.Name),
			zap.Error(err),
		)
		return Err(err.Error())
	}

	return Ok(rowsFrom(columns, values))
}
