package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotelrag_ask_duration_seconds",
			Help:    "Ask processing duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"cached"},
	)

	AskTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelrag_ask_total",
			Help: "Total number of ask requests by outcome",
		},
		[]string{"status"},
	)

	AnalyticsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotelrag_analytics_duration_seconds",
			Help:    "Analytics endpoint duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		},
		[]string{"group"},
	)

	ReportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelrag_report_failures_total",
			Help: "Analytics reports that failed to execute",
		},
		[]string{"group", "report"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelrag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelrag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	FaithfulnessScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hotelrag_faithfulness_score",
			Help:    "Faithfulness scores of generated answers",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievedPassages = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hotelrag_retrieved_passages",
			Help:    "Number of passages retrieved per generated answer",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	PassagesIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hotelrag_passages_indexed_total",
			Help: "Passages inserted into the vector collection",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotelrag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AskDuration,
			AskTotal,
			AnalyticsDuration,
			ReportFailures,
			CacheHits,
			CacheMisses,
			FaithfulnessScore,
			RetrievedPassages,
			PassagesIndexed,
			LLMTokensUsed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
