package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Generation metrics
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_generations_total",
			Help: "Total number of LLM generation calls",
		},
		[]string{"provider", "status"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindred_generation_duration_seconds",
			Help:    "LLM generation call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	generationTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_generation_tokens_total",
			Help: "Total tokens consumed by LLM generation calls",
		},
		[]string{"provider", "direction"},
	)

	// Conversation metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_turns_total",
			Help: "Total number of conversation turns processed",
		},
		[]string{"kind", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindred_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"kind"},
	)

	// Extraction metrics
	extractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_extractions_total",
			Help: "Total number of background memory extractions",
		},
		[]string{"status"},
	)

	memoriesExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_memories_extracted_total",
			Help: "Total number of memory events extracted",
		},
	)

	hooksExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_hooks_extracted_total",
			Help: "Total number of hooks extracted",
		},
	)

	// Director metrics
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_episode_completions_total",
			Help: "Total number of episode completions",
		},
		[]string{"trigger"},
	)

	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_evaluations_total",
			Help: "Total number of evaluations generated",
		},
		[]string{"type", "status"},
	)

	// Background task metrics
	backgroundTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kindred_background_tasks",
			Help: "Number of in-flight background tasks",
		},
		[]string{"name"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call repeatedly.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			generationsTotal,
			generationDuration,
			generationTokens,
			turnsTotal,
			turnDuration,
			extractionsTotal,
			memoriesExtracted,
			hooksExtracted,
			completionsTotal,
			evaluationsTotal,
			backgroundTasks,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordGeneration records one LLM gateway call.
func RecordGeneration(provider, status string, duration time.Duration, tokensIn, tokensOut int) {
	generationsTotal.WithLabelValues(provider, status).Inc()
	generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if tokensIn > 0 {
		generationTokens.WithLabelValues(provider, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		generationTokens.WithLabelValues(provider, "out").Add(float64(tokensOut))
	}
}

// RecordTurn records one conversation turn. Kind is "chat", "stream", or
// "game".
func RecordTurn(kind, status string, duration time.Duration) {
	turnsTotal.WithLabelValues(kind, status).Inc()
	turnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordExtraction records one background extraction outcome.
func RecordExtraction(status string, memories, hooks int) {
	extractionsTotal.WithLabelValues(status).Inc()
	if memories > 0 {
		memoriesExtracted.Add(float64(memories))
	}
	if hooks > 0 {
		hooksExtracted.Add(float64(hooks))
	}
}

// RecordCompletion records an episode completion by trigger.
func RecordCompletion(trigger string) {
	completionsTotal.WithLabelValues(trigger).Inc()
}

// RecordEvaluation records an evaluation generation outcome. Status is
// "ok" or "fallback".
func RecordEvaluation(evalType, status string) {
	evaluationsTotal.WithLabelValues(evalType, status).Inc()
}

// TrackBackgroundTask bumps the in-flight gauge for a named task and
// returns a done func.
func TrackBackgroundTask(name string) func() {
	backgroundTasks.WithLabelValues(name).Inc()
	return func() { backgroundTasks.WithLabelValues(name).Dec() }
}
