package observability

import (
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
	analysesTotal   *prometheus.CounterVec
	pseTransactions *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bfa_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_external_errors_total",
				Help: "Total errors from external services, by failure kind.",
			},
			[]string{"service", "kind"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_llm_tokens_total",
				Help: "Total model tokens consumed.",
			},
			[]string{"type"},
		),
		analysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_analyses_total",
				Help: "Total file analyses by outcome.",
			},
			[]string{"status"},
		),
		pseTransactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bfa_pse_transactions_total",
				Help: "Total PSE transactions created, by gateway state.",
			},
			[]string{"state"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
// kind is "transport", "gateway" or "parse".
func (m *Metrics) IncrExternalError(service, kind string) {
	m.externalErrors.WithLabelValues(service, kind).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrAnalysis counts one analysis with a "success" or "error" status.
func (m *Metrics) IncrAnalysis(status string) {
	m.analysesTotal.WithLabelValues(status).Inc()
}

// IncrPSETransaction counts one created transaction by its gateway state.
func (m *Metrics) IncrPSETransaction(state string) {
	if state == "" {
		state = "unknown"
	}
	m.pseTransactions.WithLabelValues(state).Inc()
}

// GetAnalysisSnapshot returns a snapshot suitable for GET /v1/metrics/analysis.
func (m *Metrics) GetAnalysisSnapshot() *domain.AnalysisMetrics {
	// Prometheus counters expose cumulative values.
	promptTokens := getCounterValue(m.tokensUsed, "prompt")
	completionTokens := getCounterValue(m.tokensUsed, "completion")
	succeeded := getCounterValue(m.analysesTotal, "success")
	failed := getCounterValue(m.analysesTotal, "error")
	cacheHits := getCounterValue(m.cacheHits, "analysis")
	cacheMisses := getCounterValue(m.cacheMisses, "analysis")

	total := succeeded + failed
	avgTokens := float64(0)
	errorRate := float64(0)
	cacheHitRate := float64(0)

	if total > 0 {
		avgTokens = (promptTokens + completionTokens) / total
		errorRate = failed / total
	}
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = cacheHits / (cacheHits + cacheMisses)
	}

	var pseTotal, pseRejected float64
	for _, state := range []string{domain.TxStateApproved, domain.TxStatePending, domain.TxStateDeclined,
		domain.TxStateRejected, domain.TxStateError, domain.TxStateExpired, "unknown"} {
		v := getCounterValue(m.pseTransactions, state)
		pseTotal += v
		switch state {
		case domain.TxStateDeclined, domain.TxStateRejected, domain.TxStateError, domain.TxStateExpired:
			pseRejected += v
		}
	}

	return &domain.AnalysisMetrics{
		TotalAnalyses:        int64(total),
		FailedAnalyses:       int64(failed),
		ErrorRate:            errorRate,
		PromptTokens:         int64(promptTokens),
		CompletionTokens:     int64(completionTokens),
		AvgTokensPerAnalysis: avgTokens,
		CacheHitRate:         cacheHitRate,
		PSETransactions:      int64(pseTotal),
		PSERejected:          int64(pseRejected),
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
