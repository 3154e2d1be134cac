package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AnalysisMetrics is returned by GET /v1/metrics/analysis.
type AnalysisMetrics struct {
	TotalAnalyses        int64   `json:"totalAnalyses"`
	FailedAnalyses       int64   `json:"failedAnalyses"`
	ErrorRate            float64 `json:"errorRate"`
	PromptTokens         int64   `json:"promptTokens"`
	CompletionTokens     int64   `json:"completionTokens"`
	AvgTokensPerAnalysis float64 `json:"avgTokensPerAnalysis"`
	CacheHitRate         float64 `json:"cacheHitRate"`
	PSETransactions      int64   `json:"pseTransactions"`
	PSERejected          int64   `json:"pseRejected"`
	Period               string  `json:"period"`
}
