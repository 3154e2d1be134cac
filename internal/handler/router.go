package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// maxBatchSize bounds POST /v1/analysis/batch.
const maxBatchSize = 32

// HealthCheck checks one dependency for GET /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterConfig carries the HTTP-layer settings.
type RouterConfig struct {
	// JWTSecret enables HS256 bearer auth on /v1 when non-empty.
	JWTSecret      string
	AllowedOrigins []string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(
	analyzer *service.Analyzer,
	payments *service.Payments,
	checks []HealthCheck,
	metrics *observability.Metrics,
	cfg RouterConfig,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(checks))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(JWTAuthMiddleware([]byte(cfg.JWTSecret), logger))
		}

		r.Post("/payments/pse", createPSETransactionHandler(payments, logger))

		r.Post("/analysis", analyzeFileHandler(analyzer, logger))
		r.Post("/analysis/batch", analyzeBatchHandler(analyzer, logger))
		r.Post("/analysis/stream", streamAnalysisHandler(analyzer, logger))

		r.Get("/metrics/analysis", analysisMetricsHandler(metrics))
	})

	return r
}

// ============================================================
// Payments
// ============================================================

func createPSETransactionHandler(svc *service.Payments, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/pse")
		defer span.End()

		var req domain.TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.IPAddress == "" {
			req.IPAddress = clientIP(r)
		}
		if req.UserAgent == "" {
			req.UserAgent = r.UserAgent()
		}
		span.SetAttributes(attribute.String("pse.bank_code", req.BankCode))
		if sub := SubjectFromContext(ctx); sub != "" {
			span.SetAttributes(attribute.String("auth.subject", sub))
		}

		tx, err := svc.CreatePSETransaction(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, tx)
	}
}

// clientIP strips the port chi's RealIP leaves on RemoteAddr when no proxy
// header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ============================================================
// Analysis
// ============================================================

func analyzeFileHandler(svc *service.Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/analysis")
		defer span.End()

		var req domain.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validateAnalysis(&req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := svc.AnalyzeFile(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func analyzeBatchHandler(svc *service.Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/analysis/batch")
		defer span.End()

		var req domain.BatchAnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Items) == 0 {
			handleServiceError(w, &domain.ErrValidation{Field: "items", Message: "at least one item is required"}, logger)
			return
		}
		if len(req.Items) > maxBatchSize {
			handleServiceError(w, &domain.ErrValidation{Field: "items", Message: "too many items"}, logger)
			return
		}
		for i := range req.Items {
			if err := validateAnalysis(&req.Items[i]); err != nil {
				handleServiceError(w, err, logger)
				return
			}
		}
		span.SetAttributes(attribute.Int("batch.size", len(req.Items)))

		results, err := svc.AnalyzeFiles(ctx, req.Items)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, results)
	}
}

// streamAnalysisHandler writes one JSON object per line as the model
// generates. Errors before the first byte use the normal error mapping; a
// stream that breaks later ends with an {"error": ...} line.
func streamAnalysisHandler(svc *service.Analyzer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/analysis/stream")
		defer span.End()

		var req domain.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validateAnalysis(&req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		chunks, err := svc.StreamAnalysis(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		// Generation can outlive the server's write timeout; the stream ends
		// with ctx instead.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		lines := 0
		for chunk := range chunks {
			if chunk.Err != nil {
				enc.Encode(errorResponse{Error: chunk.Err.Error()})
			} else {
				enc.Encode(chunk.Response)
			}
			lines++
			_ = rc.Flush()
		}
		span.SetAttributes(attribute.Int("stream.lines", lines))
	}
}

func validateAnalysis(req *domain.AnalysisRequest) error {
	if req.File.FileName == "" {
		return &domain.ErrValidation{Field: "file.file_name", Message: "is required"}
	}
	if req.File.Content == "" && len(req.File.Sections) == 0 {
		return &domain.ErrValidation{Field: "file", Message: "content or sections are required"}
	}
	return nil
}

func analysisMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetAnalysisSnapshot())
	}
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		services := []domain.ServiceHealth{{Name: "bfa-api", Status: "healthy"}}
		overall := "healthy"

		for _, c := range checks {
			s := domain.ServiceHealth{Name: c.Name, Status: "healthy"}
			if err := c.Check(ctx); err != nil {
				s.Status = "degraded"
				s.Detail = err.Error()
				overall = "degraded"
			}
			services = append(services, s)
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overall,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
