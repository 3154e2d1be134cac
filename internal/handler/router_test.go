package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/handler"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// --- Mocks ---

type stubGateway struct {
	response *domain.TransactionResponse
	err      error
	got      *domain.TransactionRequest
}

func (s *stubGateway) CreateTransaction(_ context.Context, _ domain.Credentials, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	s.got = req
	return s.response, s.err
}

type stubGenerator struct {
	response *domain.GenerationResponse
	err      error
	chunks   []domain.GenerationChunk
}

func (s *stubGenerator) Generate(_ context.Context, _ *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	return s.response, s.err
}

func (s *stubGenerator) GenerateStream(ctx context.Context, _ *domain.GenerationRequest) (<-chan domain.GenerationChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan domain.GenerationChunk)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newTestRouter(gw *stubGateway, gen *stubGenerator, cfg handler.RouterConfig, checks ...handler.HealthCheck) http.Handler {
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	return handler.NewRouter(
		service.NewAnalyzer(gen, nil, "llama3.2", 2, metrics, logger),
		service.NewPayments(gw, domain.Credentials{AuthToken: "t", MerchantID: "m"}, metrics, logger),
		checks,
		metrics,
		cfg,
		logger,
	)
}

func defaultRouter() http.Handler {
	return newTestRouter(&stubGateway{}, &stubGenerator{}, handler.RouterConfig{})
}

func post(router http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const paymentBody = `{"bankCode":"1022","returnURL":"https://shop.example.co/r","reference":"R-1","description":"Order",` +
	`"payer":{"documentType":"CC","document":"1010","name":"Ana","surname":"Gómez","email":"ana@example.co"},` +
	`"payment":{"reference":"R-1","description":"Order","amount":{"total":50000}}}`

// --- Operational ---

func TestHealthz(t *testing.T) {
	router := defaultRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_DegradedDependency(t *testing.T) {
	router := newTestRouter(&stubGateway{}, &stubGenerator{}, handler.RouterConfig{},
		handler.HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var health domain.HealthStatus
	json.NewDecoder(rec.Body).Decode(&health)
	if health.Status != "degraded" {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if len(health.Services) != 2 || health.Services[1].Detail == "" {
		t.Errorf("expected redis detail, got %+v", health.Services)
	}
}

func TestReadyz(t *testing.T) {
	router := defaultRouter()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := defaultRouter()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// --- Payments ---

func TestCreatePSETransaction_Created(t *testing.T) {
	gw := &stubGateway{response: &domain.TransactionResponse{OrderID: "1", State: domain.TxStatePending, BankURL: "https://bank.example.co"}}
	router := newTestRouter(gw, &stubGenerator{}, handler.RouterConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/pse", bytes.NewBufferString(paymentBody))
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("User-Agent", "shop-ui/1.0")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gw.got.IPAddress != "192.0.2.10" {
		t.Errorf("expected client ip to be filled, got %q", gw.got.IPAddress)
	}
	if gw.got.UserAgent != "shop-ui/1.0" {
		t.Errorf("expected user agent to be filled, got %q", gw.got.UserAgent)
	}

	var tx domain.TransactionResponse
	json.NewDecoder(rec.Body).Decode(&tx)
	if tx.BankURL != "https://bank.example.co" {
		t.Errorf("unexpected bank url: %s", tx.BankURL)
	}
}

func TestCreatePSETransaction_InvalidBody(t *testing.T) {
	rec := post(defaultRouter(), "/v1/payments/pse", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreatePSETransaction_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"gateway", &domain.ErrGateway{StatusCode: 400, Message: "payer.document is required"}, http.StatusBadGateway},
		{"transport", &domain.ErrTransport{Service: "pse", Err: errors.New("refused")}, http.StatusServiceUnavailable},
		{"circuit", &domain.ErrTransport{Service: "pse", Err: &domain.ErrCircuitOpen{Service: "pse"}}, http.StatusServiceUnavailable},
		{"deadline", &domain.ErrTransport{Service: "pse", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubGateway{err: tt.err}, &stubGenerator{}, handler.RouterConfig{})
			rec := post(router, "/v1/payments/pse", paymentBody)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreatePSETransaction_GatewayDetailsInBody(t *testing.T) {
	gw := &stubGateway{err: &domain.ErrGateway{
		StatusCode:   200,
		State:        domain.TxStateDeclined,
		ResponseCode: "PAYMENT_NETWORK_REJECTED",
		Message:      "declined",
		Transaction:  &domain.TransactionResponse{OrderID: "9", State: domain.TxStateDeclined},
	}}
	rec := post(newTestRouter(gw, &stubGenerator{}, handler.RouterConfig{}), "/v1/payments/pse", paymentBody)

	var body map[string]any
	json.NewDecoder(rec.Body).Decode(&body)
	if body["state"] != domain.TxStateDeclined {
		t.Errorf("expected state in body, got %v", body)
	}
	if _, ok := body["transaction"]; !ok {
		t.Errorf("expected transaction in body, got %v", body)
	}
}

// --- Analysis ---

func TestAnalyzeFile(t *testing.T) {
	gen := &stubGenerator{response: &domain.GenerationResponse{Model: "llama3.2", Response: "A short report.", Done: true}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis", `{"file":{"file_name":"r.txt","file_type":"text","content":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res domain.AnalysisResult
	json.NewDecoder(rec.Body).Decode(&res)
	if !res.Success || res.Analysis != "A short report." {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAnalyzeFile_ModelFailureStill200(t *testing.T) {
	gen := &stubGenerator{err: &domain.ErrExternalService{Service: "ollama", Err: errors.New("offline")}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis", `{"file":{"file_name":"r.txt","content":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var res domain.AnalysisResult
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Success || res.Error == nil {
		t.Errorf("expected failed result, got %+v", res)
	}
}

func TestAnalyzeFile_Validation(t *testing.T) {
	router := defaultRouter()

	for _, body := range []string{
		`{"file":{"content":"x"}}`,
		`{"file":{"file_name":"a.txt"}}`,
	} {
		if rec := post(router, "/v1/analysis", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestStreamAnalysis(t *testing.T) {
	gen := &stubGenerator{chunks: []domain.GenerationChunk{
		{Response: &domain.GenerationResponse{Model: "llama3.2", Response: "A short"}},
		{Response: &domain.GenerationResponse{Model: "llama3.2", Response: " report."}},
		{Response: &domain.GenerationResponse{Model: "llama3.2", Done: true, DoneReason: "stop"}},
	}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis/stream", `{"file":{"file_name":"r.txt","content":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", ct)
	}

	var text string
	var last domain.GenerationResponse
	dec := json.NewDecoder(rec.Body)
	lines := 0
	for dec.More() {
		if err := dec.Decode(&last); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		text += last.Text()
		lines++
	}
	if lines != 3 || text != "A short report." || !last.Done {
		t.Errorf("unexpected stream: %d lines, text %q, done %v", lines, text, last.Done)
	}
}

func TestStreamAnalysis_BreakerOpenIs503(t *testing.T) {
	gen := &stubGenerator{err: &domain.ErrCircuitOpen{Service: "ollama"}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis/stream", `{"file":{"file_name":"r.txt","content":"hello"}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStreamAnalysis_BrokenStreamEndsWithErrorLine(t *testing.T) {
	gen := &stubGenerator{chunks: []domain.GenerationChunk{
		{Response: &domain.GenerationResponse{Response: "partial"}},
		{Err: &domain.ErrParse{Source: "ollama", Err: errors.New("bad line")}},
	}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis/stream", `{"file":{"file_name":"r.txt","content":"hello"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	lines := bytes.Split(bytes.TrimSpace(rec.Body.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), rec.Body.String())
	}
	var tail struct {
		Error string `json:"error"`
	}
	json.Unmarshal(lines[1], &tail)
	if tail.Error == "" {
		t.Errorf("expected error line, got %s", lines[1])
	}
}

func TestStreamAnalysis_Validation(t *testing.T) {
	if rec := post(defaultRouter(), "/v1/analysis/stream", `{"file":{"content":"x"}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	gen := &stubGenerator{response: &domain.GenerationResponse{Response: "ok", Done: true}}
	router := newTestRouter(&stubGateway{}, gen, handler.RouterConfig{})

	rec := post(router, "/v1/analysis/batch",
		`{"items":[{"file":{"file_name":"a","content":"1"}},{"file":{"file_name":"b","content":"2"}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var results []domain.AnalysisResult
	json.NewDecoder(rec.Body).Decode(&results)
	if len(results) != 2 || *results[0].Context != "a" || *results[1].Context != "b" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestAnalyzeBatch_Empty(t *testing.T) {
	if rec := post(defaultRouter(), "/v1/analysis/batch", `{"items":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAnalysisMetrics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/analysis", nil)
	rec := httptest.NewRecorder()
	defaultRouter().ServeHTTP(rec, req)

	var snap domain.AnalysisMetrics
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Period != "all_time" {
		t.Errorf("unexpected period: %s", snap.Period)
	}
}

// --- Auth ---

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	router := newTestRouter(&stubGateway{}, &stubGenerator{}, handler.RouterConfig{JWTSecret: secret})

	valid, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "shop-ui",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "shop-ui",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(secret))
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad format", "Token abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/metrics/analysis", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	// operational endpoints stay open
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected /healthz to skip auth, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	router := newTestRouter(&stubGateway{}, &stubGenerator{}, handler.RouterConfig{AllowedOrigins: []string{"https://shop.example.co"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/payments/pse", nil)
	req.Header.Set("Origin", "https://shop.example.co")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.co" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
}
