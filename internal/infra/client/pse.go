package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	pseService            = "pse"
	createTransactionPath = "/payments-api/4.0/service.cgi"
	merchantHeader        = "x-merchant-id"
)

// PSEConfig is fixed when the client is built.
type PSEConfig struct {
	BaseURL     string
	Credentials domain.Credentials
	// LogBodies logs request and response bodies at debug level. They contain
	// payer data, keep it off in production.
	LogBodies bool
}

// PSEClient creates PSE transactions on the payment gateway. It holds no
// per-call state and is safe for concurrent use.
type PSEClient struct {
	httpClient *http.Client
	cfg        PSEConfig
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewPSEClient creates a new PSEClient.
func NewPSEClient(httpClient *http.Client, cfg PSEConfig, cb *gobreaker.CircuitBreaker, logger *zap.Logger) *PSEClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PSEClient{
		httpClient: httpClient,
		cfg:        cfg,
		cb:         cb,
		logger:     logger,
	}
}

// NewPSECircuitBreaker returns a breaker that only trips on transport
// failures. A gateway that answers, even with a decline, is healthy, and so
// is one the caller stopped waiting for.
func NewPSECircuitBreaker() *gobreaker.CircuitBreaker {
	return resilience.NewCircuitBreaker("pse-gateway", func(err error) bool {
		var gw *domain.ErrGateway
		return err == nil || errors.As(err, &gw)
	})
}

// CreateTransaction sends one creation request. It never retries.
// Failures are *domain.ErrTransport or *domain.ErrGateway.
func (c *PSEClient) CreateTransaction(ctx context.Context, creds domain.Credentials, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	ctx, span := tracer.Start(ctx, "PSEClient.CreateTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("pse.reference", req.Reference),
		attribute.String("pse.bank_code", req.BankCode),
	)

	httpReq, err := c.buildCreateTransactionRequest(ctx, c.resolveCredentials(creds), req)
	if err != nil {
		return nil, err
	}

	result, err := c.cb.Execute(func() (any, error) {
		raw, err := doJSON(c.httpClient, httpReq)
		switch {
		case errors.Is(err, errResponseTooLarge):
			return nil, &domain.ErrGateway{StatusCode: raw.StatusCode, Message: err.Error()}
		case err != nil && ctx.Err() != nil:
			// The caller gave up; the gateway may be fine.
			return nil, &domain.ErrTransport{Service: pseService, Err: resilience.CallerAborted(ctx.Err())}
		case err != nil:
			return nil, &domain.ErrTransport{Service: pseService, Err: err}
		}
		c.logBody("pse: response body", raw.Body, zap.Int("status", raw.StatusCode))
		return decodeTransaction(raw)
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			err = &domain.ErrTransport{Service: pseService, Err: &domain.ErrCircuitOpen{Service: pseService}}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tx := result.(*domain.TransactionResponse)
	span.SetAttributes(attribute.String("pse.state", tx.State))
	return tx, nil
}

// buildCreateTransactionRequest maps the operation onto POST service.cgi
// with the gateway's auth headers.
func (c *PSEClient) buildCreateTransactionRequest(ctx context.Context, creds domain.Credentials, req *domain.TransactionRequest) (*http.Request, error) {
	httpReq, body, err := newJSONRequest(ctx, c.cfg.BaseURL+createTransactionPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", creds.AuthToken)
	httpReq.Header.Set(merchantHeader, creds.MerchantID)

	c.logBody("pse: request body", body)
	return httpReq, nil
}

// resolveCredentials falls back to the configured credentials field by field.
func (c *PSEClient) resolveCredentials(creds domain.Credentials) domain.Credentials {
	if creds.AuthToken == "" {
		creds.AuthToken = c.cfg.Credentials.AuthToken
	}
	if creds.MerchantID == "" {
		creds.MerchantID = c.cfg.Credentials.MerchantID
	}
	return creds
}

func (c *PSEClient) logBody(msg string, body []byte, fields ...zap.Field) {
	if !c.cfg.LogBodies {
		return
	}
	c.logger.Debug(msg, append(fields, zap.ByteString("body", body))...)
}

// decodeTransaction classifies a gateway answer.
func decodeTransaction(raw *rawResponse) (*domain.TransactionResponse, error) {
	if !raw.ok() {
		return nil, &domain.ErrGateway{
			StatusCode: raw.StatusCode,
			Message:    gatewayMessage(raw.Body),
			Body:       snippet(raw.Body),
		}
	}

	var env domain.TransactionEnvelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return nil, &domain.ErrGateway{
			StatusCode: raw.StatusCode,
			Message:    fmt.Sprintf("malformed response body: %v", err),
			Body:       snippet(raw.Body),
		}
	}

	if strings.EqualFold(env.Code, "ERROR") || env.TransactionResponse == nil {
		msg := env.Error
		if msg == "" {
			msg = "response has no transactionResponse"
		}
		return nil, &domain.ErrGateway{
			StatusCode: raw.StatusCode,
			Message:    msg,
			Body:       snippet(raw.Body),
		}
	}

	tx := env.TransactionResponse
	if tx.IsRejected() {
		return nil, &domain.ErrGateway{
			StatusCode:   raw.StatusCode,
			State:        tx.State,
			ResponseCode: tx.ResponseCode,
			Message:      tx.ResponseMessage,
			Transaction:  tx,
		}
	}
	return tx, nil
}

// gatewayMessage pulls a human readable reason out of an error body.
func gatewayMessage(body []byte) string {
	var payload struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, s := range []string{payload.Error, payload.Message, payload.Description} {
			if s != "" {
				return s
			}
		}
	}
	if len(body) == 0 {
		return "empty response body"
	}
	return snippet(body)
}
