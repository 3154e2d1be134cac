package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Payments creates PSE transactions with the merchant credentials loaded at
// startup.
type Payments struct {
	gateway port.PaymentGateway
	creds   domain.Credentials
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewPayments creates the payments service.
func NewPayments(gateway port.PaymentGateway, creds domain.Credentials, metrics *observability.Metrics, logger *zap.Logger) *Payments {
	return &Payments{
		gateway: gateway,
		creds:   creds,
		metrics: metrics,
		logger:  logger,
	}
}

// CreatePSETransaction fills references and defaults, then issues exactly one
// gateway call. Payer data is never logged.
func (p *Payments) CreatePSETransaction(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Payments.CreatePSETransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		p.metrics.RecordRequestDuration("pse_create", time.Since(start))
	}()

	r := req.WithDefaults()
	if r.Reference == "" {
		r.Reference = uuid.NewString()
	}
	if r.Payment.Reference == "" {
		r.Payment.Reference = r.Reference
	}
	if r.Payment.Description == "" {
		r.Payment.Description = r.Description
	}
	span.SetAttributes(attribute.String("pse.reference", r.Reference))

	tx, err := p.gateway.CreateTransaction(ctx, p.creds, &r)
	if err != nil {
		var gw *domain.ErrGateway
		var transport *domain.ErrTransport
		switch {
		case errors.As(err, &gw):
			p.metrics.IncrExternalError("pse", "gateway")
			if gw.State != "" {
				p.metrics.IncrPSETransaction(gw.State)
			}
			p.logger.Warn("pse transaction rejected",
				zap.String("reference", r.Reference),
				zap.Int("status", gw.StatusCode),
				zap.String("state", gw.State),
				zap.String("response_code", gw.ResponseCode),
			)
		case errors.As(err, &transport):
			p.metrics.IncrExternalError("pse", "transport")
			p.logger.Error("pse gateway unreachable",
				zap.String("reference", r.Reference),
				zap.Error(err),
			)
		default:
			p.metrics.IncrExternalError("pse", "unknown")
			p.logger.Error("pse transaction failed",
				zap.String("reference", r.Reference),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("create pse transaction: %w", err)
	}

	p.metrics.IncrPSETransaction(tx.State)
	p.logger.Info("pse transaction created",
		zap.String("reference", r.Reference),
		zap.String("order_id", tx.OrderID),
		zap.String("transaction_id", tx.TransactionID),
		zap.String("state", tx.State),
	)
	return tx, nil
}
