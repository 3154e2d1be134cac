package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockGateway struct {
	response *domain.TransactionResponse
	err      error
	calls    int
	creds    domain.Credentials
	req      *domain.TransactionRequest
}

func (m *mockGateway) CreateTransaction(_ context.Context, creds domain.Credentials, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	m.calls++
	m.creds = creds
	m.req = req
	return m.response, m.err
}

func newTxRequest() *domain.TransactionRequest {
	return &domain.TransactionRequest{
		BankCode:    "1022",
		ReturnURL:   "https://shop.example.co/return",
		Description: "Order 55",
		Payer:       domain.Payer{DocumentType: "CC", Document: "1010", Name: "Ana", Surname: "Gómez", Email: "ana@example.co"},
		Payment:     domain.Payment{Amount: domain.Amount{Total: decimal.RequireFromString("50000")}},
	}
}

func TestCreatePSETransaction_Success(t *testing.T) {
	gw := &mockGateway{response: &domain.TransactionResponse{
		OrderID:       "844",
		TransactionID: "tx-1",
		State:         domain.TxStatePending,
		BankURL:       "https://bank.example.co/pay",
	}}
	metrics := observability.NewMetrics()
	creds := domain.Credentials{AuthToken: "tok", MerchantID: "m-1"}
	svc := service.NewPayments(gw, creds, metrics, zap.NewNop())

	in := newTxRequest()
	tx, err := svc.CreatePSETransaction(context.Background(), in)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tx.BankURL == "" || !tx.IsPending() {
		t.Errorf("unexpected response: %+v", tx)
	}
	if gw.calls != 1 {
		t.Errorf("expected exactly one gateway call, got %d", gw.calls)
	}
	if gw.creds != creds {
		t.Errorf("expected configured credentials, got %+v", gw.creds)
	}

	sent := gw.req
	if sent.Reference == "" {
		t.Error("expected a generated reference")
	}
	if sent.Payment.Reference != sent.Reference {
		t.Errorf("payment reference must follow the request reference: %q vs %q", sent.Payment.Reference, sent.Reference)
	}
	if sent.Payment.Description != "Order 55" {
		t.Errorf("expected payment description to default, got %q", sent.Payment.Description)
	}
	if sent.Payment.Amount.Currency != domain.DefaultCurrency || sent.BankInterfaceCode != "0" || sent.Language != "es" {
		t.Errorf("expected defaults to be applied, got %+v", sent)
	}
	if in.Reference != "" {
		t.Error("caller request must not be mutated")
	}

	snap := metrics.GetAnalysisSnapshot()
	if snap.PSETransactions != 1 {
		t.Errorf("expected 1 pse transaction recorded, got %d", snap.PSETransactions)
	}
}

func TestCreatePSETransaction_KeepsCallerReference(t *testing.T) {
	gw := &mockGateway{response: &domain.TransactionResponse{State: domain.TxStateApproved}}
	svc := service.NewPayments(gw, domain.Credentials{}, observability.NewMetrics(), zap.NewNop())

	in := newTxRequest()
	in.Reference = "REF-1"
	in.Payment.Reference = "PAY-1"
	svc.CreatePSETransaction(context.Background(), in)

	if gw.req.Reference != "REF-1" || gw.req.Payment.Reference != "PAY-1" {
		t.Errorf("caller references overwritten: %q %q", gw.req.Reference, gw.req.Payment.Reference)
	}
}

func TestCreatePSETransaction_GatewayRejection(t *testing.T) {
	gw := &mockGateway{err: &domain.ErrGateway{
		StatusCode: 200,
		State:      domain.TxStateDeclined,
		Message:    "declined by bank",
	}}
	metrics := observability.NewMetrics()
	svc := service.NewPayments(gw, domain.Credentials{}, metrics, zap.NewNop())

	_, err := svc.CreatePSETransaction(context.Background(), newTxRequest())

	var gerr *domain.ErrGateway
	if !errors.As(err, &gerr) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if gerr.State != domain.TxStateDeclined {
		t.Errorf("unexpected state: %s", gerr.State)
	}

	snap := metrics.GetAnalysisSnapshot()
	if snap.PSERejected != 1 {
		t.Errorf("expected 1 rejected transaction, got %d", snap.PSERejected)
	}
}

func TestCreatePSETransaction_TransportFailure(t *testing.T) {
	gw := &mockGateway{err: &domain.ErrTransport{Service: "pse", Err: errors.New("connection refused")}}
	svc := service.NewPayments(gw, domain.Credentials{}, observability.NewMetrics(), zap.NewNop())

	_, err := svc.CreatePSETransaction(context.Background(), newTxRequest())

	var terr *domain.ErrTransport
	if !errors.As(err, &terr) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestCreatePSETransaction_Cancelled(t *testing.T) {
	gw := &mockGateway{}
	svc := service.NewPayments(gw, domain.Credentials{}, observability.NewMetrics(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.CreatePSETransaction(ctx, newTxRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if gw.calls != 0 {
		t.Error("gateway must not be called after cancellation")
	}
}
