package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

// gatewayErrorResponse exposes what the PSE gateway said, never the payer.
type gatewayErrorResponse struct {
	Error         string                      `json:"error"`
	GatewayStatus int                         `json:"gatewayStatus,omitempty"`
	State         string                      `json:"state,omitempty"`
	ResponseCode  string                      `json:"responseCode,omitempty"`
	Transaction   *domain.TransactionResponse `json:"transaction,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var validation *domain.ErrValidation
	var gateway *domain.ErrGateway
	var circuitOpen *domain.ErrCircuitOpen
	var transport *domain.ErrTransport
	var parse *domain.ErrParse
	var timeout *domain.ErrTimeout
	var unauthorized *domain.ErrUnauthorized

	switch {
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &gateway):
		logger.Warn("gateway rejected request",
			zap.Int("gateway_status", gateway.StatusCode),
			zap.String("state", gateway.State),
		)
		writeJSON(w, http.StatusBadGateway, gatewayErrorResponse{
			Error:         gateway.Error(),
			GatewayStatus: gateway.StatusCode,
			State:         gateway.State,
			ResponseCode:  gateway.ResponseCode,
			Transaction:   gateway.Transaction,
		})
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &transport):
		logger.Error("upstream unreachable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &parse):
		logger.Error("malformed upstream response", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
