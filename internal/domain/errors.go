package domain

import "fmt"

// Error types for consistent error handling across the BFA.

// ErrTransport indicates the remote service could not be reached at all
// (DNS, dial, timeout, cancelled context, open circuit). Nothing in it is
// attributable to the remote side.
type ErrTransport struct {
	Service string
	Err     error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport error [%s]: %v", e.Service, e.Err)
}

func (e *ErrTransport) Unwrap() error {
	return e.Err
}

// ErrGateway indicates the payment gateway answered but refused the request:
// a non-2xx status, or a 2xx body whose state or code marks a rejection.
type ErrGateway struct {
	StatusCode   int
	State        string
	ResponseCode string
	Message      string
	Body         string

	// Transaction is set when the gateway answered 2xx with a rejected state.
	Transaction *TransactionResponse
}

func (e *ErrGateway) Error() string {
	if e.State != "" {
		return fmt.Sprintf("gateway rejected transaction: state=%s code=%s: %s", e.State, e.ResponseCode, e.Message)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

// ErrParse indicates a response body could not be decoded.
type ErrParse struct {
	Source string
	Err    error
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("parse failed [%s]: %v", e.Source, e.Err)
}

func (e *ErrParse) Unwrap() error {
	return e.Err
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}
