package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ============================================================
// PSE payments
// ============================================================

// Defaults applied when the caller leaves the field empty.
const (
	DefaultCurrency          = "COP"
	DefaultBankInterfaceCode = "0"
	DefaultLanguage          = "es"
)

// Transaction states reported by the gateway.
const (
	TxStateApproved = "APPROVED"
	TxStatePending  = "PENDING"
	TxStateDeclined = "DECLINED"
	TxStateRejected = "REJECTED"
	TxStateError    = "ERROR"
	TxStateExpired  = "EXPIRED"
)

// Credentials authenticate the merchant against the gateway.
type Credentials struct {
	AuthToken  string
	MerchantID string
}

// Payer identifies the paying customer.
type Payer struct {
	DocumentType string `json:"documentType"`
	Document     string `json:"document"`
	Name         string `json:"name"`
	Surname      string `json:"surname"`
	Company      string `json:"company,omitempty"`
	Email        string `json:"email"`
	Mobile       string `json:"mobile,omitempty"`
}

// Amount is a monetary value. Currency and Total always travel together.
type Amount struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
}

// NewAmount returns an amount in the default currency.
func NewAmount(total decimal.Decimal) Amount {
	return Amount{Currency: DefaultCurrency, Total: total}
}

// MarshalJSON writes Total as a bare JSON number with its exact digits.
func (a Amount) MarshalJSON() ([]byte, error) {
	currency := a.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return json.Marshal(struct {
		Currency string          `json:"currency"`
		Total    json.RawMessage `json:"total"`
	}{
		Currency: currency,
		Total:    json.RawMessage(formatTotal(a.Total)),
	})
}

// formatTotal keeps the scale the value was built with, so 10.50 stays 10.50.
func formatTotal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// UnmarshalJSON accepts Total as a number or a string and fills the default
// currency when it is missing.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw struct {
		Currency string          `json:"currency"`
		Total    decimal.Decimal `json:"total"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Currency = raw.Currency
	if a.Currency == "" {
		a.Currency = DefaultCurrency
	}
	a.Total = raw.Total
	return nil
}

// Payment is one payable item.
type Payment struct {
	Reference   string `json:"reference"`
	Description string `json:"description"`
	Amount      Amount `json:"amount"`
}

// TransactionRequest is the full body sent to create a PSE transaction.
type TransactionRequest struct {
	BankCode          string  `json:"bankCode"`
	BankInterfaceCode string  `json:"bankInterfaceCode"`
	ReturnURL         string  `json:"returnURL"`
	Reference         string  `json:"reference"`
	Description       string  `json:"description"`
	Language          string  `json:"language"`
	Payer             Payer   `json:"payer"`
	Payment           Payment `json:"payment"`
	IPAddress         string  `json:"ipAddress"`
	UserAgent         string  `json:"userAgent"`
}

// WithDefaults returns a copy with the defaulted fields filled in.
func (r TransactionRequest) WithDefaults() TransactionRequest {
	if r.BankInterfaceCode == "" {
		r.BankInterfaceCode = DefaultBankInterfaceCode
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if r.Payment.Amount.Currency == "" {
		r.Payment.Amount.Currency = DefaultCurrency
	}
	return r
}

// MarshalJSON always sends the defaulted form.
func (r TransactionRequest) MarshalJSON() ([]byte, error) {
	type plain TransactionRequest
	return json.Marshal(plain(r.WithDefaults()))
}

// UnmarshalJSON fills defaults for fields the sender left out.
func (r *TransactionRequest) UnmarshalJSON(data []byte) error {
	type plain TransactionRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = TransactionRequest(p).WithDefaults()
	return nil
}

// TransactionResponse is the gateway's answer to a creation request.
type TransactionResponse struct {
	OrderID                    string `json:"orderId"`
	TransactionID              string `json:"transactionId"`
	State                      string `json:"transactionState"`
	PaymentNetworkResponseCode string `json:"paymentNetworkResponseCode"`
	TrazabilityCode            string `json:"trazabilityCode"`
	ResponseCode               string `json:"responseCode"`
	ResponseMessage            string `json:"responseMessage"`
	BankURL                    string `json:"bankUrl"`
}

// IsPending reports whether the user must be redirected to BankURL.
func (r *TransactionResponse) IsPending() bool {
	return strings.EqualFold(r.State, TxStatePending)
}

// IsRejected reports whether the gateway refused the transaction.
func (r *TransactionResponse) IsRejected() bool {
	switch strings.ToUpper(r.State) {
	case TxStateDeclined, TxStateRejected, TxStateError, TxStateExpired:
		return true
	}
	return false
}

// TransactionEnvelope is the gateway response body.
type TransactionEnvelope struct {
	Code                string               `json:"code,omitempty"`
	Error               string               `json:"error,omitempty"`
	TransactionResponse *TransactionResponse `json:"transactionResponse"`
}
