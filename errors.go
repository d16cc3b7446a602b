package x402

import (
	"errors"
	"fmt"
)

// PaymentError is the typed error for protocol and settlement failures.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment      = "invalid_payment"
	ErrCodePaymentRequired     = "payment_required"
	ErrCodePaymentExpired      = "payment_expired"
	ErrCodeInsufficientPayment = "insufficient_payment"
	ErrCodeReplayDetected      = "replay_detected"
	ErrCodeNetworkMismatch     = "network_mismatch"
	ErrCodeSignatureInvalid    = "signature_invalid"
	ErrCodeUnsupportedScheme   = "unsupported_scheme"
	ErrCodeUnsupportedNetwork  = "unsupported_network"
	ErrCodeUnsupportedToken    = "unsupported_token"
	ErrCodeNoSigner            = "no_signer"
	ErrCodeNotFound            = "not_found"
	ErrCodeAmountTooSmall      = "amount_too_small"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeSettlementFailed    = "settlement_failed"
	ErrCodeRevertedOnChain     = "reverted_onchain"
	ErrCodeConfirmationTimeout = "confirmation_timeout"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the payment error code from err, or "" if err is not a
// PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a PaymentError with the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
