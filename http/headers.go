// Package http provides the client side of the x402 protocol: the payment
// agent that answers 402 challenges with signed payloads, the header codec
// both sides share, and an HTTP client for the facilitator service.
package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	x402 "github.com/meridianpay/x402/go"
)

// Protocol headers. Values are base64-encoded JSON.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPaymentResponse = "X-Payment-Response"
)

// EncodeRequirementHeader serializes a payment requirement for the 402
// challenge header.
func EncodeRequirementHeader(req *x402.PaymentRequirement) (string, error) {
	return encodeHeader(req)
}

// DecodeRequirementHeader parses a 402 challenge header.
func DecodeRequirementHeader(value string) (*x402.PaymentRequirement, error) {
	var req x402.PaymentRequirement
	if err := decodeHeader(value, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodePaymentHeader serializes a signed payment payload for the retried
// request.
func EncodePaymentHeader(payload *x402.PaymentPayload) (string, error) {
	return encodeHeader(payload)
}

// DecodePaymentHeader parses a payment header. Validation happens during
// unmarshalling, so a decoded payload is always well-formed.
func DecodePaymentHeader(value string) (*x402.PaymentPayload, error) {
	var payload x402.PaymentPayload
	if err := decodeHeader(value, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// EncodeResponseHeader serializes an inline settlement result.
func EncodeResponseHeader(resp *x402.PaymentResponse) (string, error) {
	return encodeHeader(resp)
}

// DecodeResponseHeader parses a settlement result header.
func DecodeResponseHeader(value string) (*x402.PaymentResponse, error) {
	var resp x402.PaymentResponse
	if err := decodeHeader(value, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func encodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeHeader(value string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return fmt.Errorf("invalid header encoding: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid header payload: %w", err)
	}
	return nil
}
