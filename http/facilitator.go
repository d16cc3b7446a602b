package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"time"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/settle"
)

// FacilitatorClient talks to a facilitator's HTTP surface: settlement,
// verification, history, supported networks, and health.
type FacilitatorClient struct {
	baseURL string
	client  *nethttp.Client
}

// FacilitatorOption configures a FacilitatorClient.
type FacilitatorOption func(*FacilitatorClient)

// WithFacilitatorHTTPClient overrides the underlying HTTP client.
func WithFacilitatorHTTPClient(client *nethttp.Client) FacilitatorOption {
	return func(c *FacilitatorClient) { c.client = client }
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string, opts ...FacilitatorOption) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL: baseURL,
		client:  &nethttp.Client{Timeout: DefaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle submits a payment payload for on-chain execution.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *x402.PaymentPayload) (*x402.PaymentResponse, error) {
	var result x402.PaymentResponse
	if err := c.post(ctx, "/x402/settle", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Verify asks the facilitator whether a prospective payment looks viable.
func (c *FacilitatorClient) Verify(ctx context.Context, req *x402.VerifyRequest) (*x402.VerifyResult, error) {
	var result x402.VerifyResult
	if err := c.post(ctx, "/verify", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HistoryPage is one page of an identifier's transaction history.
type HistoryPage struct {
	Items  []*settle.Transaction `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// History fetches the paginated transaction list for a handle or address.
func (c *FacilitatorClient) History(ctx context.Context, identifier string, limit, offset int) (*HistoryPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/history/" + url.PathEscape(identifier)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page HistoryPage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Supported fetches the networks, tokens, schemes, and fee rate the
// facilitator settles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var result x402.SupportedResponse
	if err := c.get(ctx, "/supported", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health probes liveness.
func (c *FacilitatorClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var result map[string]interface{}
	return c.get(ctx, "/health", &result)
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *FacilitatorClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *FacilitatorClient) send(req *nethttp.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read facilitator response: %w", err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		var perr x402.PaymentError
		if jsonErr := json.Unmarshal(data, &perr); jsonErr == nil && perr.Code != "" {
			return &perr
		}
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}
