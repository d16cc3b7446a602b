package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
)

// DefaultRequestTimeout bounds each underlying HTTP call.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxRetries is how many times the agent answers a 402 before giving
// up.
const DefaultMaxRetries = 1

// Agent wraps an HTTP client with automatic 402 handling: it parses the
// payment requirement, signs the first accepted option the configured signer
// supports, and retries the request with the payment header attached.
type Agent struct {
	client            *nethttp.Client
	signer            *evm.ClientSigner
	networks          []x402.Network
	maxRetries        int
	onPaymentRequired func(*x402.PaymentRequirement)
	onPaymentSigned   func(*x402.PaymentPayload)
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *nethttp.Client) AgentOption {
	return func(a *Agent) { a.client = client }
}

// WithSigner sets the payment signer and the networks it may pay on.
// Network patterns may use wildcards, e.g. "eip155:*".
func WithSigner(signer *evm.ClientSigner, networks ...x402.Network) AgentOption {
	return func(a *Agent) {
		a.signer = signer
		a.networks = networks
	}
}

// WithMaxRetries overrides the 402 retry ceiling.
func WithMaxRetries(n int) AgentOption {
	return func(a *Agent) { a.maxRetries = n }
}

// WithPaymentRequiredCallback fires when a 402 challenge is received, before
// signing.
func WithPaymentRequiredCallback(fn func(*x402.PaymentRequirement)) AgentOption {
	return func(a *Agent) { a.onPaymentRequired = fn }
}

// WithPaymentSignedCallback fires after signing, before the retry.
func WithPaymentSignedCallback(fn func(*x402.PaymentPayload)) AgentOption {
	return func(a *Agent) { a.onPaymentSigned = fn }
}

// NewAgent creates a payment agent.
func NewAgent(opts ...AgentOption) *Agent {
	a := &Agent{
		client:     &nethttp.Client{Timeout: DefaultRequestTimeout},
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Do performs the request with automatic 402 handling.
func (a *Agent) Do(req *nethttp.Request) (*nethttp.Response, error) {
	return a.do(req, a.client.Do)
}

// Get performs a GET with automatic 402 handling.
func (a *Agent) Get(ctx context.Context, url string) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return a.Do(req)
}

func (a *Agent) do(req *nethttp.Request, send func(*nethttp.Request) (*nethttp.Response, error)) (*nethttp.Response, error) {
	attempts := 0
	for {
		resp, err := send(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != nethttp.StatusPaymentRequired || attempts >= a.maxRetries {
			return resp, nil
		}
		attempts++

		requirement, err := parseRequirement(resp)
		if err != nil {
			return nil, err
		}
		if a.onPaymentRequired != nil {
			a.onPaymentRequired(requirement)
		}

		payload, err := a.signRequirement(req.Context(), requirement)
		if err != nil {
			return nil, err
		}
		if a.onPaymentSigned != nil {
			a.onPaymentSigned(payload)
		}

		header, err := EncodePaymentHeader(payload)
		if err != nil {
			return nil, err
		}
		retry, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		retry.Header.Set(HeaderPayment, header)
		req = retry
	}
}

// signRequirement picks the first accept option the signer supports and
// signs it. No signer or no supported option is a typed failure, never a
// blind retry.
func (a *Agent) signRequirement(ctx context.Context, requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if a.signer == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeNoSigner, "no payment signer configured", nil)
	}
	for _, opt := range requirement.Accepts {
		if !a.supportsNetwork(opt.Network) {
			continue
		}
		switch opt.Scheme {
		case x402.SchemeBatchWitness:
			return evm.SignBatchWitness(ctx, a.signer, opt)
		case x402.SchemeAuthTransfer:
			return evm.SignAuthTransfer(ctx, a.signer, opt)
		}
	}
	return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedNetwork,
		"no accept option matches the signer's networks", nil)
}

func (a *Agent) supportsNetwork(network x402.Network) bool {
	for _, candidate := range a.networks {
		if network.Match(candidate) {
			return true
		}
	}
	return false
}

// parseRequirement reads a 402 challenge: header first, JSON body fallback
// for transports that cannot reliably surface response headers. The response
// body is consumed either way.
func parseRequirement(resp *nethttp.Response) (*x402.PaymentRequirement, error) {
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()              //nolint:errcheck
	}()

	if value := resp.Header.Get(HeaderPaymentRequired); value != "" {
		return DecodeRequirementHeader(value)
	}

	var body struct {
		Error       string                   `json:"error"`
		Requirement *x402.PaymentRequirement `json:"requirement"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Requirement == nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPayment,
			"402 response carries no payment requirement", nil)
	}
	return body.Requirement, nil
}

func cloneRequest(req *nethttp.Request) (*nethttp.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == nethttp.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry request with non-replayable body")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// Transport is the RoundTripper form of the agent, for callers that prefer
// wiring payments into an existing *http.Client.
type Transport struct {
	agent *Agent
	base  nethttp.RoundTripper
}

// NewTransport wraps base with automatic 402 handling. A nil base uses
// http.DefaultTransport.
func NewTransport(agent *Agent, base nethttp.RoundTripper) *Transport {
	if base == nil {
		base = nethttp.DefaultTransport
	}
	return &Transport{agent: agent, base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	return t.agent.do(req, t.base.RoundTrip)
}
