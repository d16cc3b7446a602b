package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testRequirement() *x402.PaymentRequirement {
	return &x402.PaymentRequirement{
		X402Version: x402.ProtocolVersion,
		Accepts: []x402.AcceptOption{{
			Scheme:             x402.SchemeAuthTransfer,
			Network:            "eip155:8453",
			Asset:              "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Amount:             "1000000",
			PayTo:              "0x2222222222222222222222222222222222222222",
			SettlementContract: "0x3333333333333333333333333333333333333333",
			Treasury:           "0x4444444444444444444444444444444444444444",
			FeeBps:             50,
			MaxDeadline:        time.Now().Add(time.Hour).Unix(),
		}},
		Resource: "/premium",
	}
}

// challengeServer answers the first request with a 402 and accepts any
// request carrying a well-formed payment header.
func challengeServer(t *testing.T, inBody bool) (*httptest.Server, *int) {
	t.Helper()
	paid := 0
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			requirement := testRequirement()
			if inBody {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(nethttp.StatusPaymentRequired)
				json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
					"error":       "payment required",
					"requirement": requirement,
				})
				return
			}
			encoded, err := EncodeRequirementHeader(requirement)
			require.NoError(t, err)
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(nethttp.StatusPaymentRequired)
			return
		}

		payload, err := DecodePaymentHeader(header)
		if err != nil {
			w.WriteHeader(nethttp.StatusBadRequest)
			return
		}
		paid++
		w.WriteHeader(nethttp.StatusOK)
		w.Write([]byte(payload.Payer)) //nolint:errcheck
	}))
	t.Cleanup(server.Close)
	return server, &paid
}

func TestAgentPaysOn402(t *testing.T) {
	server, paid := challengeServer(t, false)
	signer, err := evm.NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	var sawRequirement *x402.PaymentRequirement
	var sawPayload *x402.PaymentPayload
	agent := NewAgent(
		WithSigner(signer, "eip155:*"),
		WithPaymentRequiredCallback(func(r *x402.PaymentRequirement) { sawRequirement = r }),
		WithPaymentSignedCallback(func(p *x402.PaymentPayload) { sawPayload = p }),
	)

	resp, err := agent.Get(context.Background(), server.URL+"/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, *paid)
	require.NotNil(t, sawRequirement)
	assert.Equal(t, "/premium", sawRequirement.Resource)
	require.NotNil(t, sawPayload)
	assert.Equal(t, signer.Address(), sawPayload.Payer)
}

func TestAgentParsesBodyChallenge(t *testing.T) {
	server, paid := challengeServer(t, true)
	signer, err := evm.NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	agent := NewAgent(WithSigner(signer, "eip155:8453"))

	resp, err := agent.Get(context.Background(), server.URL+"/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, *paid)
}

func TestAgentWithoutSigner(t *testing.T) {
	server, _ := challengeServer(t, false)
	agent := NewAgent()

	_, err := agent.Get(context.Background(), server.URL+"/premium")
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeNoSigner, x402.ErrorCode(err))
}

func TestAgentUnsupportedNetwork(t *testing.T) {
	server, _ := challengeServer(t, false)
	signer, err := evm.NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	agent := NewAgent(WithSigner(signer, "eip155:137"))

	_, err = agent.Get(context.Background(), server.URL+"/premium")
	require.Error(t, err)
	assert.Equal(t, x402.ErrCodeUnsupportedNetwork, x402.ErrorCode(err))
}

func TestAgentPassesThroughNon402(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Empty(t, r.Header.Get(HeaderPayment))
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer server.Close()

	agent := NewAgent()
	resp, err := agent.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}

func TestAgentRetryCeiling(t *testing.T) {
	// A server that keeps demanding payment: the agent must stop at its retry
	// ceiling and surface the last 402 instead of looping.
	attempts := 0
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		attempts++
		encoded, err := EncodeRequirementHeader(testRequirement())
		require.NoError(t, err)
		w.Header().Set(HeaderPaymentRequired, encoded)
		w.WriteHeader(nethttp.StatusPaymentRequired)
	}))
	defer server.Close()

	signer, err := evm.NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	agent := NewAgent(WithSigner(signer, "eip155:*"), WithMaxRetries(2))

	resp, err := agent.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestTransportRoundTrip(t *testing.T) {
	server, paid := challengeServer(t, false)
	signer, err := evm.NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	agent := NewAgent(WithSigner(signer, "eip155:*"))
	client := &nethttp.Client{Transport: NewTransport(agent, nil)}

	resp, err := client.Get(server.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, *paid)
}
