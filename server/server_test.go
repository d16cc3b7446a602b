package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/ledger"
	"github.com/meridianpay/x402/go/settle"
)

const (
	testPayer     = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
	testContract  = "0x3333333333333333333333333333333333333333"
	testAsset     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

var testSig = "0x" + strings.Repeat("ab", 64) + "1b"

type testServer struct {
	server *Server
	ledger *ledger.Memory
}

func newTestServer(opts ...ServerOption) *testServer {
	gin.SetMode(gin.TestMode)
	store := ledger.NewMemory()
	directory := settle.NewStaticDirectory()
	directory.Register("alice", testPayer)
	registry := settle.NewStaticRegistry()
	sim := settle.NewSimulator(settle.DefaultConfig(), store, directory, registry)
	return &testServer{
		server: New(sim, store, directory, registry, opts...),
		ledger: store,
	}
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func batchWitnessBody(nonce string) map[string]interface{} {
	return map[string]interface{}{
		"x402Version": 1,
		"scheme":      x402.SchemeBatchWitness,
		"network":     "eip155:8453",
		"payer":       testPayer,
		"batchWitness": map[string]interface{}{
			"permitted": []map[string]string{
				{"token": testAsset, "amount": "995000"},
				{"token": testAsset, "amount": "5000"},
			},
			"nonce":     nonce,
			"deadline":  time.Now().Add(10 * time.Minute).Unix(),
			"witness":   map[string]interface{}{"recipient": testRecipient, "feeBps": 50},
			"spender":   testContract,
			"signature": testSig,
		},
	}
}

func TestHandleSettleBatchWitness(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodPost, "/x402/settle", batchWitnessBody("42001"))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp x402.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TxHash)
	assert.NotEmpty(t, resp.SettlementID)

	tx, err := ts.ledger.Get(context.Background(), resp.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, settle.StatusConfirmed, tx.Status)
	assert.Equal(t, "1000000", tx.Amount)
	assert.Equal(t, "5000", tx.Fee)
}

func TestHandleSettleAuthTransfer(t *testing.T) {
	ts := newTestServer()
	body := map[string]interface{}{
		"x402Version": 1,
		"scheme":      x402.SchemeAuthTransfer,
		"network":     "eip155:8453",
		"payer":       testPayer,
		"authTransfer": map[string]interface{}{
			"authorization": map[string]interface{}{
				"from":        testPayer,
				"to":          testContract,
				"value":       "1000000",
				"validAfter":  time.Now().Add(-10 * time.Minute).Unix(),
				"validBefore": time.Now().Add(10 * time.Minute).Unix(),
				"nonce":       "0x" + strings.Repeat("55", 32),
			},
			"recipient": testRecipient,
			"signature": testSig,
		},
	}
	w := ts.do(http.MethodPost, "/x402/settle", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp x402.PaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestHandleSettleSchemaViolation(t *testing.T) {
	ts := newTestServer()

	body := batchWitnessBody("42002")
	body["scheme"] = "cheque"
	w := ts.do(http.MethodPost, "/x402/settle", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrCodeInvalidPayment)

	missing := batchWitnessBody("42003")
	delete(missing, "payer")
	w = ts.do(http.MethodPost, "/x402/settle", missing)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSettleBranchMismatch(t *testing.T) {
	ts := newTestServer()
	// Scheme tag says authorization-transfer but only the batch branch is
	// present: the schema passes, the union parser must reject.
	body := batchWitnessBody("42004")
	body["scheme"] = x402.SchemeAuthTransfer
	w := ts.do(http.MethodPost, "/x402/settle", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrCodeInvalidPayment)
}

func TestHandleSettleAuthTransferUnknownNetwork(t *testing.T) {
	ts := newTestServer()
	// An authorization-transfer settles the network's default asset; a network
	// with no configured asset cannot be settled at all.
	body := map[string]interface{}{
		"x402Version": 1,
		"scheme":      x402.SchemeAuthTransfer,
		"network":     "eip155:1",
		"payer":       testPayer,
		"authTransfer": map[string]interface{}{
			"authorization": map[string]interface{}{
				"from":        testPayer,
				"to":          testContract,
				"value":       "1000000",
				"validAfter":  0,
				"validBefore": time.Now().Add(10 * time.Minute).Unix(),
				"nonce":       "0x" + strings.Repeat("66", 32),
			},
			"recipient": testRecipient,
			"signature": testSig,
		},
	}
	w := ts.do(http.MethodPost, "/x402/settle", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), x402.ErrCodeUnsupportedNetwork)
}

func TestHandleVerify(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodPost, "/verify", &x402.VerifyRequest{
		From: "alice", Amount: "1000000", Token: "USDC", Network: "eip155:8453",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result x402.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.True(t, result.Registered)
	assert.Equal(t, testPayer, result.Signer)
	assert.Nil(t, result.BalanceSufficient, "no chain reader configured")
}

func TestHandleVerifyUnknownHandle(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodPost, "/verify", &x402.VerifyRequest{
		From: "mallory", Amount: "1000000", Token: "USDC", Network: "eip155:8453",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result x402.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.False(t, result.Registered)
}

func TestHandleHistoryPaging(t *testing.T) {
	ts := newTestServer()
	for i := 0; i < 5; i++ {
		require.NoError(t, ts.ledger.Create(context.Background(), &settle.Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			Payer:     testPayer,
			Recipient: testRecipient,
			Amount:    "100",
			Status:    settle.StatusPending,
			CreatedAt: time.Now(),
		}))
	}

	w := ts.do(http.MethodGet, "/history/"+testPayer+"?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Items  []*settle.Transaction `json:"items"`
		Total  int                   `json:"total"`
		Limit  int                   `json:"limit"`
		Offset int                   `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "tx-3", page.Items[0].ID, "newest first, offset skips the head")
}

func TestHandleHistoryLimitCap(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodGet, "/history/alice?limit=9999", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"limit":100`)
}

func TestHandleSupported(t *testing.T) {
	ts := newTestServer(WithFeeBps(100))
	w := ts.do(http.MethodGet, "/supported", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp x402.SupportedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0.01", resp.FeeRate)
	require.NotEmpty(t, resp.Networks)
	for _, network := range resp.Networks {
		assert.Contains(t, network.Schemes, x402.SchemeBatchWitness)
		assert.Contains(t, network.Schemes, x402.SchemeAuthTransfer)
		assert.NotEmpty(t, network.Tokens)
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestIsAddress(t *testing.T) {
	assert.True(t, isAddress(testPayer))
	assert.True(t, isAddress(testAsset))
	assert.False(t, isAddress("alice"))
	assert.False(t, isAddress("0x123"))
	assert.False(t, isAddress("0x"+strings.Repeat("zz", 20)))
}
