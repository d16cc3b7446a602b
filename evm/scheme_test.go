package evm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/meridianpay/x402/go"
)

const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAcceptOption(scheme string) x402.AcceptOption {
	return x402.AcceptOption{
		Scheme:             scheme,
		Network:            "eip155:8453",
		Asset:              "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:             "1000000",
		PayTo:              "0x2222222222222222222222222222222222222222",
		SettlementContract: "0x3333333333333333333333333333333333333333",
		Treasury:           "0x4444444444444444444444444444444444444444",
		FeeBps:             50,
		MaxDeadline:        time.Now().Add(time.Hour).Unix(),
	}
}

func TestSignBatchWitnessSplitsAmount(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	payload, err := SignBatchWitness(context.Background(), signer, testAcceptOption(x402.SchemeBatchWitness))
	require.NoError(t, err)
	require.NoError(t, payload.Validate())

	bw := payload.BatchWitness
	assert.Equal(t, "995000", bw.Permitted[0].Amount)
	assert.Equal(t, "5000", bw.Permitted[1].Amount)
	assert.Equal(t, bw.Permitted[0].Token, bw.Permitted[1].Token)
	assert.Equal(t, 50, bw.Witness.FeeBps)
	assert.Equal(t, signer.Address(), payload.Payer)
	assert.LessOrEqual(t, bw.Deadline, testAcceptOption(x402.SchemeBatchWitness).MaxDeadline)
}

func TestSignBatchWitnessRecoverable(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	payload, err := SignBatchWitness(context.Background(), signer, testAcceptOption(x402.SchemeBatchWitness))
	require.NoError(t, err)

	digest, err := BatchWitnessDigest(payload.BatchWitness, payload.Network)
	require.NoError(t, err)

	recovered, err := RecoverSigner(digest, payload.BatchWitness.Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestSignAuthTransfer(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	opt := testAcceptOption(x402.SchemeAuthTransfer)

	payload, err := SignAuthTransfer(context.Background(), signer, opt)
	require.NoError(t, err)
	require.NoError(t, payload.Validate())

	auth := payload.AuthTransfer.Authorization
	assert.Equal(t, signer.Address(), auth.From)
	assert.Equal(t, opt.SettlementContract, auth.To)
	assert.Equal(t, opt.Amount, auth.Value)
	assert.Equal(t, opt.PayTo, payload.AuthTransfer.Recipient)
	assert.Less(t, auth.ValidAfter, time.Now().Unix())
	assert.Greater(t, auth.ValidBefore, time.Now().Unix())
	assert.LessOrEqual(t, auth.ValidBefore, opt.MaxDeadline)
}

func TestSignAuthTransferRecoverable(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	opt := testAcceptOption(x402.SchemeAuthTransfer)

	payload, err := SignAuthTransfer(context.Background(), signer, opt)
	require.NoError(t, err)

	asset := AssetConfigs[opt.Network.String()]
	digest, err := AuthTransferDigest(payload.AuthTransfer, payload.Network, asset)
	require.NoError(t, err)

	recovered, err := RecoverSigner(digest, payload.AuthTransfer.Signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestSignAuthTransferUnknownAsset(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	opt := testAcceptOption(x402.SchemeAuthTransfer)
	opt.Asset = "0x9999999999999999999999999999999999999999"

	_, err = SignAuthTransfer(context.Background(), signer, opt)
	assert.Error(t, err)
}

func TestSignAuthTransferNoncesDiffer(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)
	opt := testAcceptOption(x402.SchemeAuthTransfer)

	first, err := SignAuthTransfer(context.Background(), signer, opt)
	require.NoError(t, err)
	second, err := SignAuthTransfer(context.Background(), signer, opt)
	require.NoError(t, err)
	assert.NotEqual(t,
		first.AuthTransfer.Authorization.Nonce,
		second.AuthTransfer.Authorization.Nonce)
}
