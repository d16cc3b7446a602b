package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTypedDataDeterministic(t *testing.T) {
	domain := TypedDataDomain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}
	message := map[string]interface{}{
		"from":        "0x1111111111111111111111111111111111111111",
		"to":          "0x2222222222222222222222222222222222222222",
		"value":       "1000000",
		"validAfter":  "0",
		"validBefore": "9999999999",
		"nonce":       "0x5555555555555555555555555555555555555555555555555555555555555555",
	}

	first, err := HashTypedData(domain, AuthTransferTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)
	second, err := HashTypedData(domain, AuthTransferTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 32)

	domain.ChainID = big.NewInt(1)
	other, err := HashTypedData(domain, AuthTransferTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "chain id must change the digest")
}

func TestSignThenRecover(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	domain := TypedDataDomain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}
	message := map[string]interface{}{
		"from":        signer.Address(),
		"to":          "0x2222222222222222222222222222222222222222",
		"value":       "42",
		"validAfter":  "0",
		"validBefore": "9999999999",
		"nonce":       "0x5555555555555555555555555555555555555555555555555555555555555555",
	}

	signature, err := signer.SignTypedData(context.Background(), domain, AuthTransferTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)
	require.Len(t, signature, 65)
	assert.GreaterOrEqual(t, signature[64], byte(27))

	digest, err := HashTypedData(domain, AuthTransferTypes, "TransferWithAuthorization", message)
	require.NoError(t, err)

	recovered, err := RecoverSigner(digest, hexutil.Encode(signature))
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestSplitSignature(t *testing.T) {
	signer, err := NewClientSigner(testPrivateKey)
	require.NoError(t, err)

	domain := TypedDataDomain{Name: "Permit2", ChainID: big.NewInt(8453), VerifyingContract: "0x3333333333333333333333333333333333333333"}
	types := map[string][]TypedDataField{
		"EIP712Domain":      BatchWitnessDomainTypes,
		"SettlementWitness": BatchWitnessTypes["SettlementWitness"],
	}
	message := map[string]interface{}{
		"recipient": "0x2222222222222222222222222222222222222222",
		"feeBps":    "50",
	}
	signature, err := signer.SignTypedData(context.Background(), domain, types, "SettlementWitness", message)
	require.NoError(t, err)

	r, s, v, err := SplitSignature(hexutil.Encode(signature))
	require.NoError(t, err)
	assert.True(t, v == 27 || v == 28)
	assert.Equal(t, signature[0:32], r[:])
	assert.Equal(t, signature[32:64], s[:])

	_, _, _, err = SplitSignature("0xdeadbeef")
	assert.Error(t, err)
}
