package evm

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/meridianpay/x402/go"
)

// SignBatchWitness builds and signs a batch-witness payment payload for the
// given accept option: a permit over the net and fee transfers, bound to the
// recipient and fee rate by the settlement witness.
func SignBatchWitness(ctx context.Context, signer *ClientSigner, opt x402.AcceptOption) (*x402.PaymentPayload, error) {
	net, fee, err := x402.SplitAmount(opt.Amount, opt.FeeBps)
	if err != nil {
		return nil, err
	}
	chainID, err := opt.Network.ChainID()
	if err != nil {
		return nil, err
	}

	nonce, err := randomUint256()
	if err != nil {
		return nil, err
	}
	deadline := paymentDeadline(opt.MaxDeadline)

	payload := &x402.BatchWitnessPayload{
		Permitted: [2]x402.TokenPermission{
			{Token: opt.Asset, Amount: net.String()},
			{Token: opt.Asset, Amount: fee.String()},
		},
		Nonce:    nonce.String(),
		Deadline: deadline,
		Witness: x402.SettlementWitness{
			Recipient: opt.PayTo,
			FeeBps:    opt.FeeBps,
		},
		Spender: opt.SettlementContract,
	}

	permitted := make([]interface{}, len(payload.Permitted))
	for i, perm := range payload.Permitted {
		permitted[i] = map[string]interface{}{
			"token":  perm.Token,
			"amount": perm.Amount,
		}
	}
	domain := TypedDataDomain{
		Name:              BatchWitnessDomainName,
		ChainID:           chainID,
		VerifyingContract: opt.SettlementContract,
	}
	types := map[string][]TypedDataField{
		"EIP712Domain":                   BatchWitnessDomainTypes,
		"PermitBatchWitnessTransferFrom": BatchWitnessTypes["PermitBatchWitnessTransferFrom"],
		"TokenPermissions":               BatchWitnessTypes["TokenPermissions"],
		"SettlementWitness":              BatchWitnessTypes["SettlementWitness"],
	}
	message := map[string]interface{}{
		"permitted": permitted,
		"spender":   opt.SettlementContract,
		"nonce":     nonce.String(),
		"deadline":  big.NewInt(deadline).String(),
		"witness": map[string]interface{}{
			"recipient": opt.PayTo,
			"feeBps":    big.NewInt(int64(opt.FeeBps)).String(),
		},
	}

	signature, err := signer.SignTypedData(ctx, domain, types, "PermitBatchWitnessTransferFrom", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign batch witness: %w", err)
	}
	payload.Signature = hexutil.Encode(signature)

	return &x402.PaymentPayload{
		X402Version:  x402.ProtocolVersion,
		Scheme:       x402.SchemeBatchWitness,
		Network:      opt.Network,
		Payer:        signer.Address(),
		BatchWitness: payload,
	}, nil
}

// SignAuthTransfer builds and signs an authorization-transfer payment payload
// for the given accept option. The authorization is addressed to the
// settlement contract; the payTo recipient rides alongside.
func SignAuthTransfer(ctx context.Context, signer *ClientSigner, opt x402.AcceptOption) (*x402.PaymentPayload, error) {
	chainID, err := opt.Network.ChainID()
	if err != nil {
		return nil, err
	}
	asset, ok := AssetConfigs[opt.Network.String()]
	if !ok || !equalAddress(asset.Address, opt.Asset) {
		return nil, fmt.Errorf("no authorization domain known for asset %s on %s", opt.Asset, opt.Network)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	auth := x402.TransferAuthorization{
		From:        signer.Address(),
		To:          opt.SettlementContract,
		Value:       opt.Amount,
		ValidAfter:  now - ValidAfterBuffer,
		ValidBefore: minInt64(now+DefaultValidityPeriod, opt.MaxDeadline),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	domain := TypedDataDomain{
		Name:              asset.Name,
		Version:           asset.Version,
		ChainID:           chainID,
		VerifyingContract: asset.Address,
	}
	message := map[string]interface{}{
		"from":        auth.From,
		"to":          auth.To,
		"value":       auth.Value,
		"validAfter":  big.NewInt(auth.ValidAfter).String(),
		"validBefore": big.NewInt(auth.ValidBefore).String(),
		"nonce":       auth.Nonce,
	}

	signature, err := signer.SignTypedData(ctx, domain, AuthTransferTypes, "TransferWithAuthorization", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemeAuthTransfer,
		Network:     opt.Network,
		Payer:       signer.Address(),
		AuthTransfer: &x402.AuthTransferPayload{
			Authorization: auth,
			Recipient:     opt.PayTo,
			Signature:     hexutil.Encode(signature),
		},
	}, nil
}

func paymentDeadline(maxDeadline int64) int64 {
	return minInt64(time.Now().Unix()+DefaultValidityPeriod, maxDeadline)
}

func randomUint256() (*big.Int, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
