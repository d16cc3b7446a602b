package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/meridianpay/x402/go"
)

// TypedDataDomain is an EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 struct type.
type TypedDataField struct {
	Name string
	Type string
}

// HashTypedData computes the EIP-712 digest
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		converted := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			converted[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = converted
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// BatchWitnessDigest computes the EIP-712 digest a batch-witness payload was
// signed over, verifying against the settlement contract's domain.
func BatchWitnessDigest(payload *x402.BatchWitnessPayload, network x402.Network) ([]byte, error) {
	chainID, err := network.ChainID()
	if err != nil {
		return nil, err
	}
	nonce, ok := new(big.Int).SetString(payload.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %s", payload.Nonce)
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
		VerifyingContract: payload.Spender,
	}
	types := map[string][]TypedDataField{
		"EIP712Domain":                   BatchWitnessDomainTypes,
		"PermitBatchWitnessTransferFrom": BatchWitnessTypes["PermitBatchWitnessTransferFrom"],
		"TokenPermissions":               BatchWitnessTypes["TokenPermissions"],
		"SettlementWitness":              BatchWitnessTypes["SettlementWitness"],
	}
	message := map[string]interface{}{
		"permitted": permitted,
		"spender":   payload.Spender,
		"nonce":     nonce.String(),
		"deadline":  big.NewInt(payload.Deadline).String(),
		"witness": map[string]interface{}{
			"recipient": payload.Witness.Recipient,
			"feeBps":    big.NewInt(int64(payload.Witness.FeeBps)).String(),
		},
	}
	return HashTypedData(domain, types, "PermitBatchWitnessTransferFrom", message)
}

// AuthTransferDigest computes the EIP-712 digest an authorization-transfer
// payload was signed over, verifying against the token contract's domain.
func AuthTransferDigest(payload *x402.AuthTransferPayload, network x402.Network, asset AssetInfo) ([]byte, error) {
	chainID, err := network.ChainID()
	if err != nil {
		return nil, err
	}
	auth := payload.Authorization

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
	return HashTypedData(domain, AuthTransferTypes, "TransferWithAuthorization", message)
}

// RecoverSigner recovers the address that produced a 65-byte hex signature
// over the given EIP-712 digest.
func RecoverSigner(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Normalize v from 27/28 to the 0/1 recovery id crypto expects.
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SplitSignature unpacks a 65-byte hex signature into the r, s, v form the
// transferWithAuthorization ABI takes.
func SplitSignature(signature string) (r, s [32]byte, v uint8, err error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return r, s, 0, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return r, s, 0, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}
