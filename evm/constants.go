// Package evm provides the EVM-side primitives for x402 payments: contract
// ABIs, EIP-712 typed-data construction and signing, and RPC-backed chain
// clients for reading balances and broadcasting settlement transactions.
package evm

import "math/big"

const (
	// Default token decimals for USDC-class stablecoins.
	DefaultDecimals = 6

	// Contract function names.
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionSettle                    = "settle"
	FunctionBalanceOf                 = "balanceOf"

	// Receipt status values.
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultValidityPeriod is the authorization lifetime clients request
	// when a requirement's deadline allows it (1 hour).
	DefaultValidityPeriod = 3600

	// ValidAfterBuffer is how far into the past validAfter is set, so clock
	// skew between client and chain cannot make a fresh authorization
	// not-yet-valid.
	ValidAfterBuffer = 600
)

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
	ChainIDPolygon     = big.NewInt(137)

	// AssetConfigs holds the EIP-712 domain parameters for known assets,
	// keyed by CAIP-2 network. transferWithAuthorization signatures verify
	// against the token contract itself, so name and version must match the
	// deployed token exactly.
	AssetConfigs = map[string]AssetInfo{
		"eip155:8453": {
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			Symbol:   "USDC",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
		"eip155:84532": {
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			Symbol:   "USDC",
			Name:     "USDC",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
		"eip155:137": {
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", // USDC on Polygon
			Symbol:   "USDC",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: DefaultDecimals,
		},
	}

	// TransferWithAuthorizationABI is the EIP-3009 entry point with an
	// unpacked v,r,s signature, as deployed on USDC-class tokens.
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balances.
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20TransferABI for direct treasury-funded transfers.
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// SettlementSettleABI is the settlement contract's witness-settle entry
	// point for the batch-witness scheme: a batch permit over the net and fee
	// transfers plus the witness that pins recipient and fee rate.
	SettlementSettleABI = []byte(`[
		{
			"type": "function",
			"name": "settle",
			"inputs": [
				{
					"name": "permit",
					"type": "tuple",
					"components": [
						{
							"name": "permitted",
							"type": "tuple[]",
							"components": [
								{"name": "token", "type": "address"},
								{"name": "amount", "type": "uint256"}
							]
						},
						{"name": "nonce", "type": "uint256"},
						{"name": "deadline", "type": "uint256"}
					]
				},
				{"name": "owner", "type": "address"},
				{
					"name": "witness",
					"type": "tuple",
					"components": [
						{"name": "recipient", "type": "address"},
						{"name": "feeBps", "type": "uint256"}
					]
				},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		}
	]`)

	// BatchWitnessDomainTypes is the EIP-712 domain shape the settlement
	// contract verifies against: name + chainId + verifyingContract, no
	// version field.
	BatchWitnessDomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// BatchWitnessTypes defines the EIP-712 struct types for the
	// batch-witness scheme. Field order must match the on-chain verifier.
	BatchWitnessTypes = map[string][]TypedDataField{
		"PermitBatchWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions[]"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "SettlementWitness"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"SettlementWitness": {
			{Name: "recipient", Type: "address"},
			{Name: "feeBps", Type: "uint256"},
		},
	}

	// AuthTransferTypes defines the EIP-712 struct type for
	// transferWithAuthorization. The token contract is the verifying
	// contract, with the standard name/version/chainId/contract domain.
	AuthTransferTypes = map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
)

// AssetInfo describes a settleable token on one network.
type AssetInfo struct {
	Address  string
	Symbol   string
	Name     string
	Version  string
	Decimals int32
}

// BatchWitnessDomainName is the domain name the settlement contract
// registers for batch-witness permits.
const BatchWitnessDomainName = "Permit2"
