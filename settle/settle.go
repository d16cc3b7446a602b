// Package settle executes verified payment authorizations: it resolves
// identities and tokens, applies fee accounting, broadcasts on-chain
// transfers, and maintains the durable transaction status lifecycle. Live and
// simulated settlement are two implementations of one Settler interface,
// selected once at construction.
package settle

import (
	"context"
	"math/big"
	"time"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
)

// Status is a transaction's position in the settlement lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether the state machine permits moving to next:
// pending → submitted, pending → failed (pre-broadcast rejection),
// submitted → confirmed, submitted → failed (on-chain revert).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusFailed
	case StatusSubmitted:
		return next == StatusConfirmed || next == StatusFailed
	default:
		return false
	}
}

// Transaction is the settlement ledger's unit of record. Created once per
// settlement attempt, mutated only by status transitions, never deleted.
// TxHash stays empty until broadcast.
type Transaction struct {
	ID        string       `json:"id"`
	Payer     string       `json:"payer"`
	Recipient string       `json:"recipient"`
	Amount    string       `json:"amount"`
	Token     string       `json:"token"`
	Network   x402.Network `json:"network"`
	Fee       string       `json:"fee"`
	GasCost   string       `json:"gasCost"`
	TxHash    string       `json:"txHash,omitempty"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Ledger is the transaction store contract. Implementations must reject
// transitions the state machine forbids.
type Ledger interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status Status, txHash string) error
	ListByIdentifier(ctx context.Context, identifier string, limit, offset int) ([]*Transaction, int, error)
}

// IdentityDirectory resolves human handles to addresses and back.
// ResolveAddress returns "" without error when the address has no handle.
type IdentityDirectory interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
	ResolveAddress(ctx context.Context, address string) (string, error)
}

// TokenInfo locates a token on one network.
type TokenInfo struct {
	Address  string
	Decimals int32
}

// ChainRegistry maps (network, symbol) pairs to on-chain token locations.
type ChainRegistry interface {
	TokenInfo(network x402.Network, symbol string) (TokenInfo, error)
	TokenByAddress(network x402.Network, address string) (string, TokenInfo, error)
}

// ChainReader is the read-only chain client for one network.
type ChainReader interface {
	ReadContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error)
	TokenBalance(ctx context.Context, token, account string) (*big.Int, error)
}

// ChainWriter is the signing chain client for one network, funded by the
// treasury key.
type ChainWriter interface {
	Address() string
	WriteContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, args ...interface{}) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*evm.Receipt, error)
}

// NetworkClients pairs the read and write clients for one network. The pair
// is concurrency-safe and independent of every other network's pair.
type NetworkClients struct {
	Reader ChainReader
	Writer ChainWriter
}

// Result reports a completed settlement.
type Result struct {
	TransactionID string       `json:"transactionId"`
	TxHash        string       `json:"txHash"`
	Network       x402.Network `json:"network"`
	Amount        string       `json:"amount"`
	Fee           string       `json:"fee"`
	Net           string       `json:"net"`
}

// Settler executes payments. Settle moves treasury-fronted funds to a
// recipient in human units; SettlePayload executes a verified wire payload
// on-chain in smallest units.
type Settler interface {
	Settle(ctx context.Context, from, to, amount, token string, network x402.Network) (*Result, error)
	SettlePayload(ctx context.Context, payload *x402.PaymentPayload, opt x402.AcceptOption) (*Result, error)
}
