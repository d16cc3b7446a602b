package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/metrics"
)

// Simulator is the non-network-backed settler for development and testing.
// It applies the same identity resolution, fee accounting, and ledger
// lifecycle as the live Service, then fabricates a synthetic hash and
// confirms immediately instead of broadcasting. Selecting it is an explicit
// construction-time choice, never a silent fallback.
type Simulator struct {
	cfg      Config
	ledger   Ledger
	identity IdentityDirectory
	registry ChainRegistry
	log      *zap.Logger
	rec      metrics.Recorder
}

// NewSimulator creates a simulated settler.
func NewSimulator(cfg Config, ledger Ledger, identity IdentityDirectory, registry ChainRegistry, opts ...Option) *Simulator {
	o := applyOptions(opts)
	return &Simulator{
		cfg:      cfg,
		ledger:   ledger,
		identity: identity,
		registry: registry,
		log:      o.log,
		rec:      o.rec,
	}
}

// Settle performs a simulated treasury payout with real fee math and a
// synthetic transaction hash.
func (s *Simulator) Settle(ctx context.Context, from, to, amount, token string, network x402.Network) (*Result, error) {
	if _, err := s.resolveIdentifier(ctx, from); err != nil {
		return nil, err
	}
	toAddr, err := s.resolveIdentifier(ctx, to)
	if err != nil {
		return nil, err
	}

	gross, fee, net, err := computePayout(s.cfg, amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.TokenInfo(network, token); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedToken,
			fmt.Sprintf("unsupported token %s on %s", token, network), nil)
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		Payer:     from,
		Recipient: toAddr,
		Amount:    gross.String(),
		Token:     token,
		Network:   network,
		Fee:       fee.String(),
		GasCost:   s.cfg.GasEstimate.String(),
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.ledger.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	txHash, err := s.confirmSynthetic(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &Result{
		TransactionID: tx.ID,
		TxHash:        txHash,
		Network:       network,
		Amount:        gross.String(),
		Fee:           fee.String(),
		Net:           net.String(),
	}, nil
}

// SettlePayload records a verified payload as settled without broadcasting.
func (s *Simulator) SettlePayload(ctx context.Context, payload *x402.PaymentPayload, opt x402.AcceptOption) (*Result, error) {
	if err := payload.Validate(); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}
	if !payload.Network.Match(opt.Network) {
		return nil, x402.NewPaymentError(x402.ErrCodeNetworkMismatch,
			fmt.Sprintf("payload network %s does not match %s", payload.Network, opt.Network), nil)
	}

	total, err := payload.TotalAmount()
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}
	net, fee, err := x402.SplitAmount(total.String(), opt.FeeBps)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}
	recipient, err := payload.Recipient()
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}

	symbol := opt.Asset
	if sym, _, err := s.registry.TokenByAddress(payload.Network, opt.Asset); err == nil {
		symbol = sym
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		Payer:     payload.Payer,
		Recipient: recipient,
		Amount:    total.String(),
		Token:     symbol,
		Network:   payload.Network,
		Fee:       fee.String(),
		GasCost:   "0",
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.ledger.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	txHash, err := s.confirmSynthetic(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &Result{
		TransactionID: tx.ID,
		TxHash:        txHash,
		Network:       payload.Network,
		Amount:        total.String(),
		Fee:           fee.String(),
		Net:           net.String(),
	}, nil
}

func (s *Simulator) confirmSynthetic(ctx context.Context, tx *Transaction) (string, error) {
	txHash := hexutil.Encode(crypto.Keccak256(
		[]byte(tx.ID),
		[]byte(tx.CreatedAt.Format(time.RFC3339Nano)),
	))
	if err := s.ledger.UpdateStatus(ctx, tx.ID, StatusSubmitted, txHash); err != nil {
		return "", fmt.Errorf("failed to record broadcast of %s: %w", txHash, err)
	}
	if err := s.ledger.UpdateStatus(ctx, tx.ID, StatusConfirmed, txHash); err != nil {
		return "", fmt.Errorf("failed to record confirmation of %s: %w", txHash, err)
	}
	tx.Status = StatusConfirmed
	tx.TxHash = txHash

	s.log.Info("simulated settlement confirmed",
		zap.String("transaction_id", tx.ID),
		zap.String("tx_hash", txHash),
		zap.String("network", tx.Network.String()))
	s.rec.IncCounter("settlement_simulated", map[string]string{"network": tx.Network.String()})
	return txHash, nil
}

func (s *Simulator) resolveIdentifier(ctx context.Context, identifier string) (string, error) {
	if isHexAddress(identifier) {
		return identifier, nil
	}
	address, err := s.identity.ResolveHandle(ctx, identifier)
	if err != nil {
		return "", x402.NewPaymentError(x402.ErrCodeNotFound,
			fmt.Sprintf("identity not found: %s", identifier), nil)
	}
	return address, nil
}
