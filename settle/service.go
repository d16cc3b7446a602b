package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
	"github.com/meridianpay/x402/go/metrics"
)

// Config holds the settlement constants. Fee rate and gas estimate are
// explicit configuration, never process-wide state.
type Config struct {
	// FeeRate is the protocol fee as a fraction of the gross amount.
	FeeRate decimal.Decimal
	// GasEstimate is the fixed per-settlement gas cost deducted from the
	// payout, in the token's human units.
	GasEstimate decimal.Decimal
	// ReceiptTimeout bounds the wait for on-chain confirmation. Expiry is a
	// distinct failure from an on-chain revert.
	ReceiptTimeout time.Duration
}

// DefaultConfig returns the standard fee rate (0.5%), gas estimate (0.02),
// and receipt timeout (90s).
func DefaultConfig() Config {
	return Config{
		FeeRate:        decimal.RequireFromString("0.005"),
		GasEstimate:    decimal.RequireFromString("0.02"),
		ReceiptTimeout: 90 * time.Second,
	}
}

// Service is the live settler: it broadcasts real transactions through
// per-network treasury clients.
type Service struct {
	cfg      Config
	ledger   Ledger
	identity IdentityDirectory
	registry ChainRegistry
	clients  map[x402.Network]NetworkClients
	log      *zap.Logger
	rec      metrics.Recorder
}

// Option configures a Service or Simulator.
type Option func(*options)

type options struct {
	clients map[x402.Network]NetworkClients
	log     *zap.Logger
	rec     metrics.Recorder
}

// WithNetworkClients registers the chain client pair for one network.
func WithNetworkClients(network x402.Network, clients NetworkClients) Option {
	return func(o *options) { o.clients[network] = clients }
}

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics recorder. Defaults to a noop recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) { o.rec = rec }
}

func applyOptions(opts []Option) *options {
	o := &options{
		clients: make(map[x402.Network]NetworkClients),
		log:     zap.NewNop(),
		rec:     metrics.NewNoopRecorder(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewService creates a live settler.
func NewService(cfg Config, ledger Ledger, identity IdentityDirectory, registry ChainRegistry, opts ...Option) *Service {
	o := applyOptions(opts)
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		identity: identity,
		registry: registry,
		clients:  o.clients,
		log:      o.log,
		rec:      o.rec,
	}
}

// Settle pays `to` out of the treasury. The payer is assumed to have already
// delivered the gross amount to the treasury via a verified authorization, so
// withholding the fee means transferring only the net amount out.
func (s *Service) Settle(ctx context.Context, from, to, amount, token string, network x402.Network) (*Result, error) {
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

	clients, ok := s.clients[network]
	if !ok {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("network not configured: %s", network), nil)
	}

	info, err := s.registry.TokenInfo(network, token)
	if err != nil {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeUnsupportedToken,
			fmt.Sprintf("unsupported token %s on %s", token, network), err)
	}

	// Truncate, never round: excess fractional digits are dropped.
	netUnits := net.Shift(info.Decimals).Truncate(0).BigInt()

	balance, err := clients.Reader.TokenBalance(ctx, info.Address, clients.Writer.Address())
	if err != nil {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeSettlementFailed, "failed to read treasury balance", err)
	}
	if balance.Cmp(netUnits) < 0 {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeInsufficientBalance,
			fmt.Sprintf("treasury balance %s below required %s", balance, netUnits), nil)
	}

	txHash, err := clients.Writer.WriteContract(ctx, info.Address, evm.ERC20TransferABI,
		"transfer", common.HexToAddress(toAddr), netUnits)
	if err != nil {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeSettlementFailed, "transfer broadcast failed", err)
	}
	if err := s.markSubmitted(ctx, tx, txHash); err != nil {
		return nil, err
	}

	if err := s.awaitReceipt(ctx, tx, clients.Writer, txHash); err != nil {
		return nil, err
	}

	s.log.Info("settlement confirmed",
		zap.String("transaction_id", tx.ID),
		zap.String("tx_hash", txHash),
		zap.String("network", network.String()),
		zap.String("net", net.String()))
	s.rec.IncCounter("settlement_confirmed", map[string]string{"network": network.String()})

	return &Result{
		TransactionID: tx.ID,
		TxHash:        txHash,
		Network:       network,
		Amount:        gross.String(),
		Fee:           fee.String(),
		Net:           net.String(),
	}, nil
}

// SettlePayload executes a verified payment payload on-chain: the
// batch-witness scheme through the settlement contract's witness-settle
// entry point, the authorization-transfer scheme through the token's
// transferWithAuthorization.
func (s *Service) SettlePayload(ctx context.Context, payload *x402.PaymentPayload, opt x402.AcceptOption) (*Result, error) {
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

	clients, ok := s.clients[payload.Network]
	if !ok {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("network not configured: %s", payload.Network), nil)
	}

	if err := s.verifyPayloadSignature(payload); err != nil {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeSignatureInvalid, err.Error(), err)
	}

	txHash, err := s.broadcastPayload(ctx, clients.Writer, payload, opt)
	if err != nil {
		return nil, s.fail(ctx, tx, "", x402.ErrCodeSettlementFailed, "settlement broadcast failed", err)
	}
	if err := s.markSubmitted(ctx, tx, txHash); err != nil {
		return nil, err
	}

	if err := s.awaitReceipt(ctx, tx, clients.Writer, txHash); err != nil {
		return nil, err
	}

	s.log.Info("payload settlement confirmed",
		zap.String("transaction_id", tx.ID),
		zap.String("tx_hash", txHash),
		zap.String("scheme", payload.Scheme),
		zap.String("network", payload.Network.String()))
	s.rec.IncCounter("settlement_confirmed", map[string]string{"network": payload.Network.String()})

	return &Result{
		TransactionID: tx.ID,
		TxHash:        txHash,
		Network:       payload.Network,
		Amount:        total.String(),
		Fee:           fee.String(),
		Net:           net.String(),
	}, nil
}

func (s *Service) verifyPayloadSignature(payload *x402.PaymentPayload) error {
	var (
		digest    []byte
		signature string
		err       error
	)
	switch payload.Scheme {
	case x402.SchemeBatchWitness:
		digest, err = evm.BatchWitnessDigest(payload.BatchWitness, payload.Network)
		signature = payload.BatchWitness.Signature
	case x402.SchemeAuthTransfer:
		asset, ok := evm.AssetConfigs[payload.Network.String()]
		if !ok {
			return fmt.Errorf("no authorization domain known for network %s", payload.Network)
		}
		digest, err = evm.AuthTransferDigest(payload.AuthTransfer, payload.Network, asset)
		signature = payload.AuthTransfer.Signature
	default:
		return fmt.Errorf("unknown payment scheme: %q", payload.Scheme)
	}
	if err != nil {
		return err
	}
	signer, err := evm.RecoverSigner(digest, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), payload.Payer) {
		return fmt.Errorf("signature recovered %s, payer is %s", signer.Hex(), payload.Payer)
	}
	return nil
}

func (s *Service) broadcastPayload(ctx context.Context, writer ChainWriter, payload *x402.PaymentPayload, opt x402.AcceptOption) (string, error) {
	switch payload.Scheme {
	case x402.SchemeBatchWitness:
		bw := payload.BatchWitness
		nonce, ok := new(big.Int).SetString(bw.Nonce, 10)
		if !ok {
			return "", fmt.Errorf("invalid nonce: %s", bw.Nonce)
		}
		signature, err := hexutil.Decode(bw.Signature)
		if err != nil {
			return "", fmt.Errorf("invalid signature encoding: %w", err)
		}

		type tokenPermissions struct {
			Token  common.Address
			Amount *big.Int
		}
		permitted := make([]tokenPermissions, len(bw.Permitted))
		for i, perm := range bw.Permitted {
			amount, ok := new(big.Int).SetString(perm.Amount, 10)
			if !ok {
				return "", fmt.Errorf("invalid permitted amount: %s", perm.Amount)
			}
			permitted[i] = tokenPermissions{
				Token:  common.HexToAddress(perm.Token),
				Amount: amount,
			}
		}
		permit := struct {
			Permitted []tokenPermissions
			Nonce     *big.Int
			Deadline  *big.Int
		}{
			Permitted: permitted,
			Nonce:     nonce,
			Deadline:  big.NewInt(bw.Deadline),
		}
		witness := struct {
			Recipient common.Address
			FeeBps    *big.Int
		}{
			Recipient: common.HexToAddress(bw.Witness.Recipient),
			FeeBps:    big.NewInt(int64(bw.Witness.FeeBps)),
		}
		return writer.WriteContract(ctx, bw.Spender, evm.SettlementSettleABI, evm.FunctionSettle,
			permit, common.HexToAddress(payload.Payer), witness, signature)

	case x402.SchemeAuthTransfer:
		auth := payload.AuthTransfer.Authorization
		value, ok := new(big.Int).SetString(auth.Value, 10)
		if !ok {
			return "", fmt.Errorf("invalid authorization value: %s", auth.Value)
		}
		nonceBytes, err := hexutil.Decode(auth.Nonce)
		if err != nil || len(nonceBytes) != 32 {
			return "", fmt.Errorf("invalid authorization nonce: %s", auth.Nonce)
		}
		var nonce [32]byte
		copy(nonce[:], nonceBytes)

		r, sv, v, err := evm.SplitSignature(payload.AuthTransfer.Signature)
		if err != nil {
			return "", err
		}
		return writer.WriteContract(ctx, opt.Asset, evm.TransferWithAuthorizationABI,
			evm.FunctionTransferWithAuthorization,
			common.HexToAddress(auth.From), common.HexToAddress(auth.To), value,
			big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), nonce, v, r, sv)

	default:
		return "", fmt.Errorf("unknown payment scheme: %q", payload.Scheme)
	}
}

// computePayout applies the fee rate and gas estimate to a human-unit gross
// amount. A non-positive net fails before any ledger write.
func computePayout(cfg Config, amount string) (gross, fee, net decimal.Decimal, err error) {
	gross, err = decimal.NewFromString(amount)
	if err != nil || gross.Sign() <= 0 {
		return gross, fee, net, x402.NewPaymentError(x402.ErrCodeInvalidPayment,
			fmt.Sprintf("invalid amount: %s", amount), nil)
	}
	fee = gross.Mul(cfg.FeeRate)
	net = gross.Sub(fee).Sub(cfg.GasEstimate)
	if net.Sign() <= 0 {
		return gross, fee, net, x402.NewPaymentError(x402.ErrCodeAmountTooSmall,
			fmt.Sprintf("amount %s does not cover fee and gas", amount), nil)
	}
	return gross, fee, net, nil
}

func (s *Service) resolveIdentifier(ctx context.Context, identifier string) (string, error) {
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

func (s *Service) markSubmitted(ctx context.Context, tx *Transaction, txHash string) error {
	if err := s.ledger.UpdateStatus(ctx, tx.ID, StatusSubmitted, txHash); err != nil {
		return fmt.Errorf("failed to record broadcast of %s: %w", txHash, err)
	}
	tx.Status = StatusSubmitted
	tx.TxHash = txHash
	return nil
}

// awaitReceipt waits for confirmation within the configured timeout. An
// unconfirmed timeout is a distinct failure from an on-chain revert; the
// hash is preserved either way.
func (s *Service) awaitReceipt(ctx context.Context, tx *Transaction, writer ChainWriter, txHash string) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := writer.WaitForReceipt(rctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.fail(ctx, tx, txHash, x402.ErrCodeConfirmationTimeout,
				fmt.Sprintf("unconfirmed after %s", s.cfg.ReceiptTimeout), err)
		}
		return s.fail(ctx, tx, txHash, x402.ErrCodeSettlementFailed, "receipt wait failed", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return s.fail(ctx, tx, txHash, x402.ErrCodeRevertedOnChain, "transaction reverted on-chain", nil)
	}
	if err := s.ledger.UpdateStatus(ctx, tx.ID, StatusConfirmed, txHash); err != nil {
		return fmt.Errorf("failed to record confirmation of %s: %w", txHash, err)
	}
	tx.Status = StatusConfirmed
	return nil
}

// fail marks the record terminal and returns a typed error. Every failure
// path ends here so partial progress is never left pending.
func (s *Service) fail(ctx context.Context, tx *Transaction, txHash, code, message string, cause error) error {
	if err := s.ledger.UpdateStatus(ctx, tx.ID, StatusFailed, txHash); err != nil {
		s.log.Error("failed to mark transaction failed",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	tx.Status = StatusFailed
	tx.TxHash = txHash

	fields := []zap.Field{
		zap.String("transaction_id", tx.ID),
		zap.String("code", code),
		zap.String("network", tx.Network.String()),
	}
	if txHash != "" {
		fields = append(fields, zap.String("tx_hash", txHash))
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.log.Warn(message, fields...)
	s.rec.IncCounter("settlement_failed", map[string]string{"network": tx.Network.String()})

	details := map[string]interface{}{"transactionId": tx.ID}
	if txHash != "" {
		details["txHash"] = txHash
	}
	return x402.NewPaymentError(code, message, details)
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
