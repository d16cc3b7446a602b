// Package x402 implements the x402 payment protocol: an HTTP-native,
// non-custodial flow in which a server demands payment for a resource with a
// 402 response, a client answers with a signed off-chain authorization, and a
// settlement relay executes that authorization on-chain while retaining a
// protocol fee.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProtocolVersion is the x402 wire protocol version this package speaks.
const ProtocolVersion = 1

// Network is a blockchain network identifier in CAIP-2 format,
// e.g. "eip155:8453" for Base mainnet.
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the numeric chain id of an eip155 network.
func (n Network) ChainID() (*big.Int, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return nil, err
	}
	if namespace != "eip155" {
		return nil, fmt.Errorf("network %s is not an eip155 network", n)
	}
	id, ok := new(big.Int).SetString(reference, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid chain id in network %s", n)
	}
	return id, nil
}

// Match checks if this network matches a pattern. Patterns may use a trailing
// wildcard, e.g. "eip155:8453" matches "eip155:*".
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	if strings.HasSuffix(string(pattern), ":*") {
		return strings.HasPrefix(string(n), strings.TrimSuffix(string(pattern), "*"))
	}
	if strings.HasSuffix(string(n), ":*") {
		return strings.HasPrefix(string(pattern), strings.TrimSuffix(string(n), "*"))
	}
	return false
}

func (n Network) String() string { return string(n) }

// Payment scheme identifiers. The scheme set is closed: parsing rejects any
// tag outside this list, and scheme-specific access goes through exhaustive
// switches so adding a scheme is a compile-surfaced change.
const (
	// SchemeBatchWitness is a permit-style authorization over exactly two
	// transfers of the same token (net + fee), bound to a recipient and fee
	// rate by a settlement witness.
	SchemeBatchWitness = "batch-witness"

	// SchemeAuthTransfer is a single transfer-with-authorization addressed to
	// the settlement contract, which forwards the net portion to the
	// recipient and keeps the fee.
	SchemeAuthTransfer = "authorization-transfer"
)

// MaxFeeBps bounds the protocol fee a requirement may demand (10%).
const MaxFeeBps = 1000

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	uintRe := regexp.MustCompile(`^[0-9]+$`)
	bytes32Re := regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	sigRe := regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	_ = v.RegisterValidation("uintstr", func(fl validator.FieldLevel) bool {
		return uintRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("bytes32hex", func(fl validator.FieldLevel) bool {
		return bytes32Re.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("hexsig", func(fl validator.FieldLevel) bool {
		return sigRe.MatchString(fl.Field().String())
	})
	return v
}

// AcceptOption is one way a resource server accepts payment for a resource.
// Amount is in the asset's smallest unit.
type AcceptOption struct {
	Scheme             string  `json:"scheme" validate:"required,oneof=batch-witness authorization-transfer"`
	Network            Network `json:"network" validate:"required"`
	Asset              string  `json:"asset" validate:"required,eth_addr"`
	Amount             string  `json:"amount" validate:"required,uintstr"`
	PayTo              string  `json:"payTo" validate:"required,eth_addr"`
	SettlementContract string  `json:"settlementContract" validate:"required,eth_addr"`
	Treasury           string  `json:"treasury" validate:"required,eth_addr"`
	FeeBps             int     `json:"feeBps" validate:"min=0,max=1000"`
	MaxDeadline        int64   `json:"maxDeadline" validate:"required"`
}

// PaymentRequirement is the server's price list for a resource, attached to a
// 402 response as a header and echoed in the body.
type PaymentRequirement struct {
	X402Version int            `json:"x402Version"`
	Accepts     []AcceptOption `json:"accepts"`
	Description string         `json:"description,omitempty"`
	Resource    string         `json:"resource,omitempty"`
}

// Validate checks structural invariants. Deadlines must be strictly in the
// future at issuance time.
func (r *PaymentRequirement) Validate(now time.Time) error {
	if r.X402Version <= 0 {
		return fmt.Errorf("x402Version must be greater than 0")
	}
	if len(r.Accepts) == 0 {
		return fmt.Errorf("requirement must offer at least one accept option")
	}
	for i := range r.Accepts {
		opt := &r.Accepts[i]
		if err := validate.Struct(opt); err != nil {
			return fmt.Errorf("accepts[%d]: %w", i, err)
		}
		if _, _, err := opt.Network.Parse(); err != nil {
			return fmt.Errorf("accepts[%d]: %w", i, err)
		}
		if opt.MaxDeadline <= now.Unix() {
			return fmt.Errorf("accepts[%d]: maxDeadline must be in the future", i)
		}
	}
	return nil
}

// TokenPermission authorizes spending a single token amount.
type TokenPermission struct {
	Token  string `json:"token" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,uintstr"`
}

// SettlementWitness binds a batch-witness authorization to a recipient and
// fee rate, so the relay can neither redirect funds nor inflate its cut.
type SettlementWitness struct {
	Recipient string `json:"recipient" validate:"required,eth_addr"`
	FeeBps    int    `json:"feeBps" validate:"min=0,max=1000"`
}

// BatchWitnessPayload is the batch-witness scheme branch: a permit over
// exactly two transfers of the same token, net amount first, fee amount
// second. Nonce is a decimal string.
type BatchWitnessPayload struct {
	Permitted [2]TokenPermission `json:"permitted"`
	Nonce     string             `json:"nonce" validate:"required,uintstr"`
	Deadline  int64              `json:"deadline" validate:"required"`
	Witness   SettlementWitness  `json:"witness"`
	Spender   string             `json:"spender" validate:"required,eth_addr"`
	Signature string             `json:"signature" validate:"required,hexsig"`
}

// TransferAuthorization is a single-token transfer authorization with a
// validity window. Nonce is a 32-byte hex string.
type TransferAuthorization struct {
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required,uintstr"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore" validate:"required"`
	Nonce       string `json:"nonce" validate:"required,bytes32hex"`
}

// AuthTransferPayload is the authorization-transfer scheme branch. The
// authorization's To is the settlement contract; Recipient names where the
// contract forwards the net portion.
type AuthTransferPayload struct {
	Authorization TransferAuthorization `json:"authorization"`
	Recipient     string                `json:"recipient" validate:"required,eth_addr"`
	Signature     string                `json:"signature" validate:"required,hexsig"`
}

// PaymentPayload is the client's signed intent to pay: a closed tagged union
// over the supported schemes. Exactly one branch matching Scheme is set.
type PaymentPayload struct {
	X402Version  int                  `json:"x402Version"`
	Scheme       string               `json:"scheme"`
	Network      Network              `json:"network"`
	Payer        string               `json:"payer"`
	BatchWitness *BatchWitnessPayload `json:"batchWitness,omitempty"`
	AuthTransfer *AuthTransferPayload `json:"authTransfer,omitempty"`
}

// paymentPayloadAlias avoids UnmarshalJSON recursion.
type paymentPayloadAlias PaymentPayload

// UnmarshalJSON parses and fully validates a payment payload. Unknown scheme
// tags, branch/tag mismatches, and any field failing its format constraint
// are rejected here, before any business logic sees the payload.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var alias paymentPayloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	parsed := PaymentPayload(alias)
	if err := parsed.Validate(); err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Validate checks the union invariants and every branch field format.
func (p *PaymentPayload) Validate() error {
	if p.X402Version <= 0 {
		return fmt.Errorf("x402Version must be greater than 0")
	}
	namespace, _, err := p.Network.Parse()
	if err != nil {
		return err
	}
	if namespace != "eip155" {
		return fmt.Errorf("unsupported network namespace: %s", namespace)
	}
	if err := validate.Var(p.Payer, "required,eth_addr"); err != nil {
		return fmt.Errorf("invalid payer address: %q", p.Payer)
	}
	switch p.Scheme {
	case SchemeBatchWitness:
		if p.BatchWitness == nil || p.AuthTransfer != nil {
			return fmt.Errorf("scheme %s requires exactly the batchWitness branch", p.Scheme)
		}
		if err := validate.Struct(p.BatchWitness); err != nil {
			return fmt.Errorf("batchWitness: %w", err)
		}
		if p.BatchWitness.Permitted[0].Token != p.BatchWitness.Permitted[1].Token {
			return fmt.Errorf("batchWitness: permitted transfers must use the same token")
		}
	case SchemeAuthTransfer:
		if p.AuthTransfer == nil || p.BatchWitness != nil {
			return fmt.Errorf("scheme %s requires exactly the authTransfer branch", p.Scheme)
		}
		if err := validate.Struct(p.AuthTransfer); err != nil {
			return fmt.Errorf("authTransfer: %w", err)
		}
	default:
		return fmt.Errorf("unknown payment scheme: %q", p.Scheme)
	}
	return nil
}

// Nonce returns the scheme-specific replay nonce.
func (p *PaymentPayload) Nonce() (string, error) {
	switch p.Scheme {
	case SchemeBatchWitness:
		return p.BatchWitness.Nonce, nil
	case SchemeAuthTransfer:
		return p.AuthTransfer.Authorization.Nonce, nil
	default:
		return "", fmt.Errorf("unknown payment scheme: %q", p.Scheme)
	}
}

// Deadline returns the instant after which the authorization is invalid:
// the permit deadline for batch-witness, validBefore for
// authorization-transfer.
func (p *PaymentPayload) Deadline() (time.Time, error) {
	switch p.Scheme {
	case SchemeBatchWitness:
		return time.Unix(p.BatchWitness.Deadline, 0), nil
	case SchemeAuthTransfer:
		return time.Unix(p.AuthTransfer.Authorization.ValidBefore, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown payment scheme: %q", p.Scheme)
	}
}

// TotalAmount returns the gross amount the payload authorizes in the token's
// smallest unit: the sum of both permitted amounts for batch-witness, the
// single transferred value for authorization-transfer.
func (p *PaymentPayload) TotalAmount() (*big.Int, error) {
	switch p.Scheme {
	case SchemeBatchWitness:
		total := new(big.Int)
		for _, perm := range p.BatchWitness.Permitted {
			amount, ok := new(big.Int).SetString(perm.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid permitted amount: %s", perm.Amount)
			}
			total.Add(total, amount)
		}
		return total, nil
	case SchemeAuthTransfer:
		value, ok := new(big.Int).SetString(p.AuthTransfer.Authorization.Value, 10)
		if !ok {
			return nil, fmt.Errorf("invalid authorization value: %s", p.AuthTransfer.Authorization.Value)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown payment scheme: %q", p.Scheme)
	}
}

// Recipient returns the address the payload ultimately pays.
func (p *PaymentPayload) Recipient() (string, error) {
	switch p.Scheme {
	case SchemeBatchWitness:
		return p.BatchWitness.Witness.Recipient, nil
	case SchemeAuthTransfer:
		return p.AuthTransfer.Recipient, nil
	default:
		return "", fmt.Errorf("unknown payment scheme: %q", p.Scheme)
	}
}

// PaymentResponse reports an inline settlement result back to the client,
// carried on a response header.
type PaymentResponse struct {
	Success      bool    `json:"success"`
	TxHash       string  `json:"txHash,omitempty"`
	Network      Network `json:"network,omitempty"`
	SettlementID string  `json:"settlementId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// SplitAmount divides a gross smallest-unit amount into net and fee portions
// at the given fee rate in basis points. The fee is floored, so
// net + fee == gross always holds.
func SplitAmount(amount string, feeBps int) (net, fee *big.Int, err error) {
	gross, ok := new(big.Int).SetString(amount, 10)
	if !ok || gross.Sign() < 0 {
		return nil, nil, fmt.Errorf("invalid amount: %s", amount)
	}
	if feeBps < 0 || feeBps > MaxFeeBps {
		return nil, nil, fmt.Errorf("fee rate out of range: %d bps", feeBps)
	}
	fee = new(big.Int).Mul(gross, big.NewInt(int64(feeBps)))
	fee.Div(fee, big.NewInt(10000))
	net = new(big.Int).Sub(gross, fee)
	return net, fee, nil
}

// VerifyRequest is the body of POST /verify on the facilitator surface.
type VerifyRequest struct {
	From    string  `json:"from"`
	Amount  string  `json:"amount"`
	Token   string  `json:"token"`
	Network Network `json:"network"`
}

// VerifyResult is the facilitator's answer to a verify request.
// BalanceSufficient is nil when the facilitator has no chain reader for the
// network (simulated mode).
type VerifyResult struct {
	Valid             bool   `json:"valid"`
	Signer            string `json:"signer,omitempty"`
	Registered        bool   `json:"registered"`
	BalanceSufficient *bool  `json:"balanceSufficient,omitempty"`
}

// SupportedNetwork describes one network the facilitator settles on.
type SupportedNetwork struct {
	Network Network  `json:"network"`
	Tokens  []string `json:"tokens"`
	Schemes []string `json:"schemes"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Networks []SupportedNetwork `json:"networks"`
	FeeRate  string             `json:"feeRate"`
}
