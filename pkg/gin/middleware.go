// Package gin provides the x402 verification middleware for gin resource
// servers: it turns an unpaid request into a 402 challenge and a paid request
// into a verified, optionally settled, payment attached to the context.
package gin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/meridianpay/x402/go"
	x402http "github.com/meridianpay/x402/go/http"
)

// ContextKey is where the verified payment lands on the gin context.
const ContextKey = "x402.payment"

// VerifiedPayment is what a protected handler receives after the middleware
// accepts a payment.
type VerifiedPayment struct {
	Payment  *x402.PaymentPayload
	Verified bool
	Signer   string
}

// FromContext extracts the verified payment, if any.
func FromContext(c *gin.Context) (*VerifiedPayment, bool) {
	value, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	payment, ok := value.(*VerifiedPayment)
	return payment, ok
}

// MiddlewareOptions configures PaymentMiddleware.
type MiddlewareOptions struct {
	Schemes            []string
	Network            x402.Network
	Asset              string
	SettlementContract string
	Treasury           string
	FeeBps             int
	MaxTimeoutSeconds  int
	Description        string
	Resource           string
	Registry           *x402.NonceRegistry
	Facilitator        *x402http.FacilitatorClient
	Logger             *zap.Logger
	OnError            func(c *gin.Context, err interface{})
}

// Option configures the middleware.
type Option func(*MiddlewareOptions)

// WithSchemes sets which payment schemes the server accepts, in preference
// order. Default: both.
func WithSchemes(schemes ...string) Option {
	return func(o *MiddlewareOptions) { o.Schemes = schemes }
}

// WithNetwork sets the network payments must be on.
func WithNetwork(network x402.Network) Option {
	return func(o *MiddlewareOptions) { o.Network = network }
}

// WithAsset sets the token contract address payments use.
func WithAsset(asset string) Option {
	return func(o *MiddlewareOptions) { o.Asset = asset }
}

// WithSettlementContract sets the on-chain settlement contract address.
func WithSettlementContract(address string) Option {
	return func(o *MiddlewareOptions) { o.SettlementContract = address }
}

// WithTreasury sets the treasury address advertised in requirements.
func WithTreasury(address string) Option {
	return func(o *MiddlewareOptions) { o.Treasury = address }
}

// WithFeeBps sets the protocol fee in basis points.
func WithFeeBps(feeBps int) Option {
	return func(o *MiddlewareOptions) { o.FeeBps = feeBps }
}

// WithMaxTimeoutSeconds bounds how far in the future issued deadlines reach.
func WithMaxTimeoutSeconds(seconds int) Option {
	return func(o *MiddlewareOptions) { o.MaxTimeoutSeconds = seconds }
}

// WithDescription sets the human-readable requirement description.
func WithDescription(description string) Option {
	return func(o *MiddlewareOptions) { o.Description = description }
}

// WithResource overrides the resource path advertised in requirements.
// Default: the request path.
func WithResource(resource string) Option {
	return func(o *MiddlewareOptions) { o.Resource = resource }
}

// WithNonceRegistry sets the replay cache. Default: a fresh registry private
// to this middleware instance.
func WithNonceRegistry(registry *x402.NonceRegistry) Option {
	return func(o *MiddlewareOptions) { o.Registry = registry }
}

// WithFacilitator enables inline settlement through the given facilitator.
// Without it, verified payments are accepted unexecuted and the caller is
// responsible for a subsequent settlement call.
func WithFacilitator(client *x402http.FacilitatorClient) Option {
	return func(o *MiddlewareOptions) { o.Facilitator = client }
}

// WithLogger sets the structured logger. Default: nop.
func WithLogger(log *zap.Logger) Option {
	return func(o *MiddlewareOptions) { o.Logger = log }
}

// WithErrorHook receives unexpected panics instead of the default 500
// response.
func WithErrorHook(hook func(c *gin.Context, err interface{})) Option {
	return func(o *MiddlewareOptions) { o.OnError = hook }
}

// PaymentMiddleware gates handlers behind an x402 payment of the given
// smallest-unit amount paid to payTo.
func PaymentMiddleware(amount, payTo string, opts ...Option) gin.HandlerFunc {
	options := &MiddlewareOptions{
		Schemes:           []string{x402.SchemeBatchWitness, x402.SchemeAuthTransfer},
		Network:           "eip155:84532",
		MaxTimeoutSeconds: 300,
		Logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Registry == nil {
		options.Registry = x402.NewNonceRegistry()
	}

	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if options.OnError != nil {
					options.OnError(c, recovered)
					return
				}
				options.Logger.Error("payment middleware panic", zap.Any("error", recovered))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal error",
				})
			}
		}()

		requirement := buildRequirement(c, amount, payTo, options)

		header := c.GetHeader(x402http.HeaderPayment)
		if header == "" {
			challenge(c, requirement)
			return
		}

		payload, err := x402http.DecodePaymentHeader(header)
		if err != nil {
			reject(c, http.StatusBadRequest, "Invalid Payment")
			return
		}

		if !payload.Network.Match(options.Network) {
			reject(c, http.StatusBadRequest, "Network Mismatch")
			return
		}

		deadline, err := payload.Deadline()
		if err != nil || time.Now().After(deadline) {
			reject(c, http.StatusBadRequest, "Payment Expired")
			return
		}

		if !coversAmount(payload, amount) {
			rejectWithRequirement(c, http.StatusPaymentRequired, "Insufficient Payment", requirement)
			return
		}

		nonce, err := payload.Nonce()
		if err != nil || !options.Registry.Claim(nonce) {
			rejectWithRequirement(c, http.StatusPaymentRequired, "Replay Detected", requirement)
			return
		}

		if options.Facilitator != nil {
			result, err := options.Facilitator.Settle(c.Request.Context(), payload)
			if err != nil || !result.Success {
				options.Logger.Warn("inline settlement failed",
					zap.String("payer", payload.Payer), zap.Error(err))
				rejectWithRequirement(c, http.StatusPaymentRequired, "Settlement Failed", requirement)
				return
			}
			if encoded, err := x402http.EncodeResponseHeader(result); err == nil {
				c.Header(x402http.HeaderPaymentResponse, encoded)
			}
		}

		c.Set(ContextKey, &VerifiedPayment{
			Payment:  payload,
			Verified: true,
			Signer:   payload.Payer,
		})
		c.Next()
	}
}

func buildRequirement(c *gin.Context, amount, payTo string, options *MiddlewareOptions) *x402.PaymentRequirement {
	resource := options.Resource
	if resource == "" {
		resource = c.Request.URL.Path
	}
	deadline := time.Now().Add(time.Duration(options.MaxTimeoutSeconds) * time.Second).Unix()

	accepts := make([]x402.AcceptOption, 0, len(options.Schemes))
	for _, scheme := range options.Schemes {
		accepts = append(accepts, x402.AcceptOption{
			Scheme:             scheme,
			Network:            options.Network,
			Asset:              options.Asset,
			Amount:             amount,
			PayTo:              payTo,
			SettlementContract: options.SettlementContract,
			Treasury:           options.Treasury,
			FeeBps:             options.FeeBps,
			MaxDeadline:        deadline,
		})
	}
	return &x402.PaymentRequirement{
		X402Version: x402.ProtocolVersion,
		Accepts:     accepts,
		Description: options.Description,
		Resource:    resource,
	}
}

// challenge writes the 402 response carrying the requirement both as a
// header and in the body, for transports that cannot read headers.
func challenge(c *gin.Context, requirement *x402.PaymentRequirement) {
	if encoded, err := x402http.EncodeRequirementHeader(requirement); err == nil {
		c.Header(x402http.HeaderPaymentRequired, encoded)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":       "payment required",
		"requirement": requirement,
	})
}

func reject(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func rejectWithRequirement(c *gin.Context, status int, message string, requirement *x402.PaymentRequirement) {
	if encoded, err := x402http.EncodeRequirementHeader(requirement); err == nil {
		c.Header(x402http.HeaderPaymentRequired, encoded)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":       message,
		"requirement": requirement,
	})
}

func coversAmount(payload *x402.PaymentPayload, required string) bool {
	total, err := payload.TotalAmount()
	if err != nil {
		return false
	}
	requiredAmount, _, err := x402.SplitAmount(required, 0)
	if err != nil {
		return false
	}
	return total.Cmp(requiredAmount) >= 0
}
