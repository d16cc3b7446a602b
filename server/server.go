// Package server exposes the facilitator HTTP surface: settlement of signed
// payment payloads, pre-flight verification, transaction history, and
// capability discovery.
package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
	"github.com/meridianpay/x402/go/metrics"
	"github.com/meridianpay/x402/go/settle"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Server is the facilitator HTTP service.
type Server struct {
	engine   *gin.Engine
	settler  settle.Settler
	ledger   settle.Ledger
	identity settle.IdentityDirectory
	registry *settle.StaticRegistry
	readers  map[x402.Network]settle.ChainReader

	schemes []string
	feeBps  int
	feeRate string

	log *zap.Logger
	rec metrics.Recorder
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger. Default: nop.
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics recorder. Default: noop.
func WithMetrics(rec metrics.Recorder) ServerOption {
	return func(s *Server) { s.rec = rec }
}

// WithReader registers a read-only chain client used for balance checks in
// /verify. Without one, balanceSufficient is omitted for that network.
func WithReader(network x402.Network, reader settle.ChainReader) ServerOption {
	return func(s *Server) { s.readers[network] = reader }
}

// WithFeeBps sets the fee rate applied to authorization-transfer payloads,
// which carry no witness fee of their own. Default 50 (0.5%).
func WithFeeBps(feeBps int) ServerOption {
	return func(s *Server) {
		s.feeBps = feeBps
		s.feeRate = strconv.FormatFloat(float64(feeBps)/10000, 'f', -1, 64)
	}
}

// WithSchemes sets the schemes advertised by /supported. Default: both.
func WithSchemes(schemes ...string) ServerOption {
	return func(s *Server) { s.schemes = schemes }
}

// New assembles the facilitator around a settler and its collaborators.
func New(settler settle.Settler, ledger settle.Ledger, identity settle.IdentityDirectory, registry *settle.StaticRegistry, opts ...ServerOption) *Server {
	s := &Server{
		settler:  settler,
		ledger:   ledger,
		identity: identity,
		registry: registry,
		readers:  make(map[x402.Network]settle.ChainReader),
		schemes:  []string{x402.SchemeBatchWitness, x402.SchemeAuthTransfer},
		feeBps:   50,
		feeRate:  "0.005",
		log:      zap.NewNop(),
		rec:      metrics.NewNoopRecorder(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	engine.POST("/x402/settle", s.handleSettle)
	engine.POST("/verify", s.handleVerify)
	engine.GET("/history/:identifier", s.handleHistory)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/health", s.handleHealth)

	s.engine = engine
	return s
}

// Router exposes the underlying engine for testing and embedding.
func (s *Server) Router() *gin.Engine { return s.engine }

// Run starts serving on addr.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed))
		s.rec.ObserveLatency("http_request", elapsed, map[string]string{"network": ""})
	}
}

func (s *Server) handleSettle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, x402.NewPaymentError(x402.ErrCodeInvalidPayment, "unreadable body", nil))
		return
	}
	if err := validateSettleBody(body); err != nil {
		c.JSON(http.StatusBadRequest, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil))
		return
	}

	var payload x402.PaymentPayload
	if err := payload.UnmarshalJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil))
		return
	}

	opt, perr := s.acceptOptionFor(&payload)
	if perr != nil {
		c.JSON(http.StatusBadRequest, perr)
		return
	}

	result, err := s.settler.SettlePayload(c.Request.Context(), &payload, opt)
	if err != nil {
		code := x402.ErrorCode(err)
		if code == x402.ErrCodeInvalidPayment || code == x402.ErrCodeNetworkMismatch {
			c.JSON(http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, &x402.PaymentResponse{
			Success: false,
			Network: payload.Network,
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, &x402.PaymentResponse{
		Success:      true,
		TxHash:       result.TxHash,
		Network:      result.Network,
		SettlementID: result.TransactionID,
	})
}

// acceptOptionFor reconstructs the settlement parameters from the payload:
// batch-witness carries its token, fee, and contract inline; an
// authorization-transfer settles the network's default asset at the
// facilitator's fee rate.
func (s *Server) acceptOptionFor(payload *x402.PaymentPayload) (x402.AcceptOption, *x402.PaymentError) {
	recipient, err := payload.Recipient()
	if err != nil {
		return x402.AcceptOption{}, x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}
	deadline, _ := payload.Deadline()

	opt := x402.AcceptOption{
		Scheme:      payload.Scheme,
		Network:     payload.Network,
		PayTo:       recipient,
		MaxDeadline: deadline.Unix(),
	}
	switch payload.Scheme {
	case x402.SchemeBatchWitness:
		opt.Asset = payload.BatchWitness.Permitted[0].Token
		opt.SettlementContract = payload.BatchWitness.Spender
		opt.FeeBps = payload.BatchWitness.Witness.FeeBps
	case x402.SchemeAuthTransfer:
		asset, ok := evm.AssetConfigs[payload.Network.String()]
		if !ok {
			return x402.AcceptOption{}, x402.NewPaymentError(x402.ErrCodeUnsupportedNetwork,
				"no settleable asset on "+payload.Network.String(), nil)
		}
		opt.Asset = asset.Address
		opt.SettlementContract = payload.AuthTransfer.Authorization.To
		opt.FeeBps = s.feeBps
	}
	return opt, nil
}

func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, x402.NewPaymentError(x402.ErrCodeInvalidPayment, "invalid verify request", nil))
		return
	}

	result := x402.VerifyResult{}

	address := req.From
	if !isAddress(address) {
		resolved, err := s.identity.ResolveHandle(c.Request.Context(), req.From)
		if err != nil {
			c.JSON(http.StatusOK, result)
			return
		}
		address = resolved
	}
	result.Signer = address

	if handle, _ := s.identity.ResolveAddress(c.Request.Context(), address); handle != "" {
		result.Registered = true
	}

	info, err := s.registry.TokenInfo(req.Network, req.Token)
	if err != nil {
		c.JSON(http.StatusOK, result)
		return
	}
	result.Valid = true

	if reader, ok := s.readers[req.Network]; ok {
		if required, _, err := x402.SplitAmount(req.Amount, 0); err == nil {
			if balance, err := reader.TokenBalance(c.Request.Context(), info.Address, address); err == nil {
				sufficient := balance.Cmp(required) >= 0
				result.BalanceSufficient = &sufficient
			}
		}
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleHistory(c *gin.Context) {
	identifier := c.Param("identifier")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	items, total, err := s.ledger.ListByIdentifier(c.Request.Context(), identifier, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, x402.NewPaymentError(x402.ErrCodeSettlementFailed, "history lookup failed", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleSupported(c *gin.Context) {
	networks := make([]x402.SupportedNetwork, 0)
	for network, tokens := range s.registry.Networks() {
		networks = append(networks, x402.SupportedNetwork{
			Network: network,
			Tokens:  tokens,
			Schemes: s.schemes,
		})
	}
	c.JSON(http.StatusOK, &x402.SupportedResponse{
		Networks: networks,
		FeeRate:  s.feeRate,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func isAddress(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
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
