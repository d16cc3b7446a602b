package settle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	x402 "github.com/meridianpay/x402/go"
	"github.com/meridianpay/x402/go/evm"
)

// StaticRegistry is an in-memory ChainRegistry seeded from the known asset
// tables. Production deployments can swap in a registry backed by their own
// token configuration without touching settlement.
type StaticRegistry struct {
	mu     sync.RWMutex
	tokens map[x402.Network]map[string]TokenInfo
}

// NewStaticRegistry returns a registry preloaded with the default stablecoin
// of every known network.
func NewStaticRegistry() *StaticRegistry {
	r := &StaticRegistry{tokens: make(map[x402.Network]map[string]TokenInfo)}
	for network, asset := range evm.AssetConfigs {
		r.Add(x402.Network(network), asset.Symbol, TokenInfo{
			Address:  asset.Address,
			Decimals: asset.Decimals,
		})
	}
	return r
}

// Add registers a token on a network.
func (r *StaticRegistry) Add(network x402.Network, symbol string, info TokenInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[network] == nil {
		r.tokens[network] = make(map[string]TokenInfo)
	}
	r.tokens[network][strings.ToUpper(symbol)] = info
}

// TokenInfo resolves a (network, symbol) pair.
func (r *StaticRegistry) TokenInfo(network x402.Network, symbol string) (TokenInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tokens[network][strings.ToUpper(symbol)]
	if !ok {
		return TokenInfo{}, fmt.Errorf("unsupported token %s on %s", symbol, network)
	}
	return info, nil
}

// TokenByAddress resolves a token address back to its symbol.
func (r *StaticRegistry) TokenByAddress(network x402.Network, address string) (string, TokenInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for symbol, info := range r.tokens[network] {
		if strings.EqualFold(info.Address, address) {
			return symbol, info, nil
		}
	}
	return "", TokenInfo{}, fmt.Errorf("unknown token address %s on %s", address, network)
}

// Networks lists every network with at least one registered token, with its
// symbols.
func (r *StaticRegistry) Networks() map[x402.Network][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[x402.Network][]string, len(r.tokens))
	for network, tokens := range r.tokens {
		symbols := make([]string, 0, len(tokens))
		for symbol := range tokens {
			symbols = append(symbols, symbol)
		}
		out[network] = symbols
	}
	return out
}

// StaticDirectory is an in-memory IdentityDirectory for tests and
// single-process deployments.
type StaticDirectory struct {
	mu        sync.RWMutex
	handles   map[string]string
	addresses map[string]string
}

// NewStaticDirectory returns an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		handles:   make(map[string]string),
		addresses: make(map[string]string),
	}
}

// Register binds a handle to an address.
func (d *StaticDirectory) Register(handle, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handles[strings.ToLower(handle)] = address
	d.addresses[strings.ToLower(address)] = handle
}

// ResolveHandle returns the address bound to a handle.
func (d *StaticDirectory) ResolveHandle(_ context.Context, handle string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	address, ok := d.handles[strings.ToLower(handle)]
	if !ok {
		return "", fmt.Errorf("handle not registered: %s", handle)
	}
	return address, nil
}

// ResolveAddress returns the handle bound to an address, or "" when the
// address is unregistered.
func (d *StaticDirectory) ResolveAddress(_ context.Context, address string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addresses[strings.ToLower(address)], nil
}
