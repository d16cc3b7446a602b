package x402

import (
	"sync"
	"time"
)

const (
	// DefaultNonceTTL is how long a claimed nonce is remembered. It must
	// exceed the longest deadline a server will issue so a payload can never
	// outlive its replay guard.
	DefaultNonceTTL = 10 * time.Minute

	// DefaultSweepInterval is how often expired nonces are evicted.
	DefaultSweepInterval = 60 * time.Second
)

// NonceRegistry records claimed payment nonces to reject replays. Claims are
// first-wins and expire after a TTL. The sweep goroutine starts lazily on the
// first claim and runs until Stop, so an unused registry costs nothing.
type NonceRegistry struct {
	mu       sync.Mutex
	claims   map[string]time.Time
	ttl      time.Duration
	interval time.Duration
	sweeping bool
	stop     chan struct{}
}

// NonceRegistryOption configures a NonceRegistry.
type NonceRegistryOption func(*NonceRegistry)

// WithNonceTTL overrides the claim lifetime.
func WithNonceTTL(ttl time.Duration) NonceRegistryOption {
	return func(r *NonceRegistry) { r.ttl = ttl }
}

// WithSweepInterval overrides how often expired claims are evicted.
func WithSweepInterval(interval time.Duration) NonceRegistryOption {
	return func(r *NonceRegistry) { r.interval = interval }
}

// NewNonceRegistry creates a nonce registry with the default TTL and sweep
// interval unless overridden.
func NewNonceRegistry(opts ...NonceRegistryOption) *NonceRegistry {
	r := &NonceRegistry{
		claims:   make(map[string]time.Time),
		ttl:      DefaultNonceTTL,
		interval: DefaultSweepInterval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Claim records the nonce and reports whether this is its first use within
// the TTL window. A false return means the nonce was already claimed and the
// payment must be rejected as a replay. Claim never blocks on the sweeper;
// the lock covers only map operations.
func (r *NonceRegistry) Claim(nonce string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if expiry, ok := r.claims[nonce]; ok && now.Before(expiry) {
		return false
	}
	r.claims[nonce] = now.Add(r.ttl)

	if !r.sweeping {
		r.sweeping = true
		go r.sweep()
	}
	return true
}

// Len returns the number of live claims, expired entries included until the
// next sweep.
func (r *NonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

// Stop terminates the sweep goroutine. The registry remains usable; a later
// Claim restarts sweeping.
func (r *NonceRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweeping {
		close(r.stop)
		r.stop = make(chan struct{})
		r.sweeping = false
	}
}

func (r *NonceRegistry) sweep() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for nonce, expiry := range r.claims {
				if now.After(expiry) {
					delete(r.claims, nonce)
				}
			}
			r.mu.Unlock()
		}
	}
}
