package x402

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceRegistryClaim(t *testing.T) {
	registry := NewNonceRegistry()
	defer registry.Stop()

	assert.True(t, registry.Claim("nonce-1"))
	assert.False(t, registry.Claim("nonce-1"))
	assert.True(t, registry.Claim("nonce-2"))
	assert.False(t, registry.Claim("nonce-2"))
}

func TestNonceRegistryExpiry(t *testing.T) {
	registry := NewNonceRegistry(
		WithNonceTTL(30*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
	)
	defer registry.Stop()

	require.True(t, registry.Claim("short-lived"))
	require.False(t, registry.Claim("short-lived"))

	time.Sleep(60 * time.Millisecond)

	// Past the TTL the nonce is claimable again, whether or not the sweep
	// already evicted it.
	assert.True(t, registry.Claim("short-lived"))
}

func TestNonceRegistrySweepEvicts(t *testing.T) {
	registry := NewNonceRegistry(
		WithNonceTTL(10*time.Millisecond),
		WithSweepInterval(20*time.Millisecond),
	)
	defer registry.Stop()

	for i := 0; i < 50; i++ {
		require.True(t, registry.Claim(fmt.Sprintf("nonce-%d", i)))
	}
	require.Equal(t, 50, registry.Len())

	assert.Eventually(t, func() bool { return registry.Len() == 0 },
		500*time.Millisecond, 10*time.Millisecond)
}

func TestNonceRegistryConcurrentClaims(t *testing.T) {
	registry := NewNonceRegistry()
	defer registry.Stop()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.Claim("contested") {
				wins <- "won"
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent claim must win")
}

func TestNonceRegistryStopRestartsSweep(t *testing.T) {
	registry := NewNonceRegistry(
		WithNonceTTL(10*time.Millisecond),
		WithSweepInterval(10*time.Millisecond),
	)
	require.True(t, registry.Claim("a"))
	registry.Stop()

	// Still usable after Stop; the sweep restarts lazily.
	require.True(t, registry.Claim("b"))
	assert.Eventually(t, func() bool { return registry.Len() == 0 },
		500*time.Millisecond, 10*time.Millisecond)
	registry.Stop()
}
