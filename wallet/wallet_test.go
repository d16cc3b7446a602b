package wallet

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAddressDeterministic(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	key := []byte("session-key-public-bytes")

	first := ComputeAddress("alice", owner, key)
	second := ComputeAddress("alice", owner, key)
	assert.Equal(t, first, second)
	assert.NotEqual(t, common.Address{}, first)
}

func TestComputeAddressInputSensitivity(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherOwner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	key := []byte("session-key-public-bytes")
	otherKey := []byte("different-session-key")

	base := ComputeAddress("alice", owner, key)
	assert.NotEqual(t, base, ComputeAddress("bob", owner, key), "handle must change the address")
	assert.NotEqual(t, base, ComputeAddress("alice", otherOwner, key), "owner must change the address")
	assert.NotEqual(t, base, ComputeAddress("alice", owner, otherKey), "session key must change the address")
}

func TestGenerateSessionKey(t *testing.T) {
	key, err := GenerateSessionKey(time.Hour)
	require.NoError(t, err)
	require.NotNil(t, key.PrivateKey)
	assert.NotEqual(t, common.Address{}, key.Address)
	assert.False(t, key.Expired(time.Now()))
	assert.True(t, key.Expired(time.Now().Add(2*time.Hour)))

	other, err := GenerateSessionKey(time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, key.Address, other.Address)
	assert.NotEmpty(t, key.Public())
}
