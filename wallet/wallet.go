// Package wallet derives deterministic payment wallet addresses and issues
// session keys for delegated signing.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FactoryAddress is the wallet factory all counterfactual addresses are
// derived against. Changing it changes every derived address.
const FactoryAddress = "0x4e59b44847b379578588920cA78FbF26c0B4956C"

// ComputeAddress derives the counterfactual wallet address for a user handle,
// owner address, and session public key, using CREATE2-style derivation:
//
//	salt         = keccak256(handle || leftPad32(owner) || sessionKey)
//	initCodeHash = keccak256(owner || sessionKey || handle)
//	address      = last20(keccak256(0xff || factory || salt || initCodeHash))
//
// The same inputs always produce the same address before any on-chain
// deployment, and any single input change produces a different address.
func ComputeAddress(handle string, owner common.Address, sessionKey []byte) common.Address {
	salt := crypto.Keccak256(
		[]byte(handle),
		common.LeftPadBytes(owner.Bytes(), 32),
		sessionKey,
	)
	initCodeHash := crypto.Keccak256(
		owner.Bytes(),
		sessionKey,
		[]byte(handle),
	)

	factory := common.HexToAddress(FactoryAddress)
	digest := crypto.Keccak256(
		[]byte{0xff},
		factory.Bytes(),
		salt,
		initCodeHash,
	)
	return common.BytesToAddress(digest[12:])
}

// SessionKey is a short-lived secp256k1 key pair for delegated payment
// signing.
type SessionKey struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	ExpiresAt  time.Time
}

// Public returns the uncompressed public key bytes, the form ComputeAddress
// consumes.
func (k *SessionKey) Public() []byte {
	return crypto.FromECDSAPub(&k.PrivateKey.PublicKey)
}

// Expired reports whether the key is past its validity window.
func (k *SessionKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// GenerateSessionKey creates a fresh session key valid for the given
// duration. Key material comes from crypto/rand.
func GenerateSessionKey(validity time.Duration) (*SessionKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return &SessionKey{
		PrivateKey: priv,
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		ExpiresAt:  time.Now().Add(validity),
	}, nil
}
