// Package keyderiv maps a primary-chain identity to a secondary-chain
// secp256k1 signing key.
//
// Derivation v1:
//
//	k0 = keccak256("ankh/secondary-key/v1" || seed)
//	k(i+1) = keccak256(k(i)) while k(i) is zero or not below the curve order
//
// The seed is the 32-byte big-endian controller key of the primary account.
// Changing the tag, the seed choice or the loop changes every linked
// account address, so any change must ship as a new version.
package keyderiv

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/ankh/pkg/helpers"
)

// Version tags the derivation scheme and is mixed into the hash.
const Version = "ankh/secondary-key/v1"

// SeedSize is the required seed length in bytes.
const SeedSize = 32

// maxRehash bounds the rejection loop. The chance of a keccak digest
// landing outside [1, n) is about 2^-128, so this is never reached.
const maxRehash = 16

var (
	ErrInvalidSeed = errors.New("invalid seed material")
	ErrDerivation  = errors.New("key derivation failed")
	ErrKeyWiped    = errors.New("key has been wiped")
)

// DerivedKey is the session signing key. It is never persisted.
// It is safe for concurrent use; Wipe waits for in-progress signatures.
type DerivedKey struct {
	mu      sync.RWMutex
	priv    *btcec.PrivateKey
	address common.Address
}

// Derive computes the signing key for a seed. It is a pure function.
func Derive(seed []byte) (*DerivedKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}
	if helpers.IsZeroBytes(seed) {
		return nil, fmt.Errorf("%w: zero seed", ErrInvalidSeed)
	}

	digest := keccak256([]byte(Version), seed)
	defer func() { helpers.Wipe(digest) }()

	var scalar secp256k1.ModNScalar
	for i := 0; ; i++ {
		if i == maxRehash {
			return nil, ErrDerivation
		}
		overflow := scalar.SetByteSlice(digest)
		if !overflow && !scalar.IsZero() {
			break
		}
		next := keccak256(digest)
		helpers.Wipe(digest)
		digest = next
	}
	scalar.Zero()

	priv, pub := btcec.PrivKeyFromBytes(digest)
	return &DerivedKey{
		priv:    priv,
		address: crypto.PubkeyToAddress(*pub.ToECDSA()),
	}, nil
}

// Address returns the EVM address of the key (the smart account owner).
func (k *DerivedKey) Address() common.Address {
	return k.address
}

// PublicKey returns the compressed public key, or nil once wiped.
func (k *DerivedKey) PublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil
	}
	return k.priv.PubKey().SerializeCompressed()
}

// ECDSA returns a copy of the key in crypto/ecdsa form, or nil once wiped.
func (k *DerivedKey) ECDSA() *ecdsa.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil
	}
	return k.priv.ToECDSA()
}

// Hex returns the private key as hex without prefix. Tests only.
func (k *DerivedKey) Hex() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return ""
	}
	return hex.EncodeToString(k.priv.Serialize())
}

// SignHash signs a 32-byte digest and returns r || s || v with v in {0, 1}.
func (k *DerivedKey) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeyWiped
	}

	// SignCompact returns v || r || s with v in {27, 28}
	sig := btcecdsa.SignCompact(k.priv, hash, false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}

	ethSig := make([]byte, 65)
	copy(ethSig[:64], sig[1:65])
	ethSig[64] = sig[0] - 27
	return ethSig, nil
}

// Wipe zeroes the private scalar. The key is unusable afterwards.
func (k *DerivedKey) Wipe() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return
	}
	k.priv.Zero()
	k.priv = nil
}

func keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
