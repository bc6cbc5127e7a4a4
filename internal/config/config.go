// Package config provides the static network parameters for the Ankh link daemon.
// Chain identifiers, default endpoints and timing constants are defined here;
// per-installation values live in the node's YAML file.
package config

import (
	"sort"
	"time"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Primary Chain (identity)
// =============================================================================

// PrimaryNetwork describes the Starknet-style chain that owns user identities.
type PrimaryNetwork struct {
	Name       string // e.g. "Starknet Sepolia"
	ChainID    string // felt-encoded chain id, e.g. SN_SEPOLIA
	DefaultRPC string // public JSON-RPC endpoint
}

// Primary chain ids as felts (short-string encoded).
const (
	PrimaryChainMainnet = "0x534e5f4d41494e"       // SN_MAIN
	PrimaryChainSepolia = "0x534e5f5345504f4c4941" // SN_SEPOLIA
)

// PrimaryNetworks maps network type to the primary chain.
var PrimaryNetworks = map[NetworkType]PrimaryNetwork{
	Mainnet: {
		Name:       "Starknet",
		ChainID:    PrimaryChainMainnet,
		DefaultRPC: "https://starknet-mainnet.public.blastapi.io/rpc/v0_7",
	},
	Testnet: {
		Name:       "Starknet Sepolia",
		ChainID:    PrimaryChainSepolia,
		DefaultRPC: "https://starknet-sepolia.public.blastapi.io/rpc/v0_7",
	},
}

// DefaultControllerEntrypoint is the account view returning the registered
// controller key. Argent accounts expose get_owner; OpenZeppelin and Braavos
// style accounts expose get_public_key.
const DefaultControllerEntrypoint = "get_owner"

// =============================================================================
// Secondary Chain (execution)
// =============================================================================

// SecondaryChain describes an EVM chain on which linked smart accounts act.
type SecondaryChain struct {
	ChainID    uint64
	Name       string
	Symbol     string
	Decimals   uint8
	DefaultRPC string
}

// DefaultDecimals is the fixed-point precision of native balances.
const DefaultDecimals uint8 = 18

// SecondaryChains lists the EVM chains with known account deployments.
var SecondaryChains = map[uint64]SecondaryChain{
	// Testnets
	11155111: {ChainID: 11155111, Name: "Ethereum Sepolia", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://ethereum-sepolia-rpc.publicnode.com"},
	84532:    {ChainID: 84532, Name: "Base Sepolia", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://sepolia.base.org"},
	421614:   {ChainID: 421614, Name: "Arbitrum Sepolia", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://sepolia-rollup.arbitrum.io/rpc"},
	11155420: {ChainID: 11155420, Name: "Optimism Sepolia", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://sepolia.optimism.io"},

	// Mainnets
	1:     {ChainID: 1, Name: "Ethereum", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://ethereum-rpc.publicnode.com"},
	8453:  {ChainID: 8453, Name: "Base", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://mainnet.base.org"},
	42161: {ChainID: 42161, Name: "Arbitrum One", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://arb1.arbitrum.io/rpc"},
	10:    {ChainID: 10, Name: "Optimism", Symbol: "ETH", Decimals: 18, DefaultRPC: "https://mainnet.optimism.io"},
}

// DefaultSecondaryChain returns the default execution chain for a network.
func DefaultSecondaryChain(network NetworkType) SecondaryChain {
	if network == Testnet {
		return SecondaryChains[11155111]
	}
	return SecondaryChains[1]
}

// GetSecondaryChain returns the chain params for a chain id.
func GetSecondaryChain(chainID uint64) (SecondaryChain, bool) {
	c, ok := SecondaryChains[chainID]
	return c, ok
}

// ListSecondaryChains returns all known chain ids in ascending order.
func ListSecondaryChains() []uint64 {
	ids := make([]uint64, 0, len(SecondaryChains))
	for id := range SecondaryChains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// Validator Schemes
// =============================================================================

// Validator scheme identifiers. A linked account address depends on the
// scheme, its version and the factory, so these must never change meaning.
const (
	SchemeECDSA             = "ecdsa"
	VersionSimpleAccountV06 = "simple-account-0.6"
)

// Gas limits used for the draft operation sent to the sponsor. The sponsor
// response overrides them.
const (
	DefaultCallGasLimit         uint64 = 100_000
	DefaultVerificationGasLimit uint64 = 400_000
	DefaultPreVerificationGas   uint64 = 60_000
)

// =============================================================================
// Confirmation Tracking
// =============================================================================

// Receipt polling policy.
const (
	DefaultPollInterval        = 10 * time.Second
	DefaultConfirmationTimeout = 120 * time.Second
)

// Sponsorship retry policy for transient failures.
const (
	DefaultSponsorAttempts   = 4
	DefaultSponsorBackoff    = 500 * time.Millisecond
	DefaultSponsorMaxBackoff = 5 * time.Second
)
