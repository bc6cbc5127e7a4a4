package config

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AccountDeployment holds the ERC-4337 contracts used on one EVM chain.
type AccountDeployment struct {
	// EntryPoint is the v0.6 EntryPoint singleton.
	EntryPoint common.Address

	// Factory deploys accounts for the ecdsa/simple-account-0.6 scheme.
	Factory common.Address
}

// Canonical v0.6 deployments share addresses across chains.
var (
	EntryPointV06           = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	SimpleAccountFactoryV06 = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
)

var (
	deploymentsMu sync.RWMutex

	// deploymentRegistry maps chainID -> deployment
	deploymentRegistry = map[uint64]*AccountDeployment{}
)

func init() {
	for id := range SecondaryChains {
		deploymentRegistry[id] = &AccountDeployment{
			EntryPoint: EntryPointV06,
			Factory:    SimpleAccountFactoryV06,
		}
	}
}

// GetDeployment returns the deployment for a chain id, or nil.
func GetDeployment(chainID uint64) *AccountDeployment {
	deploymentsMu.RLock()
	defer deploymentsMu.RUnlock()
	d := deploymentRegistry[chainID]
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// IsDeployed returns true if both contracts are known for the chain.
func IsDeployed(chainID uint64) bool {
	d := GetDeployment(chainID)
	return d != nil && d.EntryPoint != (common.Address{}) && d.Factory != (common.Address{})
}

// RegisterDeployment registers or replaces the deployment for a chain,
// e.g. from a config override or a local devnet.
func RegisterDeployment(chainID uint64, d *AccountDeployment) {
	deploymentsMu.Lock()
	defer deploymentsMu.Unlock()
	cp := *d
	deploymentRegistry[chainID] = &cp
}
