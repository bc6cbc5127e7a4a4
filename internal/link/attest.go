package link

import (
	"math/big"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/primary"
)

// Attestation domain.
const (
	AttestationDomainName    = "Ankh"
	AttestationDomainVersion = "1"
)

// LinkAttestation builds the typed message the wallet signs to bind its
// primary identity to the secondary account.
func LinkAttestation(identity primary.Identity, acct account.Account, secondaryChainID *big.Int) *apitypes.TypedData {
	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Link": {
				{Name: "primaryAddress", Type: "string"},
				{Name: "primaryChainId", Type: "string"},
				{Name: "secondaryAddress", Type: "address"},
				{Name: "secondaryChainId", Type: "uint256"},
				{Name: "scheme", Type: "string"},
				{Name: "derivation", Type: "string"},
			},
		},
		PrimaryType: "Link",
		Domain: apitypes.TypedDataDomain{
			Name:    AttestationDomainName,
			Version: AttestationDomainVersion,
		},
		Message: apitypes.TypedDataMessage{
			"primaryAddress":   identity.Address,
			"primaryChainId":   identity.ChainID,
			"secondaryAddress": acct.Address.Hex(),
			"secondaryChainId": secondaryChainID.String(),
			"scheme":           acct.Scheme + "/" + acct.Version,
			"derivation":       keyderiv.Version,
		},
	}
}

// AttestationHash returns the EIP-712 digest of an attestation.
func AttestationHash(td *apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(*td)
	return hash, err
}
