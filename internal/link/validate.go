package link

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/ankh/pkg/helpers"
)

type transfer struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// parseTransfer checks a transfer request without touching the network.
// Mixed-case recipients must carry a valid EIP-55 checksum.
func parseTransfer(req TransferRequest) (transfer, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return transfer{}, fmt.Errorf("%w: recipient is required", ErrInvalidTransfer)
	}
	if !strings.HasPrefix(recipient, "0x") || !common.IsHexAddress(recipient) {
		return transfer{}, fmt.Errorf("%w: recipient %q is not an address", ErrInvalidTransfer, req.Recipient)
	}
	to := common.HexToAddress(recipient)
	body := recipient[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && to.Hex() != recipient {
		return transfer{}, fmt.Errorf("%w: recipient %q has an invalid checksum", ErrInvalidTransfer, req.Recipient)
	}
	if to == (common.Address{}) {
		return transfer{}, fmt.Errorf("%w: recipient is the zero address", ErrInvalidTransfer)
	}

	if strings.TrimSpace(req.Value) == "" {
		return transfer{}, fmt.Errorf("%w: value is required", ErrInvalidTransfer)
	}
	value, err := helpers.ParseBaseUnits(strings.TrimSpace(req.Value))
	if err != nil {
		return transfer{}, fmt.Errorf("%w: value: %w", ErrInvalidTransfer, err)
	}

	if req.Data == "" {
		return transfer{}, fmt.Errorf("%w: data is required (use 0x for none)", ErrInvalidTransfer)
	}
	data, err := helpers.ParseHexData(req.Data)
	if err != nil {
		return transfer{}, fmt.Errorf("%w: data: %w", ErrInvalidTransfer, err)
	}

	return transfer{to: to, value: value, data: data}, nil
}
