// Package link orchestrates a linked account: it connects a primary-chain
// identity, derives the secondary signing key, provisions the smart account
// and relays sponsored transfers from it.
package link

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/sponsor"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/internal/userop"
)

// State is the session state.
type State string

const (
	StateDisconnected         State = "disconnected"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected" // identity known, no secondary account
	StateProvisioning         State = "provisioning"
	StateLinked               State = "linked" // idle
	StateSubmitting           State = "submitting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateError                State = "error"
)

// OperationState is the status-surface state of a transfer.
type OperationState string

const (
	OperationPending       OperationState = "pending"
	OperationConfirmed     OperationState = "confirmed"
	OperationTimedOut      OperationState = "timed_out"
	OperationFailed        OperationState = "failed"
	OperationIndeterminate OperationState = "indeterminate"
)

// EventType names a session event.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventOperationSubmitted EventType = "operation_submitted"
	EventOperationConfirmed EventType = "operation_confirmed"
	EventOperationTimedOut  EventType = "operation_timed_out"
	EventOperationFailed    EventType = "operation_failed"
	EventBalanceUpdated     EventType = "balance_updated"
)

// Event is emitted on every state change and operation milestone.
type Event struct {
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler receives session events in order. It must not block.
type EventHandler func(event Event)

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	From  State      `json:"from"`
	To    State      `json:"to"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// BalanceUpdate is the payload of EventBalanceUpdated.
type BalanceUpdate struct {
	Balance string `json:"balance"`
	Reason  string `json:"reason"`
}

// Balance refresh reasons.
const (
	RefreshLinked       = "linked"
	RefreshConfirmation = "confirmation"
	RefreshRequested    = "requested"
)

// TransferRequest is the transfer as entered by the user. All fields are
// required: value in base units, data as 0x hex (0x for none).
type TransferRequest struct {
	Recipient string `json:"recipient"`
	Value     string `json:"value"`
	Data      string `json:"data"`
}

// OperationStatus describes the current or last transfer.
type OperationStatus struct {
	ID          string         `json:"id"`
	Handle      string         `json:"handle,omitempty"`
	State       OperationState `json:"state"`
	Recipient   string         `json:"recipient"`
	Value       string         `json:"value"`
	Success     *bool          `json:"success,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (o *OperationStatus) copy() *OperationStatus {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Success != nil {
		v := *o.Success
		cp.Success = &v
	}
	if o.Error != nil {
		e := *o.Error
		cp.Error = &e
	}
	return &cp
}

// Status is the snapshot exposed to the presentation layer.
type Status struct {
	SessionID        string            `json:"session_id"`
	State            State             `json:"state"`
	Primary          *primary.Identity `json:"primary,omitempty"`
	Secondary        *account.Account  `json:"secondary,omitempty"`
	SecondaryChainID string            `json:"secondary_chain_id,omitempty"`
	Balance          string            `json:"balance,omitempty"`
	BalanceDisplay   string            `json:"balance_display,omitempty"`
	Symbol           string            `json:"symbol,omitempty"`
	BalanceUpdatedAt *time.Time        `json:"balance_updated_at,omitempty"`
	Pending          *OperationStatus  `json:"pending,omitempty"`
	LastOperation    *OperationStatus  `json:"last_operation,omitempty"`
	LastError        *ErrorInfo        `json:"last_error,omitempty"`
	Attestation      string            `json:"attestation,omitempty"`
}

// IdentityResolver reads the controller key of a primary account.
type IdentityResolver interface {
	ResolveController(ctx context.Context, address string) (*big.Int, error)
}

// AccountProvisioner locates the smart account of a derived key.
type AccountProvisioner interface {
	Provision(ctx context.Context, signer account.Signer) (*account.Client, error)
}

// OperationSponsor obtains a sponsor grant for a draft operation.
type OperationSponsor interface {
	Sponsor(ctx context.Context, op *userop.UserOperation) (*sponsor.Grant, error)
}

// OperationRelay submits operations and answers single receipt queries.
type OperationRelay interface {
	Submit(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	PollReceipt(ctx context.Context, handle common.Hash) (*relay.Receipt, error)
}

// ReceiptTracker polls a submitted operation to a receipt or timeout.
type ReceiptTracker interface {
	Track(ctx context.Context, handle common.Hash) (relay.Result, error)
}

// Journal records transfers. Optional.
type Journal interface {
	SaveOperation(op *storage.Operation) error
}

// DeriveFunc maps seed material to the secondary signing key.
type DeriveFunc func(seed []byte) (*keyderiv.DerivedKey, error)

// Deps are the collaborators a session sequences.
type Deps struct {
	Resolver    IdentityResolver
	Derive      DeriveFunc
	Provisioner AccountProvisioner
	Sponsor     OperationSponsor
	Relay       OperationRelay
	Tracker     ReceiptTracker
	Journal     Journal
}

// Options tune session behavior.
type Options struct {
	// PrimaryChainID, when set, is the only primary network accepted.
	PrimaryChainID string
	// Attest asks the wallet to sign a link attestation after linking.
	Attest bool
	// Symbol and Decimals render the balance.
	Symbol   string
	Decimals uint8
}
