package link

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/sponsor"
)

// Session errors
var (
	ErrNotLinked         = errors.New("session has no linked account")
	ErrAlreadyLinked     = errors.New("session already linked")
	ErrOperationInFlight = errors.New("an operation is already in flight")
	ErrInvalidTransfer   = errors.New("invalid transfer request")
	ErrDisconnected      = errors.New("session disconnected")
	ErrWrongNetwork      = errors.New("wallet is on the wrong primary network")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrSessionNotFound   = errors.New("session not found")
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageResolve   Stage = "resolve"
	StageDerive    Stage = "derive"
	StageProvision Stage = "provision"
	StageAttest    Stage = "attest"
	StageBalance   Stage = "balance"
	StageValidate  Stage = "validate"
	StagePrepare   Stage = "prepare"
	StageSponsor   Stage = "sponsor"
	StageSign      Stage = "sign"
	StageSubmit    Stage = "submit"
	StageTrack     Stage = "track"
)

// Kind is the user-facing error category.
type Kind string

const (
	KindWallet                 Kind = "wallet_error"
	KindWrongNetwork           Kind = "wrong_network"
	KindResolution             Kind = "resolution_error"
	KindInvalidSeed            Kind = "invalid_seed"
	KindProvisioning           Kind = "provisioning_error"
	KindAttestation            Kind = "attestation_error"
	KindBalanceUnavailable     Kind = "balance_unavailable"
	KindInvalidInput           Kind = "invalid_input"
	KindPrepare                Kind = "prepare_error"
	KindSponsorshipDenied      Kind = "sponsorship_denied"
	KindSponsorshipUnavailable Kind = "sponsorship_unavailable"
	KindSubmissionRejected     Kind = "submission_rejected"
	KindRelayUnavailable       Kind = "relay_unavailable"
	KindConfirmationTimeout    Kind = "confirmation_timeout"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// StageError is a pipeline failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed if repeated.
func (e *StageError) Retryable() bool {
	switch e.Kind {
	case KindSponsorshipUnavailable, KindRelayUnavailable, KindProvisioning, KindBalanceUnavailable, KindWallet:
		return true
	}
	return false
}

func stageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: Classify(err), Err: err}
}

// Classify maps a pipeline error to its kind.
func Classify(err error) Kind {
	var se *StageError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrWrongNetwork):
		return KindWrongNetwork
	case errors.Is(err, ErrInvalidTransfer):
		return KindInvalidInput
	case errors.Is(err, primary.ErrResolution):
		return KindResolution
	case errors.Is(err, primary.ErrNoAccount), errors.Is(err, primary.ErrSigningUnsupported), errors.Is(err, primary.ErrInvalidFelt):
		return KindWallet
	case errors.Is(err, keyderiv.ErrInvalidSeed):
		return KindInvalidSeed
	case errors.Is(err, account.ErrProvisioning):
		return KindProvisioning
	case errors.Is(err, account.ErrPrepare):
		return KindPrepare
	case errors.Is(err, sponsor.ErrDenied):
		return KindSponsorshipDenied
	case errors.Is(err, sponsor.ErrUnavailable):
		return KindSponsorshipUnavailable
	case errors.Is(err, relay.ErrSubmissionRejected):
		return KindSubmissionRejected
	case errors.Is(err, relay.ErrRelayUnavailable):
		return KindRelayUnavailable
	case errors.Is(err, relay.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, relay.ErrTrackingCancelled), errors.Is(err, ErrDisconnected):
		return KindCancelled
	}
	return KindInternal
}

// ErrorInfo is the status-surface rendering of a StageError.
type ErrorInfo struct {
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func errorInfo(err *StageError) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Stage: err.Stage, Kind: err.Kind, Message: err.Err.Error()}
}
