package primary

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// ErrResolution is returned when the controller key cannot be read: the
// account does not exist, the call reverts, or it reports no controller.
var ErrResolution = errors.New("identity resolution failed")

// ContractReader is the read surface the resolver needs.
type ContractReader interface {
	Call(ctx context.Context, contract string, entrypoint string, args []*big.Int) ([]*big.Int, error)
}

// ResolverConfig configures controller key resolution.
type ResolverConfig struct {
	// Entrypoint is the account view returning its controller key.
	Entrypoint string

	// Attempts bounds retries of transient read failures.
	Attempts uint64

	// Backoff is the initial retry delay.
	Backoff time.Duration
}

// Resolver maps a primary account to its registered controller public key.
type Resolver struct {
	reader ContractReader
	cfg    ResolverConfig
	log    *logging.Logger
}

// NewResolver creates an identity resolver.
func NewResolver(reader ContractReader, cfg ResolverConfig) *Resolver {
	if cfg.Entrypoint == "" {
		cfg.Entrypoint = "get_owner"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	return &Resolver{
		reader: reader,
		cfg:    cfg,
		log:    logging.GetDefault().Component("identity"),
	}
}

// ResolveController reads the controller key of a primary account.
// It is a pure read, so transient transport failures are retried.
func (r *Resolver) ResolveController(ctx context.Context, address string) (*big.Int, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	b := retry.NewExponential(r.cfg.Backoff)
	b = retry.WithMaxRetries(r.cfg.Attempts-1, b)

	var values []*big.Int
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		out, err := r.reader.Call(ctx, addr, r.cfg.Entrypoint, nil)
		if err != nil {
			if backend.IsTransient(err) {
				r.log.Debug("Controller read failed, retrying", "address", addr, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		values = out
		return nil
	})
	if err != nil {
		if code, ok := backend.RemoteCode(err); ok {
			switch code {
			case CodeContractNotFound:
				return nil, fmt.Errorf("%w: account %s not deployed: %w", ErrResolution, addr, err)
			case CodeContractError:
				return nil, fmt.Errorf("%w: %s reverted: %w", ErrResolution, r.cfg.Entrypoint, err)
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrResolution, err)
	}

	if len(values) == 0 || values[0].Sign() == 0 {
		return nil, fmt.Errorf("%w: account %s has no controller key", ErrResolution, addr)
	}

	r.log.Debug("Resolved controller", "address", addr, "controller", FormatFelt(values[0]))
	return values[0], nil
}
