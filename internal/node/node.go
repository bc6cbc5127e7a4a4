package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/ankh/internal/account"
	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/link"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/relay"
	"github.com/klingon-exchange/ankh/internal/sponsor"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// ErrDerivationChanged is returned when the data directory was used with a
// different key derivation version. Every linked account would move.
var ErrDerivationChanged = errors.New("key derivation version changed")

// SettingDerivationVersion pins the derivation version of a data directory.
const SettingDerivationVersion = "derivation_version"

// Node is a running link daemon.
type Node struct {
	config     *Config
	store      *storage.Storage
	backends   *backend.Registry
	manager    *link.Manager
	relay      *relay.Relay
	reconciler *Reconciler
	deployment config.AccountDeployment
	log        *logging.Logger

	startTime time.Time
	mu        sync.Mutex
	started   bool
}

// New wires the pipeline from configuration. Endpoints are dialed lazily,
// so New does not touch the network.
func New(ctx context.Context, cfg *Config, store *storage.Storage) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	deployment, err := cfg.Deployment()
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:     cfg,
		store:      store,
		backends:   backend.NewRegistry(cfg.Endpoints()),
		deployment: deployment,
		log:        logging.GetDefault().Component("node"),
	}

	deps, err := n.buildDeps(ctx)
	if err != nil {
		n.backends.Close()
		return nil, err
	}

	chain, _ := config.GetSecondaryChain(cfg.Secondary.ChainID)
	n.manager = link.NewManager(deps, link.Options{
		PrimaryChainID: cfg.Primary.ChainID,
		Attest:         cfg.Link.Attest,
		Symbol:         chain.Symbol,
		Decimals:       chain.Decimals,
	})

	if cfg.Reconciler.Enabled {
		n.reconciler = NewReconciler(store, n.relay, cfg.Reconciler)
	}
	return n, nil
}

func (n *Node) buildDeps(ctx context.Context) (link.Deps, error) {
	cfg := n.config

	primaryClient, err := n.backends.Client(ctx, backend.RolePrimary)
	if err != nil {
		return link.Deps{}, err
	}
	resolver := primary.NewResolver(primary.NewReader(primaryClient), primary.ResolverConfig{
		Entrypoint: cfg.Primary.ControllerEntrypoint,
	})

	eth, err := n.backends.Eth(ctx)
	if err != nil {
		return link.Deps{}, err
	}
	validator, err := account.NewValidator(account.ValidatorConfig{
		Scheme:  cfg.Account.Scheme,
		Version: cfg.Account.Version,
		Factory: n.deployment.Factory,
		Salt:    new(big.Int).SetUint64(cfg.Account.Salt),
	})
	if err != nil {
		return link.Deps{}, err
	}
	provisioner, err := account.NewProvisioner(eth, account.ProvisionerConfig{
		EntryPoint:           n.deployment.EntryPoint,
		ChainID:              new(big.Int).SetUint64(cfg.Secondary.ChainID),
		Validator:            validator,
		CallGasLimit:         cfg.Account.CallGasLimit,
		VerificationGasLimit: cfg.Account.VerificationGasLimit,
		PreVerificationGas:   cfg.Account.PreVerificationGas,
	})
	if err != nil {
		return link.Deps{}, err
	}

	sponsorClient, err := n.backends.Client(ctx, backend.RoleSponsor)
	if err != nil {
		return link.Deps{}, err
	}
	sp := sponsor.New(sponsorClient, sponsor.Config{
		EntryPoint: n.deployment.EntryPoint,
		PolicyID:   cfg.Sponsor.PolicyID,
		Method:     cfg.Sponsor.Method,
		Attempts:   cfg.Sponsor.Attempts,
		Backoff:    cfg.Sponsor.Backoff,
		MaxBackoff: cfg.Sponsor.MaxBackoff,
	})

	bundlerClient, err := n.backends.Client(ctx, backend.RoleBundler)
	if err != nil {
		return link.Deps{}, err
	}
	n.relay = relay.New(bundlerClient, n.deployment.EntryPoint)
	tracker := relay.NewTracker(n.relay, relay.TrackConfig{
		Interval:       cfg.Tracking.Interval,
		Timeout:        cfg.Tracking.Timeout,
		AttemptTimeout: cfg.Tracking.AttemptTimeout,
	})

	return link.Deps{
		Resolver:    resolver,
		Provisioner: provisioner,
		Sponsor:     sp,
		Relay:       n.relay,
		Tracker:     tracker,
		Journal:     n.store,
	}, nil
}

// Start runs the startup checks and background workers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	if err := CheckDerivationVersion(n.store); err != nil {
		return err
	}

	if n.config.Bundler.CheckEntryPoint {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.relay.CheckEntryPoint(cctx)
		cancel()
		if err != nil {
			// The bundler may be briefly unreachable; submissions will say so.
			n.log.Warn("Bundler entry point check failed", "entry_point", n.deployment.EntryPoint.Hex(), "error", err)
		}
	}

	if n.reconciler != nil {
		n.reconciler.Start()
	}

	n.startTime = time.Now()
	n.started = true
	n.log.Info("Node started",
		"network", n.config.Network,
		"primary_chain", n.config.Primary.ChainID,
		"secondary_chain", n.config.Secondary.ChainID,
		"entry_point", n.deployment.EntryPoint.Hex(),
		"derivation", keyderiv.Version,
	)
	return nil
}

// Stop disconnects every session, stops the reconciler and closes the
// endpoint clients. The caller closes storage.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.manager.Shutdown()
	if n.reconciler != nil && n.started {
		n.reconciler.Stop()
	}
	n.backends.Close()
	n.started = false
	n.log.Info("Node stopped")
}

// Manager returns the session manager.
func (n *Node) Manager() *link.Manager {
	return n.manager
}

// Storage returns the operation journal.
func (n *Node) Storage() *storage.Storage {
	return n.store
}

// Info describes the running node.
type Info struct {
	Network          config.NetworkType      `json:"network"`
	PrimaryChainID   string                  `json:"primary_chain_id"`
	SecondaryChainID uint64                  `json:"secondary_chain_id"`
	EntryPoint       string                  `json:"entry_point"`
	Factory          string                  `json:"factory"`
	Scheme           string                  `json:"scheme"`
	Derivation       string                  `json:"derivation"`
	Endpoints        map[backend.Role]string `json:"endpoints"`
	Sessions         int                     `json:"sessions"`
	Operations       map[string]int          `json:"operations,omitempty"`
	Uptime           string                  `json:"uptime"`
}

// Info returns a snapshot of the node configuration and load.
func (n *Node) Info() Info {
	endpoints := make(map[backend.Role]string)
	for role, cfg := range n.config.Endpoints() {
		endpoints[role] = backend.Redact(cfg.URL)
	}

	info := Info{
		Network:          n.config.Network,
		PrimaryChainID:   n.config.Primary.ChainID,
		SecondaryChainID: n.config.Secondary.ChainID,
		EntryPoint:       n.deployment.EntryPoint.Hex(),
		Factory:          n.deployment.Factory.Hex(),
		Scheme:           n.config.Account.Scheme + "/" + n.config.Account.Version,
		Derivation:       keyderiv.Version,
		Endpoints:        endpoints,
		Sessions:         n.manager.Count(),
	}

	if counts, err := n.store.CountOperations(); err == nil {
		info.Operations = make(map[string]int, len(counts))
		for state, c := range counts {
			info.Operations[string(state)] = c
		}
	}

	n.mu.Lock()
	if n.started {
		info.Uptime = time.Since(n.startTime).Round(time.Second).String()
	}
	n.mu.Unlock()
	return info
}

// CheckDerivationVersion pins the derivation version on first use and
// refuses a data directory created under another version.
func CheckDerivationVersion(store *storage.Storage) error {
	v, err := store.GetSetting(SettingDerivationVersion)
	switch {
	case errors.Is(err, storage.ErrSettingNotFound):
		return store.SetSetting(SettingDerivationVersion, keyderiv.Version)
	case err != nil:
		return fmt.Errorf("failed to read derivation version: %w", err)
	case v != keyderiv.Version:
		return fmt.Errorf("%w: data directory uses %s, this build derives %s", ErrDerivationChanged, v, keyderiv.Version)
	}
	return nil
}
