// Package node assembles the link pipeline, its journal and the background
// reconciler into a running daemon.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/ankh/internal/backend"
	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/primary"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Network selects mainnet or testnet defaults.
	Network config.NetworkType `yaml:"network"`

	Primary    PrimaryConfig    `yaml:"primary"`
	Secondary  SecondaryConfig  `yaml:"secondary"`
	Account    AccountConfig    `yaml:"account"`
	Sponsor    SponsorConfig    `yaml:"sponsor"`
	Bundler    BundlerConfig    `yaml:"bundler"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Link       LinkConfig       `yaml:"link"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PrimaryConfig holds identity chain settings.
type PrimaryConfig struct {
	Endpoint backend.Config `yaml:"endpoint"`

	// ChainID is the felt-encoded chain id wallets must report.
	ChainID string `yaml:"chain_id"`

	// ControllerEntrypoint is the account view returning the controller key.
	ControllerEntrypoint string `yaml:"controller_entrypoint"`
}

// SecondaryConfig holds execution chain settings.
type SecondaryConfig struct {
	Endpoint backend.Config `yaml:"endpoint"`
	ChainID  uint64         `yaml:"chain_id"`

	// EntryPoint and Factory override the known deployment for ChainID.
	EntryPoint string `yaml:"entry_point,omitempty"`
	Factory    string `yaml:"factory,omitempty"`
}

// AccountConfig selects the validator scheme and draft gas limits.
type AccountConfig struct {
	Scheme  string `yaml:"scheme"`
	Version string `yaml:"version"`
	Salt    uint64 `yaml:"salt"`

	CallGasLimit         uint64 `yaml:"call_gas_limit"`
	VerificationGasLimit uint64 `yaml:"verification_gas_limit"`
	PreVerificationGas   uint64 `yaml:"pre_verification_gas"`
}

// SponsorConfig holds paymaster settings.
type SponsorConfig struct {
	Endpoint   backend.Config `yaml:"endpoint"`
	PolicyID   string         `yaml:"policy_id,omitempty"`
	Method     string         `yaml:"method,omitempty"`
	Attempts   uint64         `yaml:"attempts"`
	Backoff    time.Duration  `yaml:"backoff"`
	MaxBackoff time.Duration  `yaml:"max_backoff"`
}

// BundlerConfig holds relay settings.
type BundlerConfig struct {
	Endpoint backend.Config `yaml:"endpoint"`

	// CheckEntryPoint asks the bundler on startup whether it serves our
	// EntryPoint.
	CheckEntryPoint bool `yaml:"check_entry_point"`
}

// TrackingConfig is the receipt polling policy.
type TrackingConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty"`
}

// LinkConfig holds session options.
type LinkConfig struct {
	// Attest asks the wallet to sign a link attestation after linking.
	Attest bool `yaml:"attest"`
}

// ReconcilerConfig configures the late confirmation sweep.
type ReconcilerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// APIConfig holds JSON-RPC server settings.
type APIConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with defaults for the given network.
// Sponsor and bundler endpoints have no public default and must be set.
func DefaultConfig(network config.NetworkType) *Config {
	if network != config.Testnet {
		network = config.Mainnet
	}
	p := config.PrimaryNetworks[network]
	s := config.DefaultSecondaryChain(network)

	return &Config{
		Network: network,
		Primary: PrimaryConfig{
			Endpoint:             backend.Config{URL: p.DefaultRPC, Timeout: backend.DefaultTimeout},
			ChainID:              p.ChainID,
			ControllerEntrypoint: config.DefaultControllerEntrypoint,
		},
		Secondary: SecondaryConfig{
			Endpoint: backend.Config{URL: s.DefaultRPC, Timeout: backend.DefaultTimeout},
			ChainID:  s.ChainID,
		},
		Account: AccountConfig{
			Scheme:               config.SchemeECDSA,
			Version:              config.VersionSimpleAccountV06,
			CallGasLimit:         config.DefaultCallGasLimit,
			VerificationGasLimit: config.DefaultVerificationGasLimit,
			PreVerificationGas:   config.DefaultPreVerificationGas,
		},
		Sponsor: SponsorConfig{
			Endpoint:   backend.Config{Timeout: backend.DefaultTimeout},
			Attempts:   config.DefaultSponsorAttempts,
			Backoff:    config.DefaultSponsorBackoff,
			MaxBackoff: config.DefaultSponsorMaxBackoff,
		},
		Bundler: BundlerConfig{
			Endpoint:        backend.Config{Timeout: backend.DefaultTimeout},
			CheckEntryPoint: true,
		},
		Tracking: TrackingConfig{
			Interval: config.DefaultPollInterval,
			Timeout:  config.DefaultConfirmationTimeout,
		},
		Reconciler: DefaultReconcilerConfig(),
		API: APIConfig{
			Address: "127.0.0.1:8645",
		},
		Storage: StorageConfig{
			DataDir: "~/.ankh",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Endpoints returns the backend configuration per role.
func (c *Config) Endpoints() map[backend.Role]*backend.Config {
	out := make(map[backend.Role]*backend.Config, 4)
	add := func(role backend.Role, cfg backend.Config) {
		if cfg.URL != "" {
			cp := cfg
			out[role] = &cp
		}
	}
	add(backend.RolePrimary, c.Primary.Endpoint)
	add(backend.RoleSecondary, c.Secondary.Endpoint)
	add(backend.RoleSponsor, c.Sponsor.Endpoint)
	add(backend.RoleBundler, c.Bundler.Endpoint)
	return out
}

// Deployment returns the EntryPoint and factory for the secondary chain,
// applying any configured overrides to the known deployment.
func (c *Config) Deployment() (config.AccountDeployment, error) {
	var d config.AccountDeployment
	if known := config.GetDeployment(c.Secondary.ChainID); known != nil {
		d = *known
	}
	if c.Secondary.EntryPoint != "" {
		if !common.IsHexAddress(c.Secondary.EntryPoint) {
			return d, fmt.Errorf("secondary.entry_point %q is not an address", c.Secondary.EntryPoint)
		}
		d.EntryPoint = common.HexToAddress(c.Secondary.EntryPoint)
	}
	if c.Secondary.Factory != "" {
		if !common.IsHexAddress(c.Secondary.Factory) {
			return d, fmt.Errorf("secondary.factory %q is not an address", c.Secondary.Factory)
		}
		d.Factory = common.HexToAddress(c.Secondary.Factory)
	}
	if d.EntryPoint == (common.Address{}) || d.Factory == (common.Address{}) {
		return d, fmt.Errorf("no account deployment known for chain %d; set secondary.entry_point and secondary.factory", c.Secondary.ChainID)
	}
	return d, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Network != config.Mainnet && c.Network != config.Testnet {
		fail("network must be %q or %q, got %q", config.Mainnet, config.Testnet, c.Network)
	}
	if c.Primary.Endpoint.URL == "" {
		fail("primary.endpoint.url is required")
	}
	if _, err := primary.ParseFelt(c.Primary.ChainID); err != nil {
		fail("primary.chain_id: %w", err)
	}
	if c.Secondary.Endpoint.URL == "" {
		fail("secondary.endpoint.url is required")
	}
	if c.Secondary.ChainID == 0 {
		fail("secondary.chain_id is required")
	} else if _, err := c.Deployment(); err != nil {
		errs = append(errs, err)
	}
	if c.Sponsor.Endpoint.URL == "" {
		fail("sponsor.endpoint.url is required")
	}
	if c.Bundler.Endpoint.URL == "" {
		fail("bundler.endpoint.url is required")
	}
	if c.Tracking.Interval <= 0 {
		fail("tracking.interval must be positive")
	}
	if c.Tracking.Timeout < c.Tracking.Interval {
		fail("tracking.timeout (%s) must not be shorter than tracking.interval (%s)", c.Tracking.Timeout, c.Tracking.Interval)
	}
	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		fail("reconciler.interval must be positive")
	}
	if strings.TrimSpace(c.API.Address) == "" {
		fail("api.address is required")
	}
	return errors.Join(errs...)
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string, network config.NetworkType) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadConfigFile(configPath, network)
}

// LoadConfigFile loads configuration from an explicit path. Missing keys
// keep the network defaults.
func LoadConfigFile(path string, network config.NetworkType) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The file may name a different network than the flag; its defaults win.
	var header struct {
		Network config.NetworkType `yaml:"network"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if header.Network != "" {
		network = header.Network
	}

	cfg := DefaultConfig(network)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Ankh link daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	// Endpoint URLs may carry API keys.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
