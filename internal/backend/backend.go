// Package backend provides the JSON-RPC endpoints the link pipeline talks to.
// This package never sees key material - signing happens in the link session.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Common errors
var (
	ErrNotConfigured = errors.New("endpoint not configured")
	ErrClosed        = errors.New("backend registry closed")
)

// Role identifies which collaborator an endpoint serves.
type Role string

const (
	RolePrimary   Role = "primary"   // Starknet-style node (identity reads)
	RoleSecondary Role = "secondary" // EVM node (balances, contract reads)
	RoleSponsor   Role = "sponsor"   // paymaster service
	RoleBundler   Role = "bundler"   // user operation relay
)

// DefaultTimeout bounds a single HTTP round-trip.
const DefaultTimeout = 30 * time.Second

// Config contains endpoint configuration.
type Config struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"` // e.g. API keys
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Dial opens a JSON-RPC client for the endpoint.
func Dial(ctx context.Context, cfg *Config) (*rpc.Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, ErrNotConfigured
	}

	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.timeout()}),
	}
	if len(cfg.Headers) > 0 {
		h := make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			h.Set(k, v)
		}
		opts = append(opts, rpc.WithHeaders(h))
	}

	client, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", Redact(cfg.URL), err)
	}
	return client, nil
}

// Redact strips credentials, query and path from an endpoint URL for logging.
// Hosted RPC providers often embed API keys in the path.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host
}

// Registry holds lazily dialed clients by role.
type Registry struct {
	mu      sync.Mutex
	configs map[Role]*Config
	clients map[Role]*rpc.Client
	closed  bool
}

// NewRegistry creates a registry for the given endpoint configs.
func NewRegistry(configs map[Role]*Config) *Registry {
	r := &Registry{
		configs: make(map[Role]*Config, len(configs)),
		clients: make(map[Role]*rpc.Client),
	}
	for role, cfg := range configs {
		if cfg != nil {
			r.configs[role] = cfg
		}
	}
	return r
}

// Register installs an already connected client for a role.
func (r *Registry) Register(role Role, client *rpc.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[role]; ok && old != client {
		old.Close()
	}
	r.clients[role] = client
}

// Client returns the client for a role, dialing on first use.
func (r *Registry) Client(ctx context.Context, role Role) (*rpc.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.clients[role]; ok {
		return c, nil
	}
	cfg, ok := r.configs[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, role)
	}
	c, err := Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	r.clients[role] = c
	return c, nil
}

// Eth returns an ethclient bound to the secondary chain endpoint.
func (r *Registry) Eth(ctx context.Context) (*ethclient.Client, error) {
	c, err := r.Client(ctx, RoleSecondary)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(c), nil
}

// Roles returns the configured roles, sorted.
func (r *Registry) Roles() []Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles := make([]Role, 0, len(r.configs))
	for role := range r.configs {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Close closes every dialed client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, c := range r.clients {
		c.Close()
		delete(r.clients, role)
	}
	r.closed = true
}
