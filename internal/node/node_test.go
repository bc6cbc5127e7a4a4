package node

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/ankh/internal/config"
	"github.com/klingon-exchange/ankh/internal/keyderiv"
	"github.com/klingon-exchange/ankh/internal/link"
	"github.com/klingon-exchange/ankh/internal/primary"
	"github.com/klingon-exchange/ankh/internal/storage"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }

type fakeStarknet struct {
	accounts map[string]string
}

func (f *fakeStarknet) Call(req primary.FunctionCall, block string) ([]string, error) {
	controller, ok := f.accounts[req.ContractAddress]
	if !ok {
		return nil, &rpcError{code: primary.CodeContractNotFound, msg: "Contract not found"}
	}
	return []string{controller}, nil
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

type fakeEth struct {
	chainID uint64
	balance *big.Int
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(f.chainID))
}

func (f *fakeEth) Call(args callArgs, block string) (hexutil.Bytes, error) {
	data := args.Input
	if len(data) == 0 {
		data = args.Data
	}
	// SimpleAccountFactory.getAddress(address,uint256)
	if len(data) < 4 || hex.EncodeToString(data[:4]) != "8cb84e18" {
		return nil, &rpcError{code: 3, msg: "execution reverted"}
	}
	return common.LeftPadBytes(testAccount.Bytes(), 32), nil
}

func (f *fakeEth) GetCode(addr common.Address, block string) hexutil.Bytes {
	return hexutil.Bytes{}
}

func (f *fakeEth) GetBalance(addr common.Address, block string) *hexutil.Big {
	if addr != testAccount {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(f.balance)
}

type fakeBundlerInfo struct {
	entryPoints []common.Address
}

func (f *fakeBundlerInfo) SupportedEntryPoints() []common.Address {
	return f.entryPoints
}

func serveRPC(t *testing.T, namespace string, svc interface{}) string {
	t.Helper()
	server := rpc.NewServer()
	if svc != nil {
		if err := server.RegisterName(namespace, svc); err != nil {
			t.Fatalf("RegisterName(%s): %v", namespace, err)
		}
	}
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})
	return ts.URL
}

func newTestNode(t *testing.T) (*Node, *storage.Storage) {
	t.Helper()

	cfg := validConfig()
	cfg.Primary.Endpoint.URL = serveRPC(t, "starknet", &fakeStarknet{accounts: map[string]string{"0xabc": "0xdef"}})
	cfg.Secondary.Endpoint.URL = serveRPC(t, "eth", &fakeEth{chainID: 11155111, balance: big.NewInt(5000)})
	cfg.Sponsor.Endpoint.URL = serveRPC(t, "pm", nil)
	cfg.Bundler.Endpoint.URL = serveRPC(t, "eth", &fakeBundlerInfo{entryPoints: []common.Address{config.EntryPointV06}})

	store := setupJournal(t)
	n, err := New(context.Background(), cfg, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n, store
}

func TestNodeLinksOverRPC(t *testing.T) {
	n, _ := newTestNode(t)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := n.Manager().Open()
	st, err := s.Connect(context.Background(), primary.NewStaticConnector("0xabc", config.PrimaryChainSepolia), primary.ModeInteractive)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st.State != link.StateLinked {
		t.Fatalf("state = %s, want %s", st.State, link.StateLinked)
	}
	if st.Secondary.Address != testAccount {
		t.Errorf("secondary = %s, want %s", st.Secondary.Address.Hex(), testAccount.Hex())
	}
	// Golden: derive(0xdef) under v1.
	if st.Secondary.Owner != common.HexToAddress("0xA9A13B746619B6B189d7c6022462DB663d56082f") {
		t.Errorf("owner = %s", st.Secondary.Owner.Hex())
	}
	if st.Balance != "5000" || st.Symbol != "ETH" {
		t.Errorf("balance = %s %s", st.Balance, st.Symbol)
	}

	if n.Info().Sessions != 1 {
		t.Errorf("sessions = %d", n.Info().Sessions)
	}
}

func TestNodeUnknownIdentity(t *testing.T) {
	n, _ := newTestNode(t)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := n.Manager().Open()
	_, err := s.Connect(context.Background(), primary.NewStaticConnector("0x999", config.PrimaryChainSepolia), primary.ModeInteractive)
	if !errors.Is(err, primary.ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
	if s.State() != link.StateDisconnected {
		t.Errorf("state = %s", s.State())
	}
}

func TestNodePinsDerivationVersion(t *testing.T) {
	n, store := newTestNode(t)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	v, err := store.GetSetting(SettingDerivationVersion)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != keyderiv.Version {
		t.Errorf("pinned %q, want %q", v, keyderiv.Version)
	}
	if err := n.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestNodeRejectsChangedDerivation(t *testing.T) {
	n, store := newTestNode(t)
	if err := store.SetSetting(SettingDerivationVersion, "ankh/secondary-key/v0"); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrDerivationChanged) {
		t.Errorf("expected ErrDerivationChanged, got %v", err)
	}
}

func TestNodeInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Bundler.Endpoint.URL = ""
	if _, err := New(context.Background(), cfg, setupJournal(t)); err == nil {
		t.Error("expected error for missing bundler endpoint")
	}
}

func TestNodeInfo(t *testing.T) {
	n, _ := newTestNode(t)
	info := n.Info()

	if info.Network != config.Testnet {
		t.Errorf("network = %s", info.Network)
	}
	if info.EntryPoint != config.EntryPointV06.Hex() {
		t.Errorf("entry point = %s", info.EntryPoint)
	}
	if info.Derivation != keyderiv.Version {
		t.Errorf("derivation = %s", info.Derivation)
	}
	if len(info.Endpoints) != 4 {
		t.Errorf("endpoints = %v", info.Endpoints)
	}
	if info.Uptime != "" {
		t.Error("uptime reported before start")
	}
}
