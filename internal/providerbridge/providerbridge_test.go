package providerbridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/attention"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/rpcengine"
	"github.com/shieldkey/walletcore/internal/storage/filestore"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/vault"
)

const testMnemonic = "test test test test test test test test test test test junk"

type fakeRPCClient struct{}

func (fakeRPCClient) PendingNonce(ctx context.Context, chainRefStr, address string) (uint64, error) {
	return 0, nil
}
func (fakeRPCClient) SuggestFees(ctx context.Context, chainRefStr string) (string, string, error) {
	return "1000000000", "3000000000", nil
}
func (fakeRPCClient) EstimateGas(ctx context.Context, chainRefStr string, req txn.Request) (uint64, error) {
	return 21000, nil
}
func (fakeRPCClient) Broadcast(ctx context.Context, chainRefStr string, signedTxRaw []byte) (string, error) {
	return "0xhash", nil
}
func (fakeRPCClient) Receipt(ctx context.Context, chainRefStr, hash string) (txn.ReceiptOutcome, error) {
	return txn.ReceiptOutcome{Found: true, Success: true, TransactionHash: hash}, nil
}
func (fakeRPCClient) ConfirmedNonce(ctx context.Context, chainRefStr, address string) (uint64, error) {
	return 0, nil
}
func (fakeRPCClient) BuildAndSign(ctx context.Context, chainRefStr string, preview txn.Preview, signer keyring.Signer) ([]byte, error) {
	return []byte{0xde, 0xad}, nil
}

type fakePassthrough struct{}

func (fakePassthrough) Call(ctx context.Context, chainRef, method string, params ...any) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

type recordingSender struct {
	events []Envelope
}

func (r *recordingSender) Send(ctx context.Context, env Envelope) error {
	r.events = append(r.events, env)
	return nil
}

type harness struct {
	bridge *Bridge
	keys   *keyring.Service
	vlt    *vault.Vault
	net    *network.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	msgr := messenger.New(nil)

	v := vault.New(filestore.NewVaultMetaStore(dir), msgr, nil)
	require.NoError(t, v.Init(ctx, "Hunter2!Strong"))
	require.NoError(t, v.Unlock(ctx, "Hunter2!Strong"))

	keys := keyring.New(v, msgr, filestore.NewKeyringMetaStore(dir), filestore.NewAccountStore(dir), nil)
	_, _, err := keys.ImportHD(ctx, "eip155", testMnemonic, "")
	require.NoError(t, err)

	perms, err := permission.New(ctx, filestore.NewPermissionStore(dir), msgr, nil)
	require.NoError(t, err)

	net, err := network.New(ctx, filestore.NewNetworkPreferencesStore(dir), filestore.NewNetworkRPCPreferencesStore(dir), filestore.NewChainRegistryStore(dir), msgr, nil)
	require.NoError(t, err)
	ref := chainref.EIP155ChainRef(1)
	require.NoError(t, net.ConfigurePool(ctx, ref, network.StrategyFailover, []network.Endpoint{{URL: "http://127.0.0.1:0"}}))
	require.NoError(t, net.SwitchActive(ctx, ref))

	approvals := approval.New(msgr, filestore.NewApprovalStore(dir), nil)
	attn := attention.New(msgr)
	txns := txn.New(filestore.NewTransactionStore(dir), fakeRPCClient{}, keys, perms, approvals, msgr, nil)

	engine := rpcengine.New(v, perms, net, keys, txns, approvals, attn, fakePassthrough{}, nil)
	bridge := New(engine, net, keys, v, msgr, nil)

	return &harness{bridge: bridge, keys: keys, vlt: v, net: net}
}

func TestHandshakeAckReflectsActiveChainAndAccounts(t *testing.T) {
	h := newHarness(t)
	ack, err := h.bridge.HandleEnvelope(context.Background(), "sess-1", Envelope{Channel: Channel, SessionID: "sess-1", Type: EnvelopeHandshake})
	require.NoError(t, err)
	require.Equal(t, EnvelopeHandshakeAck, ack.Type)

	payload, ok := ack.Data.(HandshakeAck)
	require.True(t, ok)
	require.Equal(t, "eip155:1", payload.CAIP2)
	require.Equal(t, "0x1", payload.ChainID)
	require.True(t, payload.IsUnlocked)
	require.Len(t, payload.Accounts, 1)
}

func TestDispatchRequestForwardsToEngine(t *testing.T) {
	h := newHarness(t)
	h.bridge.RegisterSession("sess-1", "https://dapp.example", &recordingSender{})

	resp, err := h.bridge.HandleEnvelope(context.Background(), "sess-1", Envelope{
		Channel: Channel, SessionID: "sess-1", Type: EnvelopeRequest, ID: "1", Method: "eth_chainId",
	})
	require.NoError(t, err)
	require.Equal(t, EnvelopeResponse, resp.Type)
	require.Nil(t, resp.Error)
	require.Equal(t, "0x1", resp.Result)
}

func TestDispatchRequestSerializesEngineError(t *testing.T) {
	h := newHarness(t)
	h.bridge.RegisterSession("sess-1", "https://dapp.example", &recordingSender{})

	resp, err := h.bridge.HandleEnvelope(context.Background(), "sess-1", Envelope{
		Channel: Channel, SessionID: "sess-1", Type: EnvelopeRequest, ID: "2", Method: "not_a_real_method",
	})
	require.NoError(t, err)
	require.Equal(t, EnvelopeResponse, resp.Type)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32603, resp.Error.Code)
}

func TestBroadcastAccountsChangedReachesRegisteredSessions(t *testing.T) {
	h := newHarness(t)
	sender := &recordingSender{}
	h.bridge.RegisterSession("sess-1", "https://dapp.example", sender)

	ctx := context.Background()
	metas, err := h.keys.KeyringMetas(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	_, err = h.keys.DeriveNextAccount(ctx, metas[0].ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range sender.events {
			if e.Type == EnvelopeEvent && e.Event == "accountsChanged" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastDisconnectOnLock(t *testing.T) {
	h := newHarness(t)
	sender := &recordingSender{}
	h.bridge.RegisterSession("sess-1", "https://dapp.example", sender)

	h.vlt.Lock("test")

	require.Eventually(t, func() bool {
		for _, e := range sender.events {
			if e.Type == EnvelopeEvent && e.Event == "disconnect" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
