package eip155

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/vault"
)

type rpcRequest struct {
	Method string `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64  `json:"id"`
}

func newTestServer(t *testing.T, handler func(method string, id int64) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result := handler(req.Method, req.ID)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

type memRPCPrefsStore struct{ recs map[string]*storage.NetworkRPCPreference }

func (m *memRPCPrefsStore) Get(ctx context.Context, chainRef string) (*storage.NetworkRPCPreference, error) {
	return m.recs[chainRef], nil
}
func (m *memRPCPrefsStore) GetAll(ctx context.Context) ([]*storage.NetworkRPCPreference, error) {
	out := make([]*storage.NetworkRPCPreference, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}
func (m *memRPCPrefsStore) Put(ctx context.Context, rec *storage.NetworkRPCPreference) error {
	m.recs[rec.ChainRef] = rec
	return nil
}

type memPrefsStore struct{ prefs *storage.NetworkPreferences }

func (m *memPrefsStore) Load(ctx context.Context) (*storage.NetworkPreferences, error) { return m.prefs, nil }
func (m *memPrefsStore) Save(ctx context.Context, p *storage.NetworkPreferences) error {
	m.prefs = p
	return nil
}

type memRegistryStore struct{}

func (memRegistryStore) Get(ctx context.Context, chainRef string) (*storage.ChainRegistryRecord, error) {
	return nil, nil
}
func (memRegistryStore) GetAll(ctx context.Context) ([]*storage.ChainRegistryRecord, error) { return nil, nil }
func (memRegistryStore) Put(ctx context.Context, rec *storage.ChainRegistryRecord) error     { return nil }
func (memRegistryStore) PutMany(ctx context.Context, recs []*storage.ChainRegistryRecord) error {
	return nil
}
func (memRegistryStore) Delete(ctx context.Context, chainRef string) error { return nil }
func (memRegistryStore) Clear(ctx context.Context) error                  { return nil }

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, chainref.ChainRef) {
	t.Helper()
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)

	rpcStore := &memRPCPrefsStore{recs: map[string]*storage.NetworkRPCPreference{}}
	net, err := network.New(ctx, &memPrefsStore{}, rpcStore, memRegistryStore{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, net.ConfigurePool(ctx, ref, network.StrategyFailover, []network.Endpoint{{URL: srv.URL}}))

	return NewClient(net, 2*time.Second, nil), ref
}

func TestPendingNonceDecodesHexQuantity(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) any {
		require.Equal(t, "eth_getTransactionCount", method)
		return "0x5"
	})
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	nonce, err := c.PendingNonce(context.Background(), ref.String(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(5), nonce)
}

func TestSuggestFeesCombinesTipAndBaseFee(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) any {
		switch method {
		case "eth_maxPriorityFeePerGas":
			return "0x3b9aca00" // 1e9
		case "eth_getBlockByNumber":
			return map[string]any{"baseFeePerGas": "0x77359400"} // 2e9
		}
		return nil
	})
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	tip, feeCap, err := c.SuggestFees(context.Background(), ref.String())
	require.NoError(t, err)
	require.Equal(t, "1000000000", tip)
	require.Equal(t, "5000000000", feeCap) // 2*baseFee + tip
}

func TestBroadcastReturnsHash(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) any {
		require.Equal(t, "eth_sendRawTransaction", method)
		return "0xdeadbeef"
	})
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	hash, err := c.Broadcast(context.Background(), ref.String(), []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", hash)
}

func TestReceiptNotFoundWhenNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	outcome, err := c.Receipt(context.Background(), ref.String(), "0xabc")
	require.NoError(t, err)
	require.False(t, outcome.Found)
}

func TestReceiptSuccessStatus(t *testing.T) {
	srv := newTestServer(t, func(method string, id int64) any {
		return map[string]any{"status": "0x1", "transactionHash": "0xabc"}
	})
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	outcome, err := c.Receipt(context.Background(), ref.String(), "0xabc")
	require.NoError(t, err)
	require.True(t, outcome.Found)
	require.True(t, outcome.Success)
	require.Equal(t, "0xabc", outcome.TransactionHash)
}

type memVaultStore struct{ snap *storage.VaultMetaSnapshot }

func (m *memVaultStore) Load(ctx context.Context) (*storage.VaultMetaSnapshot, error) { return m.snap, nil }
func (m *memVaultStore) Save(ctx context.Context, snap *storage.VaultMetaSnapshot) error {
	m.snap = snap
	return nil
}
func (m *memVaultStore) Clear(ctx context.Context) error { m.snap = nil; return nil }

type memKeyringMetaStore struct{ recs map[string]*storage.KeyringMetaRecord }

func (s *memKeyringMetaStore) Get(ctx context.Context, id string) (*storage.KeyringMetaRecord, error) {
	return s.recs[id], nil
}
func (s *memKeyringMetaStore) GetAll(ctx context.Context) ([]*storage.KeyringMetaRecord, error) {
	out := make([]*storage.KeyringMetaRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}
func (s *memKeyringMetaStore) Put(ctx context.Context, rec *storage.KeyringMetaRecord) error {
	s.recs[rec.ID] = rec
	return nil
}
func (s *memKeyringMetaStore) Delete(ctx context.Context, id string) error { delete(s.recs, id); return nil }

type memAccountStore struct{ recs map[string]*storage.AccountRecord }

func (s *memAccountStore) Get(ctx context.Context, id string) (*storage.AccountRecord, error) {
	return s.recs[id], nil
}
func (s *memAccountStore) GetAll(ctx context.Context) ([]*storage.AccountRecord, error) {
	out := make([]*storage.AccountRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}
func (s *memAccountStore) Put(ctx context.Context, rec *storage.AccountRecord) error {
	s.recs[rec.AccountID] = rec
	return nil
}
func (s *memAccountStore) Delete(ctx context.Context, id string) error { delete(s.recs, id); return nil }

func TestBuildAndSignProducesValidLondonTransaction(t *testing.T) {
	ctx := context.Background()
	msgr := messenger.New(nil)
	v := vault.New(&memVaultStore{}, msgr, nil)
	require.NoError(t, v.Init(ctx, "Hunter2!Strong"))
	require.NoError(t, v.Unlock(ctx, "Hunter2!Strong"))

	keys := keyring.New(v, msgr, &memKeyringMetaStore{recs: map[string]*storage.KeyringMetaRecord{}}, &memAccountStore{recs: map[string]*storage.AccountRecord{}}, nil)
	_, acct, err := keys.ImportHD(ctx, "eip155", "test test test test test test test test test test test junk", "")
	require.NoError(t, err)
	signer, err := keys.SignerFor(acct.Address)
	require.NoError(t, err)

	srv := newTestServer(t, func(method string, id int64) any { return nil })
	defer srv.Close()
	c, ref := newTestClient(t, srv)

	preview := txn.Preview{
		From:      acct.Address,
		To:        "0x000000000000000000000000000000000000bEEF",
		ValueWei:  "1000000000000000",
		Nonce:     0,
		GasLimit:  21000,
		GasTipCap: "1000000000",
		GasFeeCap: "3000000000",
	}

	raw, err := c.BuildAndSign(ctx, ref.String(), preview, signer)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var decoded types.Transaction
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, uint64(0), decoded.Nonce())
	require.Equal(t, uint64(21000), decoded.Gas())

	signerAddr, err := types.Sender(types.NewLondonSigner(decoded.ChainId()), &decoded)
	require.NoError(t, err)
	require.Equal(t, acct.Address, strings.ToLower(signerAddr.Hex()))
}
