package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/config"
)

func TestNewWiresEveryController(t *testing.T) {
	cfg := testConfig(t)

	rt, err := New(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, rt.Vault)
	require.NotNil(t, rt.Keyring)
	require.NotNil(t, rt.Perms)
	require.NotNil(t, rt.Network)
	require.NotNil(t, rt.Txns)
	require.NotNil(t, rt.Engine)
	require.NotNil(t, rt.UIBridge)
	require.NotNil(t, rt.Provider)
	require.NotNil(t, rt.Metrics)
}

func TestStartResumesPersistedStateWithoutWebsocket(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg, nil)
	require.NoError(t, err)

	err = rt.Start(context.Background(), "")
	require.NoError(t, err)

	require.False(t, rt.Vault.IsUnlocked())
	rt.Destroy()
}

func TestSeedConfiguredChainsRegistersPool(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPCEndpoints = map[string][]string{
		"1": {"https://mainnet.example/rpc"},
	}

	rt, err := New(cfg, nil)
	require.NoError(t, err)

	_, ok := rt.Network.ActiveEndpoint(chainref.ChainRef{Namespace: chainref.NamespaceEIP155, Reference: "1"})
	require.True(t, ok)
}

func testConfig(t *testing.T) config.RuntimeConfig {
	t.Helper()
	cfg := config.RuntimeConfig{
		DataDir:                  t.TempDir(),
		PBKDF2Iterations:         600_000,
		ApprovalTTL:              0,
		ReceiptBackoffInitial:    0,
		ReceiptBackoffMax:        0,
		ReceiptBackoffMultiplier: 2,
		ReceiptMaxAttempts:       1,
		RPCEndpoints:             map[string][]string{},
	}
	return cfg
}
