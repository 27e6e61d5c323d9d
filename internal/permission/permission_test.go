package permission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*storage.PermissionRecord
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]*storage.PermissionRecord)} }

func k(origin, namespace string) string { return origin + "|" + namespace }

func (s *memStore) Get(ctx context.Context, origin, namespace string) (*storage.PermissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[k(origin, namespace)], nil
}
func (s *memStore) GetAll(ctx context.Context) ([]*storage.PermissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.PermissionRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}
func (s *memStore) Put(ctx context.Context, rec *storage.PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[k(rec.Origin, rec.Namespace)] = rec
	return nil
}
func (s *memStore) Delete(ctx context.Context, origin, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, k(origin, namespace))
	return nil
}
func (s *memStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = make(map[string]*storage.PermissionRecord)
	return nil
}

func TestGrantIsMonotonic(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, newMemStore(), messenger.New(nil), nil)
	require.NoError(t, err)
	ref := chainref.EIP155ChainRef(1)

	require.NoError(t, svc.Grant(ctx, "https://dapp.example", "eip155", ref, CapabilityBasic))
	require.True(t, svc.IsConnected("https://dapp.example", "eip155", ref))
	require.False(t, svc.HasCapability("https://dapp.example", "eip155", ref, CapabilityAccounts))

	require.NoError(t, svc.Grant(ctx, "https://dapp.example", "eip155", ref, CapabilityAccounts))
	require.True(t, svc.HasCapability("https://dapp.example", "eip155", ref, CapabilityBasic))
	require.True(t, svc.HasCapability("https://dapp.example", "eip155", ref, CapabilityAccounts))
}

func TestGetPermittedAccountsRequiresAccountsCapability(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, newMemStore(), messenger.New(nil), nil)
	require.NoError(t, err)
	ref := chainref.EIP155ChainRef(1)

	require.Empty(t, svc.GetPermittedAccounts("https://dapp.example", "eip155", ref, []string{"0xabc"}))

	require.NoError(t, svc.Grant(ctx, "https://dapp.example", "eip155", ref, CapabilityAccounts))
	got := svc.GetPermittedAccounts("https://dapp.example", "eip155", ref, []string{"0xabc"})
	require.Equal(t, []string{"0xabc"}, got)
}

func TestRevokeClearsGrants(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc, err := New(ctx, store, messenger.New(nil), nil)
	require.NoError(t, err)
	ref := chainref.EIP155ChainRef(1)

	require.NoError(t, svc.Grant(ctx, "https://dapp.example", "eip155", ref, CapabilityBasic))
	require.NoError(t, svc.Revoke(ctx, "https://dapp.example", "eip155"))
	require.False(t, svc.IsConnected("https://dapp.example", "eip155", ref))

	rec, err := store.Get(ctx, "https://dapp.example", "eip155")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestHydratesFromStoreOnConstruction(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ref := chainref.EIP155ChainRef(1)
	require.NoError(t, store.Put(ctx, &storage.PermissionRecord{
		Origin: "https://dapp.example", Namespace: "eip155",
		Grants: map[string][]string{ref.String(): {string(CapabilityBasic)}},
	}))

	svc, err := New(ctx, store, messenger.New(nil), nil)
	require.NoError(t, err)
	require.True(t, svc.HasCapability("https://dapp.example", "eip155", ref, CapabilityBasic))
}
