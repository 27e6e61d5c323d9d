package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/storage"
)

func TestAtomicWriteFileCreatesNestedDirsAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "vault.json")

	require.NoError(t, atomicWriteFile(target, []byte("first"), 0600))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	require.NoError(t, atomicWriteFile(target, []byte("second"), 0600))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestVaultMetaStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewVaultMetaStore(t.TempDir())

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	want := &storage.VaultMetaSnapshot{
		Version:   1,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
		Payload: storage.VaultMetaPayload{
			CiphertextVersion:   1,
			CiphertextAlgorithm: "pbkdf2-sha256",
			HasCiphertext:       true,
		},
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Payload.CiphertextAlgorithm, got.Payload.CiphertextAlgorithm)
	require.True(t, got.Payload.HasCiphertext)

	require.NoError(t, store.Clear(ctx))
	snap, err = store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestAccountStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore(t.TempDir())

	rec := &storage.AccountRecord{AccountID: "eip155:1:0xabc", ChainRef: "eip155:1", Address: "0xabc", KeyringID: "kr1", Index: 0}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, rec.AccountID)
	require.NoError(t, err)
	require.Equal(t, rec.Address, got.Address)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, rec.AccountID))
	got, err = store.Get(ctx, rec.AccountID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPermissionStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewPermissionStore(t.TempDir())

	rec := &storage.PermissionRecord{
		Origin:    "https://dapp.example",
		Namespace: "eip155",
		Grants:    map[string][]string{"eip155:1": {"accounts", "sign"}},
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, rec.Origin, rec.Namespace)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"accounts", "sign"}, got.Grants["eip155:1"])

	require.NoError(t, store.Clear(ctx))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestTransactionStoreUpdateIfStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewTransactionStore(t.TempDir())

	rec := &storage.TransactionRecord{ID: "tx1", Status: "pending", ChainRef: "eip155:1"}
	require.NoError(t, store.Put(ctx, rec))

	updated, ok, err := store.UpdateIfStatus(ctx, "tx1", "pending", func(r *storage.TransactionRecord) {
		r.Status = "signed"
		r.Hash = "0xabc"
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "signed", updated.Status)

	// Stale expectation is rejected — this is the CAS guard transaction
	// controllers rely on to avoid clobbering a concurrent transition.
	_, ok, err = store.UpdateIfStatus(ctx, "tx1", "pending", func(r *storage.TransactionRecord) {
		r.Status = "broadcast"
	})
	require.NoError(t, err)
	require.False(t, ok)

	found, err := store.FindByChainRefAndHash(ctx, "eip155:1", "0xabc")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "tx1", found.ID)
}

func TestSettingsStoreBase64RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSettingsStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "theme", []byte("dark")))
	got, err := store.Get(ctx, "theme")
	require.NoError(t, err)
	require.Equal(t, "dark", string(got))

	missing, err := store.Get(ctx, "language")
	require.NoError(t, err)
	require.Nil(t, missing)
}
