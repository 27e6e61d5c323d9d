package filestore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shieldkey/walletcore/internal/storage"
)

// VaultMetaStore is the file-backed storage.VaultMetaStore. The ciphertext
// and its non-secret metadata live together in one JSON document — the
// vault never needs partial reads, and one file keeps the rename atomic.
type VaultMetaStore struct {
	path string
}

func NewVaultMetaStore(dir string) *VaultMetaStore {
	return &VaultMetaStore{path: filepath.Join(dir, "vault.json")}
}

func (s *VaultMetaStore) Load(ctx context.Context) (*storage.VaultMetaSnapshot, error) {
	var snap storage.VaultMetaSnapshot
	ok, err := readJSON(s.path, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (s *VaultMetaStore) Save(ctx context.Context, snap *storage.VaultMetaSnapshot) error {
	return writeJSON(s.path, snap)
}

func (s *VaultMetaStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
