package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// KeyringMetaStore is the file-backed storage.KeyringMetaStore. All records
// are kept in one JSON document keyed by id; writes load-mutate-save under
// a mutex so concurrent Put calls never race on the rename.
type KeyringMetaStore struct {
	path string
	mu   sync.Mutex
}

func NewKeyringMetaStore(dir string) *KeyringMetaStore {
	return &KeyringMetaStore{path: dir + "/keyrings.json"}
}

func (s *KeyringMetaStore) load() (map[string]*storage.KeyringMetaRecord, error) {
	recs := make(map[string]*storage.KeyringMetaRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *KeyringMetaStore) Get(ctx context.Context, id string) (*storage.KeyringMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[id], nil
}

func (s *KeyringMetaStore) GetAll(ctx context.Context) ([]*storage.KeyringMetaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.KeyringMetaRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *KeyringMetaStore) Put(ctx context.Context, rec *storage.KeyringMetaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.ID] = rec
	return writeJSON(s.path, recs)
}

func (s *KeyringMetaStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	delete(recs, id)
	return writeJSON(s.path, recs)
}
