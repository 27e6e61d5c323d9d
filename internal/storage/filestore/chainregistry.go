package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// ChainRegistryStore is the file-backed storage.ChainRegistryStore.
type ChainRegistryStore struct {
	path string
	mu   sync.Mutex
}

func NewChainRegistryStore(dir string) *ChainRegistryStore {
	return &ChainRegistryStore{path: dir + "/chain_registry.json"}
}

func (s *ChainRegistryStore) load() (map[string]*storage.ChainRegistryRecord, error) {
	recs := make(map[string]*storage.ChainRegistryRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *ChainRegistryStore) Get(ctx context.Context, chainRef string) (*storage.ChainRegistryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[chainRef], nil
}

func (s *ChainRegistryStore) GetAll(ctx context.Context) ([]*storage.ChainRegistryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.ChainRegistryRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *ChainRegistryStore) Put(ctx context.Context, rec *storage.ChainRegistryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.ChainRef] = rec
	return writeJSON(s.path, recs)
}

func (s *ChainRegistryStore) PutMany(ctx context.Context, incoming []*storage.ChainRegistryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	for _, rec := range incoming {
		recs[rec.ChainRef] = rec
	}
	return writeJSON(s.path, recs)
}

func (s *ChainRegistryStore) Delete(ctx context.Context, chainRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	delete(recs, chainRef)
	return writeJSON(s.path, recs)
}

func (s *ChainRegistryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, map[string]*storage.ChainRegistryRecord{})
}
