package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// AccountStore is the file-backed storage.AccountStore.
type AccountStore struct {
	path string
	mu   sync.Mutex
}

func NewAccountStore(dir string) *AccountStore {
	return &AccountStore{path: dir + "/accounts.json"}
}

func (s *AccountStore) load() (map[string]*storage.AccountRecord, error) {
	recs := make(map[string]*storage.AccountRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *AccountStore) Get(ctx context.Context, accountID string) (*storage.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[accountID], nil
}

func (s *AccountStore) GetAll(ctx context.Context) ([]*storage.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.AccountRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *AccountStore) Put(ctx context.Context, rec *storage.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.AccountID] = rec
	return writeJSON(s.path, recs)
}

func (s *AccountStore) Delete(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	delete(recs, accountID)
	return writeJSON(s.path, recs)
}
