package filestore

import (
	"context"
	"sync"
	"time"

	"github.com/shieldkey/walletcore/internal/storage"
)

// TransactionStore is the file-backed storage.TransactionStore. All records
// share one JSON document; UpdateIfStatus takes the store mutex for its
// entire load-check-mutate-save cycle, giving the same CAS guarantee the
// in-memory reference implementation gives in tests — the file is never
// read by more than one writer inside this process.
type TransactionStore struct {
	path string
	mu   sync.Mutex
}

func NewTransactionStore(dir string) *TransactionStore {
	return &TransactionStore{path: dir + "/transactions.json"}
}

func (s *TransactionStore) load() (map[string]*storage.TransactionRecord, error) {
	recs := make(map[string]*storage.TransactionRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *TransactionStore) Get(ctx context.Context, id string) (*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[id], nil
}

func (s *TransactionStore) GetAll(ctx context.Context) ([]*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.TransactionRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *TransactionStore) GetByStatus(ctx context.Context, status string) ([]*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*storage.TransactionRecord
	for _, r := range recs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *TransactionStore) FindByChainRefAndHash(ctx context.Context, chainRef, hash string) (*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash == "" {
		return nil, nil
	}
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.ChainRef == chainRef && r.Hash == hash {
			return r, nil
		}
	}
	return nil, nil
}

func (s *TransactionStore) Put(ctx context.Context, rec *storage.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	cp := *rec
	recs[rec.ID] = &cp
	return writeJSON(s.path, recs)
}

func (s *TransactionStore) UpdateIfStatus(ctx context.Context, id, expectedStatus string, mutate func(*storage.TransactionRecord)) (*storage.TransactionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := recs[id]
	if !ok || rec.Status != expectedStatus {
		return nil, false, nil
	}
	cp := *rec
	mutate(&cp)
	cp.UpdatedAt = time.Now()
	recs[id] = &cp
	if err := writeJSON(s.path, recs); err != nil {
		return nil, false, err
	}
	out := cp
	return &out, true, nil
}
