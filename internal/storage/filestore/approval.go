package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// ApprovalStore is the file-backed storage.ApprovalStore, used only to
// recover enough state to mark stale pending approvals expired across a
// restart (spec.md §4.4) — the in-memory resolver channel never survives.
type ApprovalStore struct {
	path string
	mu   sync.Mutex
}

func NewApprovalStore(dir string) *ApprovalStore {
	return &ApprovalStore{path: dir + "/approvals.json"}
}

func (s *ApprovalStore) load() (map[string]*storage.ApprovalRecord, error) {
	recs := make(map[string]*storage.ApprovalRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (*storage.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[id], nil
}

func (s *ApprovalStore) GetAll(ctx context.Context) ([]*storage.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.ApprovalRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *ApprovalStore) Put(ctx context.Context, rec *storage.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.ID] = rec
	return writeJSON(s.path, recs)
}

func (s *ApprovalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	delete(recs, id)
	return writeJSON(s.path, recs)
}
