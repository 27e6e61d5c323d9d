package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// PermissionStore is the file-backed storage.PermissionStore, keyed by
// "origin|namespace" the same way internal/permission keys its in-memory
// map (spec.md §4.6).
type PermissionStore struct {
	path string
	mu   sync.Mutex
}

func NewPermissionStore(dir string) *PermissionStore {
	return &PermissionStore{path: dir + "/permissions.json"}
}

func permKey(origin, namespace string) string { return origin + "|" + namespace }

func (s *PermissionStore) load() (map[string]*storage.PermissionRecord, error) {
	recs := make(map[string]*storage.PermissionRecord)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *PermissionStore) Get(ctx context.Context, origin, namespace string) (*storage.PermissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[permKey(origin, namespace)], nil
}

func (s *PermissionStore) GetAll(ctx context.Context) ([]*storage.PermissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.PermissionRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *PermissionStore) Put(ctx context.Context, rec *storage.PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[permKey(rec.Origin, rec.Namespace)] = rec
	return writeJSON(s.path, recs)
}

func (s *PermissionStore) Delete(ctx context.Context, origin, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	delete(recs, permKey(origin, namespace))
	return writeJSON(s.path, recs)
}

func (s *PermissionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, map[string]*storage.PermissionRecord{})
}
