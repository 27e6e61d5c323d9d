package filestore

import (
	"context"
	"sync"

	"github.com/shieldkey/walletcore/internal/storage"
)

// NetworkPreferencesStore is the file-backed storage.NetworkPreferencesStore.
type NetworkPreferencesStore struct {
	path string
	mu   sync.Mutex
}

func NewNetworkPreferencesStore(dir string) *NetworkPreferencesStore {
	return &NetworkPreferencesStore{path: dir + "/network_prefs.json"}
}

func (s *NetworkPreferencesStore) Load(ctx context.Context) (*storage.NetworkPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prefs storage.NetworkPreferences
	ok, err := readJSON(s.path, &prefs)
	if err != nil || !ok {
		return nil, err
	}
	return &prefs, nil
}

func (s *NetworkPreferencesStore) Save(ctx context.Context, prefs *storage.NetworkPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, prefs)
}

// NetworkRPCPreferencesStore is the file-backed storage.NetworkRPCPreferencesStore.
type NetworkRPCPreferencesStore struct {
	path string
	mu   sync.Mutex
}

func NewNetworkRPCPreferencesStore(dir string) *NetworkRPCPreferencesStore {
	return &NetworkRPCPreferencesStore{path: dir + "/network_rpc_prefs.json"}
}

func (s *NetworkRPCPreferencesStore) load() (map[string]*storage.NetworkRPCPreference, error) {
	recs := make(map[string]*storage.NetworkRPCPreference)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *NetworkRPCPreferencesStore) Get(ctx context.Context, chainRef string) (*storage.NetworkRPCPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	return recs[chainRef], nil
}

func (s *NetworkRPCPreferencesStore) GetAll(ctx context.Context) ([]*storage.NetworkRPCPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.NetworkRPCPreference, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *NetworkRPCPreferencesStore) Put(ctx context.Context, rec *storage.NetworkRPCPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.ChainRef] = rec
	return writeJSON(s.path, recs)
}
