package filestore

import (
	"context"
	"encoding/base64"
	"sync"
)

// SettingsStore is the file-backed storage.SettingsStore. Values are
// arbitrary bytes, so the on-disk document base64-encodes them rather than
// relying on json.RawMessage validity.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

func NewSettingsStore(dir string) *SettingsStore {
	return &SettingsStore{path: dir + "/settings.json"}
}

func (s *SettingsStore) load() (map[string]string, error) {
	recs := make(map[string]string)
	if _, err := readJSON(s.path, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *SettingsStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	encoded, ok := recs[key]
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (s *SettingsStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[key] = base64.StdEncoding.EncodeToString(value)
	return writeJSON(s.path, recs)
}
