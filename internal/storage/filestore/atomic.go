// Package filestore is the reference file-backed implementation of every
// port in internal/storage/ports.go (spec.md §6). Every write goes
// through atomicWriteFile, grounded directly on
// internal/services/storage/file.go's AtomicWriteFile temp-then-rename
// pattern, so a crash mid-write never leaves a torn record on disk.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("filestore: create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".walletcore-tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("filestore: write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("filestore: sync to disk: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		return fmt.Errorf("filestore: set permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("filestore: close temp file: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, filename); err != nil {
		return fmt.Errorf("filestore: rename temp file: %w", err)
	}
	return nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", path, err)
	}
	return atomicWriteFile(path, data, 0600)
}
