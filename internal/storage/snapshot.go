package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Snapshots keeps one JSON file per logical collection, written
// synchronously after every successful mutation and read back at server
// startup when the backing store is unreachable.
type Snapshots struct {
	dir string
}

func NewSnapshots(dir string) (*Snapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating snapshot dir: %w", err)
	}
	return &Snapshots{dir: dir}, nil
}

func (s *Snapshots) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *Snapshots) Save(key string, payload []byte) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *Snapshots) Load(key string) ([]byte, error) {
	payload, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	return payload, err
}
