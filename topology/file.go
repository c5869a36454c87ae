package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed is the on-disk layout of a topology file
type Seed struct {
	Devices     []DeviceRecord     `yaml:"devices"`
	Aggregators []AggregatorRecord `yaml:"aggregators"`
	Servers     []ServerRecord     `yaml:"servers"`
}

// FileStore keeps topology records in a YAML file. Device status changes are
// written back to the file when a path is set.
type FileStore struct {
	mu   sync.RWMutex
	path string
	seed Seed
}

// OpenFileStore loads a YAML topology file
func OpenFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}

	return &FileStore{path: path, seed: seed}, nil
}

// NewFileStore creates a store from an in-memory seed. An empty path keeps
// all changes in memory.
func NewFileStore(path string, seed Seed) *FileStore {
	return &FileStore{path: path, seed: seed}
}

func (s *FileStore) Device(_ context.Context, id string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.seed.Devices {
		if d.WavyID == id {
			rec := d
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
}

func (s *FileStore) Aggregator(_ context.Context, id string) (*AggregatorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.seed.Aggregators {
		if a.AggregatorID == id {
			rec := a
			rec.SubscribedDataTypes = append([]string(nil), a.SubscribedDataTypes...)
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: aggregator %s", ErrNotFound, id)
}

func (s *FileStore) Server(_ context.Context, id string) (*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, srv := range s.seed.Servers {
		if srv.ServerID == id {
			rec := srv
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: server %s", ErrNotFound, id)
}

func (s *FileStore) SetDeviceStatus(_ context.Context, id string, status int, lastSync time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.seed.Devices {
		if s.seed.Devices[i].WavyID != id {
			continue
		}
		s.seed.Devices[i].Status = status
		s.seed.Devices[i].LastSync = lastSync.UTC()
		return s.flush()
	}
	return fmt.Errorf("%w: device %s", ErrNotFound, id)
}

// flush writes the seed back to disk, must be called with s.mu held
func (s *FileStore) flush() error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(&s.seed)
	if err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".topology-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write topology file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) Close(context.Context) error {
	return nil
}
