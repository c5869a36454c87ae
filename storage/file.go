package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
)

const batchDir = "batches"

// FileStorage appends JSON lines to one file per device and one file per
// aggregator for batches
type FileStorage struct {
	basePath string
	locks    *KeyedMutex
}

// NewFileStorage creates the directory and a storage writing into it
func NewFileStorage(basePath string, locks *KeyedMutex) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Join(basePath, batchDir), 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}
	if locks == nil {
		locks = &KeyedMutex{}
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
		locks:    locks,
	}, nil
}

func (fs *FileStorage) Name() string { return "file" }

// Locks returns the per-device lock registry
func (fs *FileStorage) Locks() *KeyedMutex {
	return fs.locks
}

// StoreBatch appends the batch to batches/<aggregator>.jsonl
func (fs *FileStorage) StoreBatch(_ context.Context, batch model.Batch) error {
	line, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("serialize batch failed: %w", err)
	}
	return fs.appendTo(filepath.Join(batchDir, fileName(batch.AggregatorID)), line)
}

// StoreReading appends the reading to <wavy_id>.jsonl
func (fs *FileStorage) StoreReading(_ context.Context, reading model.Reading, _ string) error {
	line, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("serialize reading failed: %w", err)
	}
	return fs.AppendLine(reading.WavyID, line)
}

// AppendLine appends one line to the file of deviceID. Ids that map to the
// same file share its lock.
func (fs *FileStorage) AppendLine(deviceID string, line []byte) error {
	return fs.appendTo(fileName(deviceID), line)
}

// Path returns the file holding the records of deviceID
func (fs *FileStorage) Path(deviceID string) string {
	return filepath.Join(fs.basePath, fileName(deviceID))
}

// appendTo writes line to name under the lock of name
func (fs *FileStorage) appendTo(name string, line []byte) error {
	unlock := fs.locks.Lock(name)
	defer unlock()

	path := filepath.Join(fs.basePath, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", path, err)
	}

	line = bytes.TrimRight(line, "\r\n")
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write file %s failed: %w", path, err)
	}
	return f.Close()
}

// fileName turns an identifier into a safe file name
func fileName(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "unknown"
	}
	id = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
	if id == "." || id == ".." {
		id = "unknown"
	}
	return id + ".jsonl"
}

func (fs *FileStorage) Close() error {
	return nil
}
