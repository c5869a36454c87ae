package storage

import (
	"context"
	"fmt"

	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/logger"
)

// Open builds a Manager from the storage configuration. The file backend
// shares locks with other writers of the same directory. The MongoDB backend,
// when enabled, is also returned so it can record system events.
func Open(ctx context.Context, cfg config.StorageConfig, locks *KeyedMutex) (*Manager, *MongoStorage, error) {
	m := NewManager()
	var mongoStorage *MongoStorage

	add := func(b Backend) {
		if cfg.Breaker.Enabled {
			b = NewBreakerBackend(b, BreakerConfig{
				ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
				OpenTimeout:         cfg.Breaker.OpenTimeout,
			})
		}
		m.AddBackend(b)
	}

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path, locks)
		if err != nil {
			m.Close()
			return nil, nil, err
		}
		add(fs)
	}

	if cfg.Database.Enabled {
		db, err := NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			m.Close()
			return nil, nil, fmt.Errorf("failed to open %s storage: %w", cfg.Database.Type, err)
		}
		add(db)
	}

	if cfg.Mongo.Enabled {
		ms, err := NewMongoStorage(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			m.Close()
			return nil, nil, fmt.Errorf("failed to open mongodb storage: %w", err)
		}
		mongoStorage = ms
		add(ms)
	}

	if len(m.Backends()) == 0 {
		logger.Warn("no storage backend enabled, batches will only be logged")
	}
	return m, mongoStorage, nil
}
