// Package storage persists batches received by a server. A Manager fans each
// batch out to every configured backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
)

// Backend 表示存储后端接口
type Backend interface {
	// Name 返回后端名称，用于日志
	Name() string
	// StoreBatch 存储整个批次
	StoreBatch(ctx context.Context, batch model.Batch) error
	// StoreReading 存储批次中的一条读数
	StoreReading(ctx context.Context, reading model.Reading, aggregatorID string) error
	// Close 关闭存储连接
	Close() error
}

// Manager 管理多个存储后端
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager 创建一个新的存储管理器
func NewManager(backends ...Backend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// PersistBatch 将批次存储到所有后端，再逐条存储其读数。
// 失败会被记录但不影响其余写入，所有错误合并返回
func (m *Manager) PersistBatch(ctx context.Context, batch model.Batch) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.StoreBatch(ctx, batch); err != nil {
			// 记录错误但继续尝试其他写入
			logger.Error("存储 %s 的批次到后端 %s 失败: %v", batch.AggregatorID, backend.Name(), err)
			errs = append(errs, fmt.Errorf("%s: batch: %w", backend.Name(), err))
		}

		for _, r := range batch.Messages {
			if err := backend.StoreReading(ctx, r, batch.AggregatorID); err != nil {
				logger.Error("存储 %s 的读数到后端 %s 失败: %v", r.WavyID, backend.Name(), err)
				errs = append(errs, fmt.Errorf("%s: reading %s: %w", backend.Name(), r.WavyID, err))
			}
		}
	}

	if len(errs) == 0 {
		logger.Debug("已存储 %s 的批次，共 %d 条读数", batch.AggregatorID, len(batch.Messages))
	}
	return errors.Join(errs...)
}

// Backends 返回已配置后端的名称
func (m *Manager) Backends() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.backends))
	for _, b := range m.backends {
		names = append(names, b.Name())
	}
	return names
}

// Close 关闭所有存储后端连接
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("关闭存储后端 %s 连接失败: %v", backend.Name(), err)
		}
	}
}

// AddBackend 添加新的存储后端
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
