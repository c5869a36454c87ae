package storage

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
)

// BreakerConfig configures a BreakerBackend
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// BreakerBackend guards a backend with a circuit breaker. While open, writes
// fail immediately with gobreaker.ErrOpenState.
type BreakerBackend struct {
	Backend
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerBackend wraps b
func NewBreakerBackend(b Backend, cfg BreakerConfig) *BreakerBackend {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        b.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage backend %s circuit %s -> %s", name, from, to)
		},
	}
	return &BreakerBackend{
		Backend: b,
		cb:      gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// State returns the breaker state
func (bb *BreakerBackend) State() gobreaker.State {
	return bb.cb.State()
}

func (bb *BreakerBackend) StoreBatch(ctx context.Context, batch model.Batch) error {
	_, err := bb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, bb.Backend.StoreBatch(ctx, batch)
	})
	return err
}

func (bb *BreakerBackend) StoreReading(ctx context.Context, reading model.Reading, aggregatorID string) error {
	_, err := bb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, bb.Backend.StoreReading(ctx, reading, aggregatorID)
	})
	return err
}
