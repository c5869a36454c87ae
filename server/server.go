// Package server implements the continental sink. It consumes the batches
// published for its continent, persists them through the storage backends
// and, optionally, records the batches legacy aggregators send over TCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/metrics"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/routing"
	"github.com/eddielth/oceanflow/storage"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
)

// What to do with a batch that could not be persisted
const (
	PolicyDrop      = "drop"
	PolicyRedeliver = "redeliver"
)

// LegacyConfig configures the raw TCP side of a server
type LegacyConfig struct {
	Enabled bool
	// Listen overrides host:ServerPort(cc)
	Listen string
	Host   string
	// RecordsDir receives one JSON-lines file per device
	RecordsDir string
	Timeout    time.Duration
}

// Config configures a server
type Config struct {
	ID               string
	OnPersistFailure string
	Legacy           LegacyConfig
}

// Persister stores a batch
type Persister interface {
	PersistBatch(ctx context.Context, batch model.Batch) error
}

// EventLogger records lifecycle events
type EventLogger interface {
	LogSystemEvent(ctx context.Context, component, eventType, description string) error
}

// Option configures a Server
type Option func(*Server)

// WithMetrics sets the collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEventLogger records STARTUP and SHUTDOWN events
func WithEventLogger(l EventLogger) Option {
	return func(s *Server) { s.events = l }
}

// WithLocks shares the per-device lock registry with other writers of the
// records directory
func WithLocks(locks *storage.KeyedMutex) Option {
	return func(s *Server) { s.locks = locks }
}

// Server is a continental sink
type Server struct {
	cfg       Config
	record    topology.ServerRecord
	continent string
	bus       broker.Broker
	store     Persister
	events    EventLogger
	metrics   *metrics.Metrics
	locks     *storage.KeyedMutex
	records   *storage.FileStorage

	persisted     atomic.Int64
	failed        atomic.Int64
	notices       atomic.Int64
	legacyBatches atomic.Int64

	mu       sync.Mutex
	subs     []broker.Subscription
	listener *tcpwire.Listener
	started  time.Time
}

// New creates the server for rec. store may be nil, in which case batches are
// only logged.
func New(cfg Config, rec topology.ServerRecord, b broker.Broker, store Persister, opts ...Option) (*Server, error) {
	if cfg.ID == "" {
		cfg.ID = rec.ServerID
	}
	if _, err := topology.ParseRoleID(cfg.ID, topology.RoleServer); err != nil {
		return nil, err
	}
	switch cfg.OnPersistFailure {
	case "":
		cfg.OnPersistFailure = PolicyDrop
	case PolicyDrop, PolicyRedeliver:
	default:
		return nil, fmt.Errorf("unknown persist failure policy %q", cfg.OnPersistFailure)
	}

	cc := rec.DerivedContinentCode()
	if cc == "" {
		cc = topology.ContinentOf(cfg.ID)
	}
	if !topology.IsValidContinentCode(cc) {
		return nil, fmt.Errorf("%w: server %s has no valid continent", topology.ErrInvalidID, cfg.ID)
	}
	if rec.ServerID == "" {
		rec.ServerID = cfg.ID
	}
	if rec.ContinentCode == "" {
		rec.ContinentCode = cc
	}

	s := &Server{
		cfg:       cfg,
		record:    rec,
		continent: cc,
		bus:       b,
		store:     store,
		metrics:   metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = &storage.KeyedMutex{}
	}

	if cfg.Legacy.Enabled {
		dir := cfg.Legacy.RecordsDir
		if dir == "" {
			dir = "records"
		}
		records, err := storage.NewFileStorage(dir, s.locks)
		if err != nil {
			return nil, err
		}
		s.records = records
	}

	if err := s.metrics.RegisterDeviceLocks(cfg.ID, s.locks.Len); err != nil {
		logger.Warn("device lock gauge not registered: %v", err)
	}
	return s, nil
}

// BindingKey returns the only key the server consumes
func (s *Server) BindingKey() string {
	return routing.ServerKey(s.continent)
}

// Start subscribes to the batches of its continent and to shutdown notices,
// serves RPC and, when enabled, opens the legacy listener
func (s *Server) Start(ctx context.Context) error {
	for name, kind := range map[string]broker.ExchangeKind{
		broker.ServerDataExchange: broker.Topic,
		broker.ShutdownExchange:   broker.Fanout,
	} {
		if err := s.bus.DeclareExchange(ctx, name, kind); err != nil {
			return fmt.Errorf("failed to declare %s: %w", name, err)
		}
	}

	sub, err := s.bus.SubscribeTopic(ctx, broker.ServerDataExchange, s.BindingKey(), s.HandleBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.BindingKey(), err)
	}
	s.track(sub)
	logger.Info("bound to %s with %s", broker.ServerDataExchange, s.BindingKey())

	sub, err = broker.SubscribeShutdown(ctx, s.bus, s.handleShutdownNotice)
	if err != nil {
		return fmt.Errorf("failed to subscribe to shutdown notices: %w", err)
	}
	s.track(sub)

	if sub, err = s.serveRPC(ctx); err != nil {
		return err
	}
	s.track(sub)

	if s.cfg.Legacy.Enabled {
		if err := s.listenLegacy(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	s.logEvent(ctx, storage.EventStartup, fmt.Sprintf("server %s started for %s", s.cfg.ID, topology.ContinentName(s.continent)))
	return nil
}

func (s *Server) track(sub broker.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown(context.WithoutCancel(ctx))
}

// HandleBatch persists one batch. Undecodable batches are logged and
// acknowledged. A persistence failure is returned only under the redeliver
// policy.
func (s *Server) HandleBatch(ctx context.Context, msg broker.Message) error {
	batch, err := model.DecodeBatch(msg.Body)
	if err != nil {
		logger.Warn("skipping batch with key %s: %v", msg.RoutingKey, err)
		s.metrics.BatchesPersisted.WithLabelValues(s.cfg.ID, metrics.ResultInvalid).Inc()
		return nil
	}

	logger.Info("received batch of %d readings from %s", len(batch.Messages), batch.AggregatorID)
	if s.store == nil {
		s.persisted.Add(1)
		return nil
	}

	if err := s.store.PersistBatch(ctx, batch); err != nil {
		s.failed.Add(1)
		s.metrics.BatchesPersisted.WithLabelValues(s.cfg.ID, metrics.ResultFailed).Inc()
		if s.cfg.OnPersistFailure == PolicyRedeliver {
			logger.Warn("batch from %s not persisted, requesting redelivery: %v", batch.AggregatorID, err)
			return err
		}
		logger.Error("batch from %s not fully persisted: %v", batch.AggregatorID, err)
		return nil
	}

	s.persisted.Add(1)
	s.metrics.BatchesPersisted.WithLabelValues(s.cfg.ID, metrics.ResultAccepted).Inc()
	return nil
}

func (s *Server) handleShutdownNotice(_ context.Context, n model.ShutdownNotice) {
	s.notices.Add(1)
	logger.Info("aggregator %s announced shutdown at %s", n.AggregatorID, n.Timestamp.Format(time.RFC3339))
}

func (s *Server) logEvent(ctx context.Context, eventType, description string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogSystemEvent(ctx, s.cfg.ID, eventType, description); err != nil {
		logger.Warn("failed to record %s event: %v", eventType, err)
	}
}

// Shutdown stops consuming and closes the legacy listener. In-flight
// handlers are not interrupted.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("server %s shutting down", s.cfg.ID)

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if ln != nil {
		ln.Close()
	}

	s.logEvent(ctx, storage.EventShutdown, fmt.Sprintf("server %s stopped after %d batches", s.cfg.ID, s.persisted.Load()))
	return errors.Join(errs...)
}
