// Package aggregator implements the regional router and batcher. It receives
// the readings of its ocean and area type, queues them, and on every flush
// forwards the queue as one batch to the server of its own continent.
package aggregator

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
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
	"github.com/eddielth/oceanflow/transformer"
)

// DefaultFlushInterval is used when none is configured
const DefaultFlushInterval = 5 * time.Second

// LegacyConfig configures the raw TCP side of an aggregator
type LegacyConfig struct {
	// Enabled starts the listener for legacy devices
	Enabled bool
	// Listen overrides the derived listen address
	Listen string
	// Uplink forwards every legacy payload to the server over TCP. Without
	// it readings join the broker batch and only raw payloads use the uplink.
	Uplink bool
	// UplinkAddr overrides the derived server address
	UplinkAddr string
	// Host is combined with derived ports
	Host    string
	Timeout time.Duration
}

// Config configures an aggregator
type Config struct {
	ID            string
	FlushInterval time.Duration
	Legacy        LegacyConfig
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithTransformer runs matching scripts over every accepted reading
func WithTransformer(t *transformer.Manager) Option {
	return func(a *Aggregator) { a.transformer = t }
}

// WithMetrics sets the collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator owns its queues, its transport and its flush cycle
type Aggregator struct {
	cfg         Config
	record      topology.AggregatorRecord
	continent   string
	pattern     string
	bus         broker.Broker
	transformer *transformer.Manager
	metrics     *metrics.Metrics

	readings  Queue[model.Reading]
	envelopes Queue[model.Envelope]

	interval atomic.Int64
	resetc   chan time.Duration

	flushed  atomic.Int64
	dropped  atomic.Int64
	accepted atomic.Int64

	mu       sync.Mutex
	subs     []broker.Subscription
	listener *tcpwire.Listener
	uplink   *tcpwire.Conn
	started  time.Time
}

// New creates an aggregator for rec
func New(cfg Config, rec topology.AggregatorRecord, b broker.Broker, opts ...Option) (*Aggregator, error) {
	if cfg.ID == "" {
		cfg.ID = rec.AggregatorID
	}
	if _, err := topology.ParseRoleID(cfg.ID, topology.RoleAggregator); err != nil {
		return nil, err
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	cc := rec.DerivedContinentCode()
	if !topology.IsValidContinentCode(cc) {
		return nil, fmt.Errorf("%w: aggregator %s has no valid continent", topology.ErrInvalidID, cfg.ID)
	}

	a := &Aggregator{
		cfg:       cfg,
		record:    rec,
		continent: cc,
		pattern:   routing.AggregatorPattern(rec.Ocean, rec.AreaType),
		bus:       b,
		metrics:   metrics.New(),
		resetc:    make(chan time.Duration, 1),
	}
	a.interval.Store(int64(cfg.FlushInterval))
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Pattern returns the binding pattern computed from the aggregator geography
func (a *Aggregator) Pattern() string {
	return a.pattern
}

// ServerKey returns the key every batch of this aggregator is published with
func (a *Aggregator) ServerKey() string {
	return routing.ServerKey(a.continent)
}

// Start declares the exchanges, subscribes to device readings, serves RPC
// and, when enabled, opens the legacy listener
func (a *Aggregator) Start(ctx context.Context) error {
	for name, kind := range map[string]broker.ExchangeKind{
		broker.OceanDataExchange:  broker.Topic,
		broker.ServerDataExchange: broker.Topic,
		broker.ShutdownExchange:   broker.Fanout,
	} {
		if err := a.bus.DeclareExchange(ctx, name, kind); err != nil {
			return fmt.Errorf("failed to declare %s: %w", name, err)
		}
	}

	sub, err := a.bus.SubscribeTopic(ctx, broker.OceanDataExchange, a.pattern, a.HandleReading)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.pattern, err)
	}
	a.track(sub)
	logger.Info("bound to %s with %s, forwarding to %s", broker.OceanDataExchange, a.pattern, a.ServerKey())

	rpcSub, err := a.serveRPC(ctx)
	if err != nil {
		return err
	}
	a.track(rpcSub)

	if a.cfg.Legacy.Enabled {
		if err := a.listenLegacy(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) track(sub broker.Subscription) {
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
}

// Run starts the aggregator and flushes on every interval until ctx is
// cancelled, then shuts down
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Shutdown(context.WithoutCancel(ctx))
		case d := <-a.resetc:
			ticker.Reset(d)
			logger.Info("flush interval set to %s", d)
		case <-ticker.C:
			a.flushAll(ctx)
		}
	}
}

func (a *Aggregator) flushAll(ctx context.Context) {
	if _, err := a.Flush(ctx); err != nil {
		logger.Error("flush failed, batch dropped: %v", err)
	}
	if err := a.FlushLegacy(ctx); err != nil {
		logger.Error("legacy flush failed, batch dropped: %v", err)
	}
}

// FlushInterval returns the current flush interval
func (a *Aggregator) FlushInterval() time.Duration {
	return time.Duration(a.interval.Load())
}

// SetFlushInterval changes the flush interval of a running aggregator
func (a *Aggregator) SetFlushInterval(d time.Duration) {
	if d <= 0 || d == a.FlushInterval() {
		return
	}
	a.interval.Store(int64(d))
	select {
	case a.resetc <- d:
	default:
		// a pending reset is replaced
		select {
		case <-a.resetc:
		default:
		}
		a.resetc <- d
	}
}

// HandleReading is the subscription handler for device readings. Malformed
// or invalid readings are logged and skipped.
func (a *Aggregator) HandleReading(_ context.Context, msg broker.Message) error {
	reading, err := model.DecodeReading(msg.Body)
	if err != nil {
		logger.Warn("skipping reading with key %s: %v", msg.RoutingKey, err)
		a.metrics.ReadingsReceived.WithLabelValues(a.cfg.ID, metrics.ResultInvalid).Inc()
		return nil
	}
	a.accept(msg.RoutingKey, reading)
	return nil
}

func (a *Aggregator) accept(routingKey string, reading model.Reading) {
	out, kept, err := a.transformer.Transform(routingKey, reading)
	if err != nil {
		logger.Warn("skipping reading of %s: %v", reading.WavyID, err)
		a.metrics.ReadingsReceived.WithLabelValues(a.cfg.ID, metrics.ResultInvalid).Inc()
		return
	}
	if !kept {
		a.metrics.ReadingsReceived.WithLabelValues(a.cfg.ID, metrics.ResultDropped).Inc()
		return
	}

	a.readings.Push(out)
	a.accepted.Add(1)
	a.metrics.ReadingsReceived.WithLabelValues(a.cfg.ID, metrics.ResultAccepted).Inc()
	a.metrics.QueueDepth.WithLabelValues(a.cfg.ID, "readings").Set(float64(a.readings.Len()))
	logger.Debug("queued reading of %s from %s", out.WavyID, routingKey)
}

// Flush drains the reading queue and publishes it as one batch to the server
// of the aggregator continent. An empty queue publishes nothing and returns
// nil. A failed publish drops the batch.
func (a *Aggregator) Flush(ctx context.Context) (*model.Batch, error) {
	readings := a.readings.Drain()
	a.metrics.QueueDepth.WithLabelValues(a.cfg.ID, "readings").Set(0)
	if len(readings) == 0 {
		return nil, nil
	}

	batch := model.NewBatch(a.cfg.ID, readings, time.Now())
	body, err := batch.Marshal()
	if err != nil {
		a.drop(len(readings), "broker")
		return nil, err
	}

	if err := a.bus.Publish(ctx, broker.ServerDataExchange, a.ServerKey(), body); err != nil {
		a.metrics.PublishFailures.WithLabelValues(a.cfg.ID, broker.ServerDataExchange).Inc()
		a.drop(len(readings), "broker")
		return nil, fmt.Errorf("publish of %d readings to %s: %w", len(readings), a.ServerKey(), err)
	}

	a.flushed.Add(1)
	a.metrics.BatchesFlushed.WithLabelValues(a.cfg.ID, "broker").Inc()
	a.metrics.BatchSize.WithLabelValues(a.cfg.ID).Observe(float64(len(readings)))
	logger.Info("forwarded batch of %d readings to %s", len(readings), a.ServerKey())
	return &batch, nil
}

func (a *Aggregator) drop(n int, transport string) {
	a.dropped.Add(1)
	a.metrics.BatchesDropped.WithLabelValues(a.cfg.ID, transport).Inc()
	logger.Warn("dropped batch of %d items", n)
}

// Shutdown announces the shutdown on the fan-out exchange, tells the legacy
// server, flushes what is left and stops accepting work
func (a *Aggregator) Shutdown(ctx context.Context) error {
	logger.Info("aggregator %s shutting down", a.cfg.ID)

	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	ln := a.listener
	a.listener = nil
	a.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("unsubscribe failed: %v", err)
		}
	}
	if ln != nil {
		ln.Close()
	}

	var errs []error
	notice := model.ShutdownNotice{AggregatorID: a.cfg.ID, Timestamp: time.Now().UTC()}
	if err := broker.PublishShutdown(ctx, a.bus, notice); err != nil {
		errs = append(errs, fmt.Errorf("shutdown notice: %w", err))
	}

	if _, err := a.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if err := a.FlushLegacy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final legacy flush: %w", err))
	}
	if err := a.closeUplink(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete: %v", err)
		return err
	}
	logger.Info("aggregator %s stopped after %d batches", a.cfg.ID, a.flushed.Load())
	return nil
}
