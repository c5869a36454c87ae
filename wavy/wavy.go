// Package wavy implements the field device: it generates a reading on every
// tick and publishes it to the broker, or pushes it over a legacy TCP session
// to the aggregator of its continent.
package wavy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/metrics"
	"github.com/eddielth/oceanflow/routing"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
)

// Publishing modes
const (
	ModeBroker = "broker"
	ModeLegacy = "legacy"
)

// ErrActivationDeclined is returned when an offline device is not reactivated
var ErrActivationDeclined = errors.New("activation declined")

// Activator asks whether an offline device may be brought online
type Activator func(ctx context.Context, rec topology.DeviceRecord) (bool, error)

// BrokerDialer opens a broker connection
type BrokerDialer func(ctx context.Context) (broker.Broker, error)

// Config configures a device
type Config struct {
	ID   string
	Mode string
	// Interval is used when the device record has no data interval
	Interval   time.Duration
	RetryDelay time.Duration
	// AggregatorAddr overrides the derived legacy aggregator address
	AggregatorAddr string
	// AggregatorHost is combined with the derived port when no address is set
	AggregatorHost string
	Timeout        time.Duration
}

// Option configures a Wavy
type Option func(*Wavy)

// WithBroker sets how the broker connection is opened
func WithBroker(dial BrokerDialer) Option {
	return func(w *Wavy) { w.dial = dial }
}

// WithActivator sets the reactivation prompt
func WithActivator(a Activator) Option {
	return func(w *Wavy) { w.activate = a }
}

// WithMetrics sets the collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wavy) { w.metrics = m }
}

// WithRand sets the random source of the generator
func WithRand(rng *rand.Rand) Option {
	return func(w *Wavy) { w.rng = rng }
}

// Wavy is one device
type Wavy struct {
	cfg      Config
	store    topology.Store
	dial     BrokerDialer
	activate Activator
	metrics  *metrics.Metrics
	rng      *rand.Rand

	mu     sync.Mutex
	state  State
	record topology.DeviceRecord
	bus    broker.Broker
	conn   *tcpwire.Conn
	// nextDial holds back legacy reconnects until RetryDelay has passed
	nextDial time.Time

	published atomic.Int64
}

// New creates a device
func New(cfg Config, store topology.Store, opts ...Option) (*Wavy, error) {
	if _, err := topology.ParseRoleID(cfg.ID, topology.RoleWavy); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBroker
	}
	if cfg.Mode != ModeBroker && cfg.Mode != ModeLegacy {
		return nil, fmt.Errorf("unknown wavy mode %q", cfg.Mode)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	w := &Wavy{
		cfg:     cfg,
		store:   store,
		metrics: metrics.New(),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x0cea4f10)),
	}
	for _, opt := range opts {
		opt(w)
	}
	if cfg.Mode == ModeBroker && w.dial == nil {
		return nil, errors.New("broker mode requires a broker dialer")
	}
	return w, nil
}

// State returns the current lifecycle state
func (w *Wavy) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Published returns the number of readings delivered so far
func (w *Wavy) Published() int64 {
	return w.published.Load()
}

func (w *Wavy) setState(to State) {
	w.mu.Lock()
	from := w.state
	if from == to {
		w.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		w.mu.Unlock()
		logger.Warn("ignoring transition %s -> %s", from, to)
		return
	}
	w.state = to
	w.mu.Unlock()
	logger.Info("state %s -> %s", from, to)
}

// Configure resolves the device record and, when the device is offline,
// asks the activator before marking it online
func (w *Wavy) Configure(ctx context.Context) error {
	rec, err := w.store.Device(ctx, w.cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve device %s: %w", w.cfg.ID, err)
	}

	w.mu.Lock()
	w.record = *rec
	w.mu.Unlock()

	if rec.Online() {
		return nil
	}

	w.setState(AwaitingActivation)
	ok := false
	if w.activate != nil {
		if ok, err = w.activate(ctx, *rec); err != nil {
			return err
		}
	}
	if !ok {
		w.setState(Terminated)
		return ErrActivationDeclined
	}

	if err := w.store.SetDeviceStatus(ctx, w.cfg.ID, topology.StatusOnline, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to activate %s: %w", w.cfg.ID, err)
	}
	logger.Info("device %s activated", w.cfg.ID)
	return nil
}

// RoutingKey returns the key readings are published with
func (w *Wavy) RoutingKey() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.record.Ocean == "" || w.record.AreaType == "" {
		return routing.FallbackDeviceKey(w.cfg.ID)
	}
	return routing.DeviceKey(w.record.Ocean, w.record.AreaType)
}

// Run configures the device, publishes until ctx is cancelled and then shuts
// down gracefully
func (w *Wavy) Run(ctx context.Context) error {
	if err := w.Configure(ctx); err != nil {
		return err
	}

	if w.cfg.Mode == ModeBroker {
		if err := w.connectBroker(ctx); err != nil {
			return w.Shutdown(context.WithoutCancel(ctx))
		}
	}
	w.setState(Publishing)

	w.mu.Lock()
	interval := w.record.Interval(w.cfg.Interval)
	w.mu.Unlock()
	logger.Info("publishing every %s with key %s", interval, w.RoutingKey())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.Shutdown(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				logger.Warn("publish failed, retrying next tick: %v", err)
			}
		}
	}
}

// connectBroker retries until connected or ctx is done
func (w *Wavy) connectBroker(ctx context.Context) error {
	for {
		b, err := w.dial(ctx)
		if err == nil {
			if err = b.DeclareExchange(ctx, broker.OceanDataExchange, broker.Topic); err == nil {
				w.mu.Lock()
				w.bus = b
				w.mu.Unlock()
				return nil
			}
			b.Close()
		}

		logger.Warn("broker unavailable, retrying in %s: %v", w.cfg.RetryDelay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryDelay):
		}
	}
}

// Tick generates and delivers one reading
func (w *Wavy) Tick(ctx context.Context) error {
	w.mu.Lock()
	rec := w.record
	w.mu.Unlock()

	reading := GenerateReading(w.rng, w.cfg.ID, rec.Latitude, rec.Longitude, time.Now())
	payload, err := reading.Marshal()
	if err != nil {
		return err
	}

	switch w.cfg.Mode {
	case ModeLegacy:
		err = w.sendLegacy(ctx, payload)
	default:
		err = w.publish(ctx, payload)
	}
	if err != nil {
		return err
	}

	w.published.Add(1)
	w.metrics.ReadingsPublished.WithLabelValues(w.cfg.ID, w.cfg.Mode).Inc()
	if err := w.store.SetDeviceStatus(ctx, w.cfg.ID, topology.StatusOnline, time.Now().UTC()); err != nil {
		logger.Warn("failed to update last sync: %v", err)
	}
	return nil
}

func (w *Wavy) publish(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	b := w.bus
	w.mu.Unlock()
	if b == nil {
		return broker.ErrNotConnected
	}

	if err := b.Publish(ctx, broker.OceanDataExchange, w.RoutingKey(), payload); err != nil {
		w.metrics.PublishFailures.WithLabelValues(w.cfg.ID, broker.OceanDataExchange).Inc()
		return err
	}
	logger.Debug("published reading to %s", w.RoutingKey())
	return nil
}

// aggregatorAddr returns the legacy address of the continent's first aggregator
func (w *Wavy) aggregatorAddr() (string, error) {
	if w.cfg.AggregatorAddr != "" {
		return w.cfg.AggregatorAddr, nil
	}
	port, err := topology.AggregatorPort(topology.ContinentOf(w.cfg.ID), 1)
	if err != nil {
		return "", err
	}
	host := w.cfg.AggregatorHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func (w *Wavy) sendLegacy(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if time.Now().Before(w.nextDial) {
			return fmt.Errorf("aggregator unreachable, next attempt at %s", w.nextDial.Format(time.TimeOnly))
		}
		addr, err := w.aggregatorAddr()
		if err != nil {
			return err
		}
		c, err := tcpwire.Dial(ctx, addr, w.cfg.ID, w.cfg.Timeout)
		if err != nil {
			w.nextDial = time.Now().Add(w.cfg.RetryDelay)
			return err
		}
		logger.Info("connected to aggregator at %s", addr)
		w.conn = c
	}

	if err := w.conn.SendData(payload); err != nil {
		w.conn.Close()
		w.conn = nil
		w.nextDial = time.Now().Add(w.cfg.RetryDelay)
		return err
	}
	return nil
}

// Shutdown marks the device offline and closes its connections. In legacy
// mode the aggregator is told with DLG first.
func (w *Wavy) Shutdown(ctx context.Context) error {
	w.setState(ShuttingDown)

	w.mu.Lock()
	conn, bus := w.conn, w.bus
	w.conn, w.bus = nil, nil
	w.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect from aggregator: %w", err))
		}
		conn.Close()
	}
	if err := w.store.SetDeviceStatus(ctx, w.cfg.ID, topology.StatusOffline, time.Now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("mark offline: %w", err))
	}
	if bus != nil {
		bus.Close()
	}

	w.setState(Terminated)
	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown incomplete: %v", err)
		return err
	}
	logger.Info("device %s offline after %d readings", w.cfg.ID, w.Published())
	return nil
}
