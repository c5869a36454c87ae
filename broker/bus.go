package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/routing"
)

// Delivery receives a raw message from a transport subscription
type Delivery func(ctx context.Context, subject string, body []byte) error

// Transport is a subject based messaging system that Bus layers exchanges on
type Transport interface {
	Publish(ctx context.Context, subject string, body []byte) error
	// Subscribe subscribes to subject, which may contain the dialect's
	// wildcards. Subscriptions sharing a non-empty group compete for messages.
	Subscribe(ctx context.Context, subject, group string, deliver Delivery) (Subscription, error)
	Close() error
}

// Dialect describes the subject syntax of a transport
type Dialect struct {
	Separator string
	Single    string
	Multi     string
	// MultiMatchesZero is set when a trailing Multi wildcard also matches
	// the parent subject itself
	MultiMatchesZero bool
}

var (
	// NATSDialect maps keys to NATS subjects
	NATSDialect = Dialect{Separator: ".", Single: "*", Multi: ">"}
	// MQTTDialect maps keys to MQTT topics
	MQTTDialect = Dialect{Separator: "/", Single: "+", Multi: "#", MultiMatchesZero: true}
	// AMQPDialect uses routing key syntax as-is
	AMQPDialect = Dialect{Separator: ".", Single: routing.Any, Multi: routing.Rest, MultiMatchesZero: true}
)

const queuePrefix = "queue"

// Subject returns the subject a message for exchange and key travels on
func (d Dialect) Subject(exchange, key string) string {
	if key == "" {
		return exchange
	}
	return exchange + d.Separator + d.join(routing.Segments(key))
}

// QueueSubject returns the subject of a named queue
func (d Dialect) QueueSubject(queue string) string {
	return queuePrefix + d.Separator + queue
}

// Key recovers the routing key from a subject of exchange
func (d Dialect) Key(exchange, subject string) string {
	rest := strings.TrimPrefix(subject, exchange)
	rest = strings.TrimPrefix(rest, d.Separator)
	if rest == "" {
		return ""
	}
	if d.Separator == "." {
		return rest
	}
	return strings.Join(strings.Split(rest, d.Separator), ".")
}

func (d Dialect) join(segs []string) string {
	return strings.Join(segs, d.Separator)
}

// Subjects returns the subjects that together receive every message of
// exchange whose key may match pattern. When the pattern cannot be expressed
// natively the whole exchange is returned and the caller filters with
// routing.Match.
func (d Dialect) Subjects(exchange, pattern string) []string {
	segs := routing.Segments(pattern)
	native := make([]string, 0, len(segs))

	for i, seg := range segs {
		switch seg {
		case routing.Any:
			native = append(native, d.Single)
		case routing.Rest:
			if i != len(segs)-1 {
				return d.wholeExchange(exchange)
			}
			return d.trailingMulti(exchange, native)
		default:
			native = append(native, seg)
		}
	}

	if len(native) == 0 {
		return []string{exchange}
	}
	return []string{exchange + d.Separator + d.join(native)}
}

func (d Dialect) wholeExchange(exchange string) []string {
	return d.trailingMulti(exchange, nil)
}

// trailingMulti subscribes prefix and everything below it
func (d Dialect) trailingMulti(exchange string, prefix []string) []string {
	parent := exchange
	if len(prefix) > 0 {
		parent += d.Separator + d.join(prefix)
	}
	if d.MultiMatchesZero {
		return []string{parent + d.Separator + d.Multi}
	}
	return []string{parent, parent + d.Separator + d.Multi}
}

type subscriptions []Subscription

func (s subscriptions) Unsubscribe() error {
	var errs []error
	for _, sub := range s {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type consumer struct {
	queue   string
	ctx     context.Context
	handler Handler
	direct  Subscription
	bound   map[string]Subscription
}

// Bus implements Broker on top of a subject based Transport
type Bus struct {
	transport Transport
	dialect   Dialect
	decl      *Declarations

	mu        sync.Mutex
	consumers map[string][]*consumer
	closed    bool
}

// NewBus creates a Bus over transport using the subject dialect d
func NewBus(transport Transport, d Dialect) *Bus {
	return &Bus{
		transport: transport,
		dialect:   d,
		decl:      NewDeclarations(),
		consumers: make(map[string][]*consumer),
	}
}

// Declarations exposes the registry of declared exchanges, queues and bindings
func (b *Bus) Declarations() *Declarations {
	return b.decl
}

func (b *Bus) DeclareExchange(_ context.Context, name string, kind ExchangeKind) error {
	if name == DefaultExchange {
		return fmt.Errorf("cannot redeclare the default exchange")
	}
	created, err := b.decl.Exchange(name, kind)
	if err != nil {
		return err
	}
	if created {
		logger.Debug("declared %s exchange %s", kind, name)
	}
	return nil
}

func (b *Bus) DeclareQueue(_ context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if b.decl.Queue(name) {
		logger.Debug("declared queue %s", name)
	}
	return nil
}

func (b *Bus) BindQueue(_ context.Context, queue, exchange, key string) error {
	created, err := b.decl.Bind(queue, exchange, key)
	if err != nil || !created {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.consumers[queue] {
		if err := b.rebind(c, exchange); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var subject string
	switch {
	case exchange == DefaultExchange:
		subject = b.dialect.QueueSubject(routingKey)
	case b.decl.Kind(exchange) == Fanout:
		subject = exchange
	default:
		subject = b.dialect.Subject(exchange, routingKey)
	}

	if err := b.transport.Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) SubscribeTopic(ctx context.Context, exchange, pattern string, h Handler) (Subscription, error) {
	if err := b.DeclareExchange(ctx, exchange, Topic); err != nil {
		return nil, err
	}
	accept := func(key string) bool { return routing.Match(pattern, key) }
	return b.subscribe(ctx, b.dialect.Subjects(exchange, pattern), "", b.dispatch(exchange, accept, h))
}

func (b *Bus) SubscribeFanout(ctx context.Context, exchange string, h Handler) (Subscription, error) {
	if err := b.DeclareExchange(ctx, exchange, Fanout); err != nil {
		return nil, err
	}
	return b.subscribe(ctx, []string{exchange}, "", b.dispatch(exchange, nil, h))
}

func (b *Bus) Consume(ctx context.Context, queue string, h Handler) (Subscription, error) {
	if err := b.DeclareQueue(ctx, queue); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	c := &consumer{queue: queue, ctx: ctx, handler: h, bound: make(map[string]Subscription)}

	direct, err := b.transport.Subscribe(ctx, b.dialect.QueueSubject(queue), queue, b.dispatchQueue(queue, h))
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	c.direct = direct

	for exchange := range b.decl.Bindings(queue) {
		if err := b.rebind(c, exchange); err != nil {
			b.cancel(c)
			return nil, err
		}
	}

	b.consumers[queue] = append(b.consumers[queue], c)
	return &consumerSubscription{bus: b, c: c}, nil
}

// rebind replaces the subscription of c on exchange, must be called with b.mu held
func (b *Bus) rebind(c *consumer, exchange string) error {
	keys := b.decl.Bindings(c.queue)[exchange]

	var subjects []string
	var accept func(string) bool
	if b.decl.Kind(exchange) == Fanout {
		subjects = []string{exchange}
	} else {
		if len(keys) == 1 {
			subjects = b.dialect.Subjects(exchange, keys[0])
		} else {
			subjects = b.dialect.wholeExchange(exchange)
		}
		accept = func(key string) bool {
			for _, k := range keys {
				if routing.Match(k, key) {
					return true
				}
			}
			return false
		}
	}

	sub, err := b.subscribe(c.ctx, subjects, c.queue, b.dispatch(exchange, accept, c.handler))
	if err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", c.queue, exchange, err)
	}

	if old, ok := c.bound[exchange]; ok {
		if err := old.Unsubscribe(); err != nil {
			logger.Warn("failed to drop old binding of %s on %s: %v", c.queue, exchange, err)
		}
	}
	c.bound[exchange] = sub
	return nil
}

func (b *Bus) subscribe(ctx context.Context, subjects []string, group string, deliver Delivery) (Subscription, error) {
	subs := make(subscriptions, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := b.transport.Subscribe(ctx, subject, group, deliver)
		if err != nil {
			subs.Unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (b *Bus) dispatch(exchange string, accept func(string) bool, h Handler) Delivery {
	return func(ctx context.Context, subject string, body []byte) error {
		key := b.dialect.Key(exchange, subject)
		if accept != nil && !accept(key) {
			return nil
		}
		return invoke(ctx, h, Message{Exchange: exchange, RoutingKey: key, Body: body})
	}
}

func (b *Bus) dispatchQueue(queue string, h Handler) Delivery {
	return func(ctx context.Context, _ string, body []byte) error {
		return invoke(ctx, h, Message{Exchange: DefaultExchange, RoutingKey: queue, Body: body})
	}
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			logger.Warn("handler for %q key %q failed: %v", msg.Exchange, msg.RoutingKey, err)
		}
	}()
	return h(ctx, msg)
}

// cancel drops all subscriptions of c, must be called with b.mu held
func (b *Bus) cancel(c *consumer) error {
	var errs []error
	if c.direct != nil {
		errs = append(errs, c.direct.Unsubscribe())
	}
	for exchange, sub := range c.bound {
		errs = append(errs, sub.Unsubscribe())
		delete(c.bound, exchange)
	}

	list := b.consumers[c.queue]
	for i, other := range list {
		if other == c {
			b.consumers[c.queue] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return errors.Join(errs...)
}

type consumerSubscription struct {
	bus  *Bus
	c    *consumer
	once sync.Once
}

func (s *consumerSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		err = s.bus.cancel(s.c)
	})
	return err
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var errs []error
	for _, list := range b.consumers {
		for _, c := range append([]*consumer(nil), list...) {
			errs = append(errs, b.cancel(c))
		}
	}
	b.mu.Unlock()

	errs = append(errs, b.transport.Close())
	return errors.Join(errs...)
}
