// Package brokertest provides an in-memory broker for tests. Deliveries are
// synchronous: Publish returns after every matching handler has run.
package brokertest

import (
	"context"
	"sync"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/routing"
)

// Broker is an in-memory broker.Broker that records what was published
type Broker struct {
	*broker.Bus
	mem *Transport

	mu        sync.Mutex
	published []broker.Message
	failWith  error
}

// New creates an in-memory broker
func New() *Broker {
	mem := NewTransport()
	return &Broker{
		Bus: broker.NewBus(mem, broker.AMQPDialect),
		mem: mem,
	}
}

// Publish records the message and delivers it, or fails with the error set
// by FailPublish
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, broker.Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
	})
	b.mu.Unlock()

	return b.Bus.Publish(ctx, exchange, routingKey, body)
}

// FailPublish makes every following Publish return err; nil restores delivery
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

// Published returns the messages published so far
func (b *Broker) Published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.published...)
}

// PublishedTo returns the messages published to one exchange
func (b *Broker) PublishedTo(exchange string) []broker.Message {
	var out []broker.Message
	for _, m := range b.Published() {
		if m.Exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

// Rejected returns how many deliveries ended with a handler error
func (b *Broker) Rejected() int {
	return b.mem.Rejected()
}

// Transport is an in-memory broker.Transport with AMQP style subjects
type Transport struct {
	mu       sync.Mutex
	subs     []*subscription
	next     map[string]int
	rejected int
	closed   bool
}

type subscription struct {
	t       *Transport
	subject string
	group   string
	deliver broker.Delivery
	ctx     context.Context
}

// NewTransport creates an empty transport
func NewTransport() *Transport {
	return &Transport{next: make(map[string]int)}
}

func (t *Transport) Publish(ctx context.Context, subject string, body []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return broker.ErrClosed
	}

	var targets []*subscription
	groups := make(map[string][]*subscription)
	var order []string
	for _, s := range t.subs {
		if !routing.Match(s.subject, subject) {
			continue
		}
		if s.group == "" {
			targets = append(targets, s)
			continue
		}
		if _, ok := groups[s.group]; !ok {
			order = append(order, s.group)
		}
		groups[s.group] = append(groups[s.group], s)
	}
	for _, g := range order {
		members := groups[g]
		i := t.next[g] % len(members)
		t.next[g]++
		targets = append(targets, members[i])
	}
	t.mu.Unlock()

	for _, s := range targets {
		payload := append([]byte(nil), body...)
		if err := s.deliver(s.ctx, subject, payload); err != nil {
			t.mu.Lock()
			t.rejected++
			t.mu.Unlock()
		}
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, subject, group string, deliver broker.Delivery) (broker.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, broker.ErrClosed
	}
	s := &subscription{t: t, subject: subject, group: group, deliver: deliver, ctx: context.WithoutCancel(ctx)}
	t.subs = append(t.subs, s)
	return s, nil
}

func (s *subscription) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for i, other := range s.t.subs {
		if other == s {
			s.t.subs = append(s.t.subs[:i], s.t.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Rejected returns how many deliveries ended with a handler error
func (t *Transport) Rejected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejected
}

// Subscriptions returns the number of live subscriptions
func (t *Transport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = nil
	return nil
}
