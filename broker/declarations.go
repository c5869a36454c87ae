package broker

import (
	"fmt"
	"sort"
	"sync"
)

// Binding connects a queue to an exchange with a key or pattern
type Binding struct {
	Exchange string
	Key      string
}

// Declarations records exchanges, queues and bindings
type Declarations struct {
	mu        sync.RWMutex
	exchanges map[string]ExchangeKind
	queues    map[string]map[Binding]struct{}
}

// NewDeclarations creates an empty registry
func NewDeclarations() *Declarations {
	return &Declarations{
		exchanges: make(map[string]ExchangeKind),
		queues:    make(map[string]map[Binding]struct{}),
	}
}

// Exchange declares an exchange. It reports whether the exchange is new.
func (d *Declarations) Exchange(name string, kind ExchangeKind) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.exchanges[name]; ok {
		if existing != kind {
			return false, fmt.Errorf("%w: %s is %s, not %s", ErrExchangeKindMismatch, name, existing, kind)
		}
		return false, nil
	}
	d.exchanges[name] = kind
	return true, nil
}

// Kind returns the kind of an exchange, declaring it as a topic exchange
// when unknown
func (d *Declarations) Kind(name string) ExchangeKind {
	d.mu.RLock()
	kind, ok := d.exchanges[name]
	d.mu.RUnlock()
	if ok {
		return kind
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if kind, ok := d.exchanges[name]; ok {
		return kind
	}
	d.exchanges[name] = Topic
	return Topic
}

// Queue declares a queue. It reports whether the queue is new.
func (d *Declarations) Queue(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[name]; ok {
		return false
	}
	d.queues[name] = make(map[Binding]struct{})
	return true
}

// HasQueue reports whether a queue was declared
func (d *Declarations) HasQueue(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.queues[name]
	return ok
}

// Bind binds a queue. It reports whether the binding is new.
func (d *Declarations) Bind(queue, exchange, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bindings, ok := d.queues[queue]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if _, ok := d.exchanges[exchange]; !ok {
		d.exchanges[exchange] = Topic
	}

	b := Binding{Exchange: exchange, Key: key}
	if _, ok := bindings[b]; ok {
		return false, nil
	}
	bindings[b] = struct{}{}
	return true, nil
}

// Bindings returns the bindings of a queue grouped by exchange, keys sorted
func (d *Declarations) Bindings(queue string) map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string)
	for b := range d.queues[queue] {
		out[b.Exchange] = append(out[b.Exchange], b.Key)
	}
	for _, keys := range out {
		sort.Strings(keys)
	}
	return out
}
