// Package broker defines the topic pub/sub transport used between devices,
// aggregators and servers.
//
// The model is a topic exchange: publishers send to a named exchange with a
// dot-separated routing key, subscribers bind patterns where "*" matches one
// word and "#" matches zero or more. Fan-out exchanges deliver every message
// to every subscriber. The default exchange "" routes a message to the
// queue named by its routing key.
package broker

import (
	"context"
	"errors"
)

// Exchange names shared by all components
const (
	OceanDataExchange  = "ocean_data_exchange"
	ServerDataExchange = "server_data_exchange"
	ShutdownExchange   = "shutdown_exchange"

	// DefaultExchange routes by queue name
	DefaultExchange = ""
)

// ExchangeKind is the routing behaviour of an exchange
type ExchangeKind string

const (
	Topic  ExchangeKind = "topic"
	Fanout ExchangeKind = "fanout"
)

var (
	// ErrNotConnected is returned when the underlying connection is down
	ErrNotConnected = errors.New("broker not connected")
	// ErrExchangeKindMismatch is returned when an exchange is redeclared with another kind
	ErrExchangeKindMismatch = errors.New("exchange already declared with a different kind")
	// ErrUnknownQueue is returned when binding a queue that was never declared
	ErrUnknownQueue = errors.New("queue not declared")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("broker closed")
)

// Message is one delivery
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Handler processes a delivery. Returning an error, or panicking, leaves the
// message unacknowledged where the transport supports acknowledgements.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active subscription or consumer
type Subscription interface {
	Unsubscribe() error
}

// Broker is the pub/sub transport
type Broker interface {
	// DeclareExchange is idempotent for the same kind
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error
	// DeclareQueue is idempotent
	DeclareQueue(ctx context.Context, name string) error
	// BindQueue is idempotent; binding twice does not duplicate deliveries
	BindQueue(ctx context.Context, queue, exchange, key string) error
	// Publish is best effort. An undeclared exchange is declared as a topic exchange.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// SubscribeTopic creates an exclusive anonymous subscription bound with pattern
	SubscribeTopic(ctx context.Context, exchange, pattern string, h Handler) (Subscription, error)
	// SubscribeFanout receives every message published to a fan-out exchange
	SubscribeFanout(ctx context.Context, exchange string, h Handler) (Subscription, error)
	// Consume delivers each message of a named queue to one of its consumers
	Consume(ctx context.Context, queue string, h Handler) (Subscription, error)
	Close() error
}
