// Package natsbus carries the broker exchanges over NATS JetStream.
//
// Every exchange and the queue namespace get a stream of their own. Topic and
// fanout subscriptions are ephemeral consumers, named queues are durable
// consumers shared by every subscriber of the queue. A delivery is acked once
// the handler returns nil and nacked otherwise, so the server redelivers it
// until MaxDeliver is reached.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/logger"
)

// Client is a broker.Transport backed by a NATS JetStream connection
type Client struct {
	url           string
	name          string
	username      string
	password      string
	timeout       time.Duration
	reconnectWait time.Duration
	maxReconnects int
	handlerTime   time.Duration
	maxDeliver    int
	nakDelay      time.Duration
	retention     time.Duration
	queueExpiry   time.Duration

	mu      sync.RWMutex
	conn    *nats.Conn
	js      jetstream.JetStream
	streams map[string]bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithCredentials sets user and password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout sets the connect timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithReconnectWait sets the delay between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = d }
}

// WithMaxDeliver caps how often a message is delivered before the server
// gives up on it. -1 redelivers forever.
func WithMaxDeliver(n int) ClientOption {
	return func(c *Client) {
		if n != 0 {
			c.maxDeliver = n
		}
	}
}

// WithRedeliveryDelay sets how long a nacked message waits before redelivery
func WithRedeliveryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.nakDelay = d
		}
	}
}

// NewClient creates a client for url; call Connect before use
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		timeout:       10 * time.Second,
		reconnectWait: 2 * time.Second,
		maxReconnects: -1,
		handlerTime:   30 * time.Second,
		maxDeliver:    5,
		nakDelay:      time.Second,
		retention:     24 * time.Hour,
		queueExpiry:   time.Hour,
		streams:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS connection lost: %v", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("reconnected to NATS at %s", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("NATS error on %s: %v", sub.Subject, err)
				return
			}
			logger.Error("NATS error: %v", err)
		}),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	return opts
}

// Connect establishes the connection to the NATS server
func (c *Client) Connect(ctx context.Context) error {
	logger.Info("connecting to NATS at %s", c.url)

	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- fmt.Errorf("JetStream unavailable: %w", err)
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", c.url, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("connection to NATS cancelled: %w", ctx.Err())
	}

	logger.Info("successfully connected to NATS at %s", c.url)
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, broker.ErrNotConnected
	}
	return c.js, nil
}

// streamFor makes sure the stream holding subject exists and returns its name.
// The stream is named after the first subject token, which is the exchange
// or the queue namespace.
func (c *Client) streamFor(ctx context.Context, js jetstream.JetStream, subject string) (string, error) {
	name, _, _ := strings.Cut(subject, ".")
	if name == "" || strings.ContainsAny(name, "*>") {
		return "", fmt.Errorf("subject %q has no stream root", subject)
	}

	c.mu.RLock()
	known := c.streams[name]
	c.mu.RUnlock()
	if known {
		return name, nil
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name, name + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    c.retention,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	c.mu.Lock()
	c.streams[name] = true
	c.mu.Unlock()
	logger.Debug("stream %s ready", name)
	return name, nil
}

// Publish stores body on subject and waits for the stream to confirm it
func (c *Client) Publish(ctx context.Context, subject string, body []byte) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}
	if _, err := c.streamFor(ctx, js, subject); err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("stream rejected %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes subject from its stream. A non-empty group binds a
// durable consumer that every subscriber of the group shares.
func (c *Client) Subscribe(ctx context.Context, subject, group string, deliver broker.Delivery) (broker.Subscription, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	stream, err := c.streamFor(ctx, js, subject)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       c.handlerTime + 5*time.Second,
		MaxDeliver:    c.maxDeliver,
	}
	if group != "" {
		cfg.Durable = consumerName(group, subject)
		cfg.InactiveThreshold = c.queueExpiry
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subject, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTime)
		defer cancel()

		if err := deliver(msgCtx, msg.Subject(), msg.Data()); err != nil {
			if nakErr := msg.NakWithDelay(c.nakDelay); nakErr != nil {
				logger.Warn("failed to nak message on %s: %v", msg.Subject(), nakErr)
			}
			return
		}
		if err := msg.Ack(); err != nil {
			logger.Warn("failed to ack message on %s: %v", msg.Subject(), err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", subject, err)
	}

	logger.Debug("subscribed to NATS subject %s on stream %s", subject, stream)
	return &subscription{
		client:    c,
		js:        js,
		cc:        cc,
		stream:    stream,
		consumer:  consumer.CachedInfo().Name,
		ephemeral: group == "",
	}, nil
}

// consumerName derives a valid durable name for group on subject
func consumerName(group, subject string) string {
	h := fnv.New32a()
	h.Write([]byte(subject))
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, group)
	return fmt.Sprintf("%s_%08x", clean, h.Sum32())
}

type subscription struct {
	client    *Client
	js        jetstream.JetStream
	cc        jetstream.ConsumeContext
	stream    string
	consumer  string
	ephemeral bool
	once      sync.Once
}

// Unsubscribe stops delivery. Ephemeral consumers are deleted, durable ones
// keep their pending messages until they expire.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cc.Stop()
		if !s.ephemeral {
			return
		}
		if _, connErr := s.client.jetStream(); connErr != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.client.timeout)
		defer cancel()
		if delErr := s.js.DeleteConsumer(ctx, s.stream, s.consumer); delErr != nil && !errors.Is(delErr, jetstream.ErrConsumerNotFound) {
			err = fmt.Errorf("failed to delete consumer %s: %w", s.consumer, delErr)
		}
	})
	return err
}

// Close flushes pending messages and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if !c.conn.IsClosed() {
		c.conn.FlushTimeout(2 * time.Second)
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
	return nil
}

// Dial connects to url and returns a broker over the connection
func Dial(ctx context.Context, url string, opts ...ClientOption) (*broker.Bus, error) {
	client := NewClient(url, opts...)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return broker.NewBus(client, broker.NATSDialect), nil
}
