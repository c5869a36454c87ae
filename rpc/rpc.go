// Package rpc implements correlated request/response calls over a broker.
//
// A request is published to a named queue with a correlation id and the
// caller's private reply queue. The server answers on the reply queue; the
// caller matches the answer by correlation id or gives up after a timeout.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/logger"
)

// ErrTimeout is returned when no reply arrives in time
var ErrTimeout = errors.New("rpc call timed out")

// Response status values
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Request is an RPC request
type Request struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// Response is an RPC response
type Response struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response carrying data encoded as JSON
func OK(message string, data interface{}) (Response, error) {
	resp := Response{Status: StatusOK, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{}, fmt.Errorf("failed to encode response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// Decode unmarshals the response data into v
func (r Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return errors.New("response carries no data")
	}
	return json.Unmarshal(r.Data, v)
}

type envelope struct {
	CorrelationID string    `json:"correlation_id"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Request       *Request  `json:"request,omitempty"`
	Response      *Response `json:"response,omitempty"`
}

// Client issues RPC calls
type Client struct {
	broker     broker.Broker
	replyQueue string
	sub        broker.Subscription

	mu      sync.Mutex
	pending map[string]chan Response
}

// NewClient creates a client with its own reply queue
func NewClient(ctx context.Context, b broker.Broker) (*Client, error) {
	c := &Client{
		broker:     b,
		replyQueue: "rpc.reply." + uuid.NewString(),
		pending:    make(map[string]chan Response),
	}

	if err := b.DeclareQueue(ctx, c.replyQueue); err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}
	sub, err := b.Consume(ctx, c.replyQueue, c.onReply)
	if err != nil {
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Client) onReply(_ context.Context, msg broker.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil || env.Response == nil {
		logger.Warn("discarding malformed rpc reply on %s", c.replyQueue)
		return nil
	}

	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	delete(c.pending, env.CorrelationID)
	c.mu.Unlock()

	if !ok {
		logger.Debug("discarding late rpc reply %s", env.CorrelationID)
		return nil
	}
	ch <- *env.Response
	return nil
}

// Call sends req to queue and waits up to timeout for the reply
func (c *Client) Call(ctx context.Context, queue string, req Request, timeout time.Duration) (Response, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	body, err := json.Marshal(envelope{CorrelationID: id, ReplyTo: c.replyQueue, Request: &req})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode rpc request: %w", err)
	}
	if err := c.broker.Publish(ctx, broker.DefaultExchange, queue, body); err != nil {
		return Response{}, fmt.Errorf("failed to send rpc request to %s: %w", queue, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: %s %s after %v", ErrTimeout, queue, req.Action, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Pending returns the number of calls waiting for a reply
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops consuming the reply queue
func (c *Client) Close() error {
	return c.sub.Unsubscribe()
}

// HandlerFunc answers a request. A returned error becomes an ERROR response.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Mux dispatches requests by action
type Mux map[string]HandlerFunc

// Handle implements HandlerFunc
func (m Mux) Handle(ctx context.Context, req Request) (Response, error) {
	h, ok := m[req.Action]
	if !ok {
		return Response{}, fmt.Errorf("unknown action %q", req.Action)
	}
	return h(ctx, req)
}

// Serve answers requests arriving on queue until the subscription is dropped
func Serve(ctx context.Context, b broker.Broker, queue string, h HandlerFunc) (broker.Subscription, error) {
	if err := b.DeclareQueue(ctx, queue); err != nil {
		return nil, fmt.Errorf("failed to declare rpc queue %s: %w", queue, err)
	}

	sub, err := b.Consume(ctx, queue, func(ctx context.Context, msg broker.Message) error {
		var env envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil || env.Request == nil {
			logger.Warn("discarding malformed rpc request on %s", queue)
			return nil
		}

		resp := answer(ctx, h, *env.Request)
		if env.ReplyTo == "" {
			return nil
		}

		body, err := json.Marshal(envelope{CorrelationID: env.CorrelationID, Response: &resp})
		if err != nil {
			return fmt.Errorf("failed to encode rpc response: %w", err)
		}
		return b.Publish(ctx, broker.DefaultExchange, env.ReplyTo, body)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("serving rpc requests on %s", queue)
	return sub, nil
}

func answer(ctx context.Context, h HandlerFunc, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("rpc handler for %q panicked: %v", req.Action, r)
			resp = Response{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	resp, err := h(ctx, req)
	if err != nil {
		return Response{Status: StatusError, Message: err.Error()}
	}
	if resp.Status == "" {
		resp.Status = StatusOK
	}
	return resp
}
