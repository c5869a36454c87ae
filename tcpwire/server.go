package tcpwire

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/eddielth/oceanflow/logger"
)

// SessionHandler serves one accepted connection. The connection is closed
// when the handler returns.
type SessionHandler func(ctx context.Context, c *Conn)

// Listener accepts protocol connections and serves each on its own goroutine
type Listener struct {
	ln      net.Listener
	timeout time.Duration
	wg      sync.WaitGroup
}

// Listen opens a TCP listener on addr
func Listen(addr string, timeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, timeout: timeout}, nil
}

// Addr returns the listening address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled. In-flight sessions are
// not interrupted; use Wait to wait for them.
func (l *Listener) Serve(ctx context.Context, handler SessionHandler) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	logger.Info("legacy listener accepting connections on %s", l.ln.Addr())
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("legacy listener accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			c := NewConn(nc, l.timeout)
			defer c.Close()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("legacy session with %s panicked: %v", nc.RemoteAddr(), r)
				}
			}()
			handler(ctx, c)
		}()
	}
}

// Close stops accepting connections
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Wait blocks until every session handler has returned
func (l *Listener) Wait() {
	l.wg.Wait()
}
