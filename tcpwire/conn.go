package tcpwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/eddielth/oceanflow/topology"
)

// MaxFrameSize bounds the bytes buffered while waiting for a frame
const MaxFrameSize = 16 << 20

// DefaultTimeout applies to each read and write when none is configured
const DefaultTimeout = 30 * time.Second

// Conn is a protocol connection
type Conn struct {
	conn    net.Conn
	buf     []byte
	timeout time.Duration
}

// NewConn wraps c; timeout bounds every read and write, zero uses DefaultTimeout
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{conn: c, timeout: timeout}
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection
func (c *Conn) Close() error {
	return c.conn.Close()
}

// WriteMessage sends m
func (c *Conn) WriteMessage(m Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(m.Encode()); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}
	return nil
}

// ReadMessage reads the next message, which must be one of expected.
// Bytes past the end of the message are kept for the next call.
func (c *Conn) ReadMessage(expected ...Kind) (Message, error) {
	chunk := make([]byte, 4096)
	for {
		msg, n, err := parse(c.buf, expected)
		if err != nil {
			return Message{}, err
		}
		if n > 0 {
			c.buf = c.buf[n:]
			if len(c.buf) == 0 {
				c.buf = nil
			}
			return msg, nil
		}

		if len(c.buf) > MaxFrameSize {
			return Message{}, ErrFrameTooLarge
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return Message{}, err
		}
		read, err := c.conn.Read(chunk)
		c.buf = append(c.buf, chunk[:read]...)
		if err != nil {
			if read > 0 {
				continue
			}
			if errors.Is(err, io.EOF) && len(c.buf) > 0 {
				return Message{}, fmt.Errorf("%w: connection closed mid-frame", io.ErrUnexpectedEOF)
			}
			return Message{}, err
		}
	}
}

// parse looks for a complete message of one of the expected kinds at the
// start of buf. It returns the number of bytes consumed, 0 when more input
// is needed.
func parse(buf []byte, expected []Kind) (Message, int, error) {
	if len(buf) == 0 {
		return Message{}, 0, nil
	}

	expectsData := false
	for _, k := range expected {
		if k == Data {
			expectsData = true
		}
	}

	trimmed := bytes.TrimSpace(buf)
	partial := false

	for _, k := range expected {
		switch k {
		case Data:
			if i := bytes.Index(buf, []byte(EOM)); i >= 0 {
				payload := append([]byte(nil), buf[:i]...)
				return Message{Kind: Data, Payload: payload}, i + len(EOM), nil
			}
		case Identify:
			if bytes.HasPrefix(trimmed, []byte(tokenIdentify)) {
				id := strings.TrimSpace(string(trimmed[len(tokenIdentify):]))
				if id != "" {
					return Message{Kind: Identify, ID: id}, len(buf), nil
				}
				partial = true
			} else if strings.HasPrefix(tokenIdentify, string(trimmed)) {
				partial = true
			}
		default:
			tok := k.token()
			if string(trimmed) == tok {
				return Message{Kind: k}, len(buf), nil
			}
			if !expectsData && bytes.HasPrefix(buf, []byte(tok)) {
				return Message{Kind: k}, len(tok), nil
			}
			if strings.HasPrefix(tok, string(trimmed)) {
				partial = true
			}
		}
	}

	if expectsData || partial {
		return Message{}, 0, nil
	}
	return Message{}, 0, fmt.Errorf("%w: %q while expecting %v", ErrUnexpectedMessage, truncate(buf), expected)
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}

// Connect opens a connection to addr without a handshake. Servers read
// frames from the first byte.
func Connect(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConn(nc, timeout), nil
}

// Dial connects to addr and performs the client handshake as id
func Dial(ctx context.Context, addr, id string, timeout time.Duration) (*Conn, error) {
	c, err := Connect(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Handshake(id); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Handshake performs the client side of the handshake
func (c *Conn) Handshake(id string) error {
	if err := c.WriteMessage(Message{Kind: Hello}); err != nil {
		return err
	}
	if _, err := c.ReadMessage(HelloOK); err != nil {
		return fmt.Errorf("%w: no greeting: %v", ErrRejected, err)
	}
	if err := c.WriteMessage(Message{Kind: Identify, ID: id}); err != nil {
		return err
	}
	if _, err := c.ReadMessage(IdentifyAck); err != nil {
		return fmt.Errorf("%w: identification of %s refused: %v", ErrRejected, id, err)
	}
	return nil
}

// ServerHandshake performs the server side of the handshake and returns the
// peer identifier. A peer from another continent than region gets
// ErrRegionMismatch and no acknowledgement; the caller closes the connection.
func (c *Conn) ServerHandshake(region string) (string, error) {
	if _, err := c.ReadMessage(Hello); err != nil {
		return "", err
	}
	if err := c.WriteMessage(Message{Kind: HelloOK}); err != nil {
		return "", err
	}

	msg, err := c.ReadMessage(Identify)
	if err != nil {
		return "", err
	}
	if got := topology.ContinentOf(msg.ID); got != region {
		return msg.ID, fmt.Errorf("%w: %s is not in %s", ErrRegionMismatch, msg.ID, region)
	}

	if err := c.WriteMessage(Message{Kind: IdentifyAck}); err != nil {
		return msg.ID, err
	}
	return msg.ID, nil
}

// SendData sends a device payload and waits for its acknowledgement
func (c *Conn) SendData(payload []byte) error {
	return c.exchange(Message{Kind: Data, Payload: payload}, DataAck)
}

// SendBatch sends a batch payload and waits for its acknowledgement
func (c *Conn) SendBatch(payload []byte) error {
	return c.exchange(Message{Kind: Data, Payload: payload}, BatchAck)
}

// Disconnect announces the end of the session and waits for the acknowledgement
func (c *Conn) Disconnect() error {
	return c.exchange(Message{Kind: Disconnect}, DisconnectAck)
}

// Shutdown announces that the sender stops and waits for the acknowledgement
func (c *Conn) Shutdown() error {
	return c.exchange(Message{Kind: ShutdownNotice}, ShutdownAck)
}

// Reply sends an acknowledgement of the given kind
func (c *Conn) Reply(kind Kind) error {
	return c.WriteMessage(Message{Kind: kind})
}

func (c *Conn) exchange(m Message, ack Kind) error {
	if err := c.WriteMessage(m); err != nil {
		return err
	}
	if _, err := c.ReadMessage(ack); err != nil {
		return fmt.Errorf("no %s for %s: %w", ack, m.Kind, err)
	}
	return nil
}
