package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/routing"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
)

func (a *Aggregator) host() string {
	if a.cfg.Legacy.Host != "" {
		return a.cfg.Legacy.Host
	}
	return "127.0.0.1"
}

// listenAddr is the configured address or the aggregator port of its continent
func (a *Aggregator) listenAddr() (string, error) {
	if a.cfg.Legacy.Listen != "" {
		return a.cfg.Legacy.Listen, nil
	}
	port := a.record.Port
	if port == 0 {
		id, err := topology.ParseID(a.cfg.ID)
		if err != nil {
			return "", err
		}
		if port, err = topology.AggregatorPort(a.continent, id.Number); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s:%d", a.host(), port), nil
}

func (a *Aggregator) uplinkAddr() (string, error) {
	if a.cfg.Legacy.UplinkAddr != "" {
		return a.cfg.Legacy.UplinkAddr, nil
	}
	port, err := topology.ServerPort(a.continent)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", a.host(), port), nil
}

func (a *Aggregator) listenLegacy(ctx context.Context) error {
	addr, err := a.listenAddr()
	if err != nil {
		return err
	}
	ln, err := tcpwire.Listen(addr, a.cfg.Legacy.Timeout)
	if err != nil {
		return fmt.Errorf("failed to open legacy listener: %w", err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		if err := ln.Serve(ctx, a.serveSession); err != nil {
			logger.Error("legacy listener stopped: %v", err)
		}
	}()
	return nil
}

// LegacyAddr returns the address of the legacy listener, nil when not listening
func (a *Aggregator) LegacyAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// serveSession runs one legacy device connection: a handshake checked
// against the aggregator continent, then data frames until DLG
func (a *Aggregator) serveSession(ctx context.Context, c *tcpwire.Conn) {
	id, err := c.ServerHandshake(a.continent)
	if err != nil {
		if errors.Is(err, tcpwire.ErrRegionMismatch) {
			logger.Warn("rejected %s from %s: %v", id, c.RemoteAddr(), err)
		} else {
			logger.Warn("handshake with %s failed: %v", c.RemoteAddr(), err)
		}
		return
	}

	gauge := a.metrics.LegacySessions.WithLabelValues(a.cfg.ID)
	gauge.Inc()
	defer gauge.Dec()
	logger.Info("legacy device %s connected from %s", id, c.RemoteAddr())

	for ctx.Err() == nil {
		msg, err := c.ReadMessage(tcpwire.Data, tcpwire.Disconnect)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("legacy device %s closed the connection", id)
			} else {
				logger.Warn("legacy session with %s ended: %v", id, err)
			}
			return
		}

		switch msg.Kind {
		case tcpwire.Disconnect:
			if err := c.Reply(tcpwire.DisconnectAck); err != nil {
				logger.Warn("failed to acknowledge DLG from %s: %v", id, err)
			}
			logger.Info("legacy device %s disconnected", id)
			return
		case tcpwire.Data:
			a.acceptEnvelope(model.Envelope{Body: msg.Payload, ForwardedBy: a.cfg.ID})
			if err := c.Reply(tcpwire.DataAck); err != nil {
				logger.Warn("failed to acknowledge data from %s: %v", id, err)
				return
			}
		}
	}
}

// acceptEnvelope queues a legacy payload for the server uplink. Without a
// dedicated uplink, payloads that decode as readings join the broker batch;
// anything else is still forwarded verbatim.
func (a *Aggregator) acceptEnvelope(env model.Envelope) {
	if !a.cfg.Legacy.Uplink {
		if reading, err := model.DecodeReading(env.Body); err == nil {
			a.accept(routing.FallbackDeviceKey(reading.WavyID), reading)
			return
		}
	}

	if !env.JSON() {
		logger.Warn("forwarding unparseable legacy payload verbatim")
	}
	a.envelopes.Push(env)
	a.metrics.QueueDepth.WithLabelValues(a.cfg.ID, "legacy").Set(float64(a.envelopes.Len()))
}

// FlushLegacy drains the legacy queue and sends it to the server as one
// newline separated frame. The connection is opened on first use without a
// handshake. A failure drops the batch and the connection is reopened on the
// next flush.
func (a *Aggregator) FlushLegacy(ctx context.Context) error {
	envs := a.envelopes.Drain()
	if len(envs) == 0 {
		return nil
	}
	a.metrics.QueueDepth.WithLabelValues(a.cfg.ID, "legacy").Set(0)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.uplink == nil {
		addr, err := a.uplinkAddr()
		if err != nil {
			a.drop(len(envs), "legacy")
			return err
		}
		c, err := tcpwire.Connect(ctx, addr, a.cfg.Legacy.Timeout)
		if err != nil {
			a.drop(len(envs), "legacy")
			return err
		}
		logger.Info("connected to server at %s", addr)
		a.uplink = c
	}

	if err := a.uplink.SendBatch(model.JoinEnvelopes(envs)); err != nil {
		a.uplink.Close()
		a.uplink = nil
		a.drop(len(envs), "legacy")
		return err
	}

	a.flushed.Add(1)
	a.metrics.BatchesFlushed.WithLabelValues(a.cfg.ID, "legacy").Inc()
	logger.Info("forwarded %d legacy payloads to the server", len(envs))
	return nil
}

// closeUplink sends the shutdown notice to the server and closes the uplink
func (a *Aggregator) closeUplink() error {
	a.mu.Lock()
	c := a.uplink
	a.uplink = nil
	a.mu.Unlock()

	if c == nil {
		return nil
	}
	defer c.Close()
	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("shutdown notice to server: %w", err)
	}
	return nil
}
