package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
)

const unknownDevice = "unknown"

func (s *Server) listenAddr() (string, error) {
	if s.cfg.Legacy.Listen != "" {
		return s.cfg.Legacy.Listen, nil
	}
	port := s.record.Port
	if port == 0 {
		var err error
		if port, err = topology.ServerPort(s.continent); err != nil {
			return "", err
		}
	}
	host := s.cfg.Legacy.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func (s *Server) listenLegacy(ctx context.Context) error {
	addr, err := s.listenAddr()
	if err != nil {
		return err
	}
	ln, err := tcpwire.Listen(addr, s.cfg.Legacy.Timeout)
	if err != nil {
		return fmt.Errorf("failed to open legacy listener: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := ln.Serve(ctx, s.serveSession); err != nil {
			logger.Error("legacy listener stopped: %v", err)
		}
	}()
	return nil
}

// LegacyAddr returns the address of the legacy listener, nil when not listening
func (s *Server) LegacyAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serveSession runs one aggregator connection until it sends Desliga.
// Frames are read from the first byte; a leading Liga and ID: are answered
// for clients that still greet. The aggregator is named by the agregador_id
// of the first message it forwards.
func (s *Server) serveSession(ctx context.Context, c *tcpwire.Conn) {
	gauge := s.metrics.LegacySessions.WithLabelValues(s.cfg.ID)
	gauge.Inc()
	defer gauge.Dec()

	peer := c.RemoteAddr().String()
	named := false
	expected := []tcpwire.Kind{tcpwire.Hello, tcpwire.Data, tcpwire.ShutdownNotice}

	for ctx.Err() == nil {
		msg, err := c.ReadMessage(expected...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("aggregator %s closed the connection", peer)
			} else {
				logger.Warn("legacy session with %s ended: %v", peer, err)
			}
			return
		}
		expected = []tcpwire.Kind{tcpwire.Data, tcpwire.ShutdownNotice}

		switch msg.Kind {
		case tcpwire.Hello:
			if err := c.Reply(tcpwire.HelloOK); err != nil {
				logger.Warn("failed to greet %s: %v", peer, err)
				return
			}
			expected = []tcpwire.Kind{tcpwire.Identify, tcpwire.Data, tcpwire.ShutdownNotice}
		case tcpwire.Identify:
			logger.Info("aggregator %s introduced itself from %s", msg.ID, peer)
			if err := c.Reply(tcpwire.IdentifyAck); err != nil {
				logger.Warn("failed to acknowledge %s: %v", msg.ID, err)
				return
			}
		case tcpwire.ShutdownNotice:
			logger.Info("aggregator %s is shutting down", peer)
			if err := c.Reply(tcpwire.ShutdownAck); err != nil {
				logger.Warn("failed to acknowledge Desliga from %s: %v", peer, err)
			}
			return
		case tcpwire.Data:
			from := s.recordBatch(msg.Payload, peer)
			if !named {
				named = true
				if from != "" {
					logger.Info("aggregator %s connected from %s", from, peer)
					peer = from
				} else {
					logger.Warn("first message from %s carries no agregador_id", peer)
				}
			}
			if err := c.Reply(tcpwire.BatchAck); err != nil {
				logger.Warn("failed to acknowledge batch from %s: %v", peer, err)
				return
			}
		}
	}
}

// RecordLegacyBatch appends each line of a legacy batch to the file of its
// device and returns how many were written. Lines without a wavy_id go to the
// unknown file.
func (s *Server) RecordLegacyBatch(payload []byte, peer string) int {
	envs := model.SplitEnvelopes(payload)
	if len(envs) == 0 {
		return 0
	}
	return s.recordEnvelopes(envs, peer)
}

// recordBatch records payload and returns the agregador_id of its first
// message, "" when absent
func (s *Server) recordBatch(payload []byte, peer string) string {
	envs := model.SplitEnvelopes(payload)
	if len(envs) == 0 {
		return ""
	}
	s.recordEnvelopes(envs, peer)
	return envs[0].ForwardedBy
}

func (s *Server) recordEnvelopes(envs []model.Envelope, peer string) int {
	from := envs[0].ForwardedBy
	if from == "" {
		from = peer
	}

	written := 0
	for _, env := range envs {
		device := env.DeviceID()
		if device == "" {
			device = unknownDevice
		}
		if err := s.records.AppendLine(device, env.Body); err != nil {
			logger.Error("failed to record message of %s from %s: %v", device, from, err)
			continue
		}
		written++
	}

	s.legacyBatches.Add(1)
	logger.Info("recorded %d/%d legacy messages from %s", written, len(envs), from)
	return written
}
