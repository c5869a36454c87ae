package server

import (
	"context"
	"time"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/rpc"
)

// Status is the answer to the status action
type Status struct {
	ID               string `json:"server_id"`
	Continent        string `json:"continent_code"`
	BindingKey       string `json:"binding_key"`
	BatchesPersisted int64  `json:"batches_persisted"`
	BatchesFailed    int64  `json:"batches_failed"`
	LegacyBatches    int64  `json:"legacy_batches"`
	ShutdownNotices  int64  `json:"shutdown_notices"`
	DeviceLocks      int    `json:"device_locks"`
	OnPersistFailure string `json:"on_persist_failure"`
	Uptime           string `json:"uptime"`
}

// Status reports the server counters
func (s *Server) Status() Status {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started).Truncate(time.Second)
	}

	return Status{
		ID:               s.cfg.ID,
		Continent:        s.continent,
		BindingKey:       s.BindingKey(),
		BatchesPersisted: s.persisted.Load(),
		BatchesFailed:    s.failed.Load(),
		LegacyBatches:    s.legacyBatches.Load(),
		ShutdownNotices:  s.notices.Load(),
		DeviceLocks:      s.locks.Len(),
		OnPersistFailure: s.cfg.OnPersistFailure,
		Uptime:           uptime.String(),
	}
}

// RPCQueue returns the queue the server answers requests on
func (s *Server) RPCQueue() string {
	return s.record.DerivedQueueName()
}

func (s *Server) serveRPC(ctx context.Context) (broker.Subscription, error) {
	mux := rpc.Mux{
		"status": func(context.Context, rpc.Request) (rpc.Response, error) {
			return rpc.OK("running", s.Status())
		},
	}
	return rpc.Serve(ctx, s.bus, s.RPCQueue(), func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		resp, err := mux.Handle(ctx, req)
		status := rpc.StatusOK
		if err != nil {
			status = rpc.StatusError
		}
		s.metrics.RPCRequests.WithLabelValues(s.cfg.ID, req.Action, status).Inc()
		return resp, err
	})
}
