package aggregator

import (
	"context"
	"time"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/rpc"
)

// Status is the answer to the status action
type Status struct {
	ID                  string   `json:"aggregator_id"`
	Continent           string   `json:"continent_code"`
	Pattern             string   `json:"pattern"`
	ServerKey           string   `json:"server_key"`
	QueuedReadings      int      `json:"queued_readings"`
	QueuedLegacy        int      `json:"queued_legacy"`
	AcceptedReadings    int64    `json:"accepted_readings"`
	BatchesFlushed      int64    `json:"batches_flushed"`
	BatchesDropped      int64    `json:"batches_dropped"`
	FlushInterval       string   `json:"flush_interval"`
	SubscribedDataTypes []string `json:"subscribed_data_types,omitempty"`
	Uptime              string   `json:"uptime"`
}

// Status reports queue depths and counters
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started).Truncate(time.Second)
	}

	return Status{
		ID:                  a.cfg.ID,
		Continent:           a.continent,
		Pattern:             a.pattern,
		ServerKey:           a.ServerKey(),
		QueuedReadings:      a.readings.Len(),
		QueuedLegacy:        a.envelopes.Len(),
		AcceptedReadings:    a.accepted.Load(),
		BatchesFlushed:      a.flushed.Load(),
		BatchesDropped:      a.dropped.Load(),
		FlushInterval:       a.FlushInterval().String(),
		SubscribedDataTypes: a.record.SubscribedDataTypes,
		Uptime:              uptime.String(),
	}
}

// RPCQueue returns the queue the aggregator answers requests on
func (a *Aggregator) RPCQueue() string {
	return a.record.DerivedQueueName()
}

func (a *Aggregator) serveRPC(ctx context.Context) (broker.Subscription, error) {
	mux := rpc.Mux{
		"status": func(context.Context, rpc.Request) (rpc.Response, error) {
			return rpc.OK("running", a.Status())
		},
		"flush": func(ctx context.Context, _ rpc.Request) (rpc.Response, error) {
			batch, err := a.Flush(ctx)
			if err != nil {
				return rpc.Response{}, err
			}
			n := 0
			if batch != nil {
				n = len(batch.Messages)
			}
			return rpc.OK("flushed", map[string]int{"readings": n})
		},
	}

	return rpc.Serve(ctx, a.bus, a.RPCQueue(), func(ctx context.Context, req rpc.Request) (rpc.Response, error) {
		resp, err := mux.Handle(ctx, req)
		status := rpc.StatusOK
		if err != nil {
			status = rpc.StatusError
		}
		a.metrics.RPCRequests.WithLabelValues(a.cfg.ID, req.Action, status).Inc()
		return resp, err
	})
}
