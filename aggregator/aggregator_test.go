package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/broker/brokertest"
	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/metrics"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/rpc"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
	"github.com/eddielth/oceanflow/transformer"
)

func sampleReading(id string, seq int) model.Reading {
	return model.Reading{
		WavyID:                id,
		Latitude:              40,
		Longitude:             -30,
		Timestamp:             time.Date(2025, 6, 1, 0, 0, seq, 0, time.UTC),
		SeaSurfaceTemperature: 15,
		WindSpeed:             float64(seq % 40),
		WindDirection:         90,
		SeaLevel:              0.25,
		CurrentSpeed:          1,
		CurrentDirection:      180,
		Salinity:              35,
		Chlorophyll:           2,
		WaveHeight:            1.5,
		WaveDirection:         270,
		AcousticLevel:         120,
		Turbidity:             5,
		PrecipitationRate:     1,
		SurfacePressure:       1010,
		TemperatureGradient:   2,
	}
}

func publishReading(t *testing.T, b broker.Broker, key string, r model.Reading) {
	t.Helper()
	body, err := r.Marshal()
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), broker.OceanDataExchange, key, body))
}

func euRecord() topology.AggregatorRecord {
	return topology.AggregatorRecord{
		AggregatorID:        "EU-Agr01",
		Ocean:               "Atlantic",
		AreaType:            "Coastal-North",
		SubscribedDataTypes: []string{"temperature", "wind"},
	}
}

func startAggregator(t *testing.T, b broker.Broker, rec topology.AggregatorRecord, cfg Config, opts ...Option) *Aggregator {
	t.Helper()
	a, err := New(cfg, rec, b, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a
}

func TestQueueConcurrentPushDrain(t *testing.T) {
	var q Queue[int]
	assert.Nil(t, q.Drain())

	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(got) < producers*perProducer {
			got = append(got, q.Drain()...)
		}
	}()
	wg.Wait()
	<-done

	assert.Len(t, got, producers*perProducer)
	assert.Zero(t, q.Len())

	// per producer order is preserved
	last := make(map[int]int)
	for _, v := range got {
		p := v / perProducer
		if prev, ok := last[p]; ok {
			assert.Greater(t, v, prev)
		}
		last[p] = v
	}
}

func TestNewValidatesIdentity(t *testing.T) {
	_, err := New(Config{}, topology.AggregatorRecord{AggregatorID: "EU-Wavy01"}, brokertest.New())
	assert.ErrorIs(t, err, topology.ErrInvalidID)

	a, err := New(Config{}, euRecord(), brokertest.New())
	require.NoError(t, err)
	assert.Equal(t, "ocean.data.atlantic.coastal_north", a.Pattern())
	assert.Equal(t, "server.data.eu", a.ServerKey())
	assert.Equal(t, DefaultFlushInterval, a.FlushInterval())
	assert.Equal(t, "EU-Agr01_queue", a.RPCQueue())
}

func TestFlushEmptyQueuePublishesNothing(t *testing.T) {
	b := brokertest.New()
	a := startAggregator(t, b, euRecord(), Config{})

	batch, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Empty(t, b.PublishedTo(broker.ServerDataExchange))
}

func TestFlushForwardsInOrder(t *testing.T) {
	b := brokertest.New()
	a := startAggregator(t, b, euRecord(), Config{})

	const n = 25
	for i := 0; i < n; i++ {
		publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading(fmt.Sprintf("EU-Wavy%02d", i+1), i))
	}
	assert.Equal(t, n, a.Status().QueuedReadings)

	batch, err := a.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Zero(t, a.Status().QueuedReadings)
	assert.Equal(t, "EU-Agr01", batch.AggregatorID)

	msgs := b.PublishedTo(broker.ServerDataExchange)
	require.Len(t, msgs, 1)
	assert.Equal(t, "server.data.eu", msgs[0].RoutingKey)

	got, err := model.DecodeBatch(msgs[0].Body)
	require.NoError(t, err)
	require.Len(t, got.Messages, n)
	for i, r := range got.Messages {
		assert.Equal(t, fmt.Sprintf("EU-Wavy%02d", i+1), r.WavyID)
	}

	// the queue keeps accumulating for the next cycle
	batch, err = a.Flush(context.Background())
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestGeographicSubscription(t *testing.T) {
	b := brokertest.New()
	atlantic := startAggregator(t, b, euRecord(), Config{})
	pacific := startAggregator(t, b, topology.AggregatorRecord{AggregatorID: "NA-Agr01", Ocean: "Pacific"}, Config{})
	assert.Equal(t, "ocean.data.pacific.*", pacific.Pattern())

	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 1))
	publishReading(t, b, "ocean.data.pacific.open_sea", sampleReading("NA-Wavy01", 2))

	assert.Equal(t, 1, atlantic.Status().QueuedReadings)
	assert.Equal(t, 1, pacific.Status().QueuedReadings)
}

func TestRegionalForwarding(t *testing.T) {
	b := brokertest.New()
	ctx := context.Background()

	var mu sync.Mutex
	received := map[string]int{}
	for _, key := range []string{"server.data.eu", "server.data.na"} {
		key := key
		_, err := b.SubscribeTopic(ctx, broker.ServerDataExchange, key, func(context.Context, broker.Message) error {
			mu.Lock()
			received[key]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	a := startAggregator(t, b, euRecord(), Config{})
	// geography of the reading does not matter, the aggregator continent does
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("NA-Wavy07", 1))
	_, err := a.Flush(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received["server.data.eu"])
	assert.Zero(t, received["server.data.na"])
}

func TestFlushPublishFailureDropsBatch(t *testing.T) {
	b := brokertest.New()
	m := metrics.New()
	a := startAggregator(t, b, euRecord(), Config{}, WithMetrics(m))

	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 1))
	b.FailPublish(errors.New("connection reset"))

	batch, err := a.Flush(context.Background())
	assert.Error(t, err)
	assert.Nil(t, batch)
	assert.Zero(t, a.Status().QueuedReadings)
	assert.EqualValues(t, 1, a.Status().BatchesDropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesDropped.WithLabelValues("EU-Agr01", "broker")))

	b.FailPublish(nil)
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 2))
	batch, err = a.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
}

func TestInvalidReadingsSkipped(t *testing.T) {
	b := brokertest.New()
	m := metrics.New()
	a := startAggregator(t, b, euRecord(), Config{}, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, broker.OceanDataExchange, "ocean.data.atlantic.coastal_north", []byte("{not json")))
	bad := sampleReading("EU-Wavy01", 1)
	bad.Salinity = 80
	publishReading(t, b, "ocean.data.atlantic.coastal_north", bad)
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy02", 2))

	assert.Equal(t, 1, a.Status().QueuedReadings)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReadingsReceived.WithLabelValues("EU-Agr01", metrics.ResultInvalid)))
	// skipped readings are not redelivered
	assert.Zero(t, b.Rejected())
}

func TestTransformerDropsReadings(t *testing.T) {
	tm, err := transformer.NewManager(map[string]config.Transformer{
		"ocean.data.atlantic.#": {ScriptCode: `function transform(json) {
			var r = JSON.parse(json);
			return r.wind_speed_ms > 10 ? r : null;
		}`},
	})
	require.NoError(t, err)

	b := brokertest.New()
	a := startAggregator(t, b, euRecord(), Config{}, WithTransformer(tm))
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 3))
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy02", 30))

	batch, err := a.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "EU-Wavy02", batch.Messages[0].WavyID)
}

func TestRPCStatusAndFlush(t *testing.T) {
	b := brokertest.New()
	ctx := context.Background()
	a := startAggregator(t, b, euRecord(), Config{})
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 1))

	client, err := rpc.NewClient(ctx, b)
	require.NoError(t, err)

	resp, err := client.Call(ctx, a.RPCQueue(), rpc.Request{Action: "status"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, rpc.StatusOK, resp.Status)
	var st Status
	require.NoError(t, resp.Decode(&st))
	assert.Equal(t, 1, st.QueuedReadings)
	assert.Equal(t, "ocean.data.atlantic.coastal_north", st.Pattern)
	assert.Equal(t, []string{"temperature", "wind"}, st.SubscribedDataTypes)

	resp, err = client.Call(ctx, a.RPCQueue(), rpc.Request{Action: "flush"}, time.Second)
	require.NoError(t, err)
	var flushed map[string]int
	require.NoError(t, resp.Decode(&flushed))
	assert.Equal(t, 1, flushed["readings"])
	assert.Len(t, b.PublishedTo(broker.ServerDataExchange), 1)
}

func TestShutdownNotifiesAndFlushes(t *testing.T) {
	b := brokertest.New()
	ctx := context.Background()

	var notices []model.ShutdownNotice
	_, err := broker.SubscribeShutdown(ctx, b, func(_ context.Context, n model.ShutdownNotice) {
		notices = append(notices, n)
	})
	require.NoError(t, err)

	a := startAggregator(t, b, euRecord(), Config{})
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 1))

	require.NoError(t, a.Shutdown(ctx))
	require.Len(t, notices, 1)
	assert.Equal(t, "EU-Agr01", notices[0].AggregatorID)
	assert.Len(t, b.PublishedTo(broker.ServerDataExchange), 1)

	// no longer subscribed
	publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 2))
	assert.Zero(t, a.Status().QueuedReadings)
}

func TestRunFlushesOnInterval(t *testing.T) {
	b := brokertest.New()
	a, err := New(Config{FlushInterval: time.Hour}, euRecord(), b)
	require.NoError(t, err)
	a.SetFlushInterval(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, a.FlushInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// readings published before the subscription exists are not routed
	require.Eventually(t, func() bool {
		publishReading(t, b, "ocean.data.atlantic.coastal_north", sampleReading("EU-Wavy01", 1))
		return len(b.PublishedTo(broker.ServerDataExchange)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var notices int
	for _, m := range b.Published() {
		if m.Exchange == broker.ShutdownExchange {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

// fakeServer accepts legacy aggregator connections and records their frames
type fakeServer struct {
	addr     string
	frames   chan string
	shutdown chan struct{}
	greeted  atomic.Bool
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := tcpwire.Listen("127.0.0.1:0", time.Second)
	require.NoError(t, err)

	fs := &fakeServer{addr: ln.Addr().String(), frames: make(chan string, 10), shutdown: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Wait()
	})

	go ln.Serve(ctx, func(ctx context.Context, c *tcpwire.Conn) {
		for {
			msg, err := c.ReadMessage(tcpwire.Hello, tcpwire.Data, tcpwire.ShutdownNotice)
			if err != nil {
				return
			}
			switch msg.Kind {
			case tcpwire.Hello:
				fs.greeted.Store(true)
				return
			case tcpwire.ShutdownNotice:
				c.Reply(tcpwire.ShutdownAck)
				close(fs.shutdown)
				return
			}
			fs.frames <- string(msg.Payload)
			c.Reply(tcpwire.BatchAck)
		}
	})
	return fs
}

func TestLegacyPath(t *testing.T) {
	server := startFakeServer(t)
	b := brokertest.New()
	ctx := context.Background()

	a := startAggregator(t, b, euRecord(), Config{Legacy: LegacyConfig{
		Enabled:    true,
		Listen:     "127.0.0.1:0",
		Uplink:     true,
		UplinkAddr: server.addr,
		Timeout:    time.Second,
	}})
	addr := a.LegacyAddr().String()

	// region check at connection time
	_, err := tcpwire.Dial(ctx, addr, "NA-Wavy01", time.Second)
	assert.ErrorIs(t, err, tcpwire.ErrRejected)

	c, err := tcpwire.Dial(ctx, addr, "EU-Wavy01", time.Second)
	require.NoError(t, err)
	body, err := sampleReading("EU-Wavy01", 1).Marshal()
	require.NoError(t, err)
	require.NoError(t, c.SendData(body))
	require.NoError(t, c.SendData([]byte("temperature=12.5")))
	require.NoError(t, c.Disconnect())
	c.Close()

	assert.Equal(t, 2, a.Status().QueuedLegacy)
	require.NoError(t, a.FlushLegacy(ctx))

	frame := <-server.frames
	lines := strings.Split(frame, "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "EU-Agr01", first["agregador_id"])
	assert.Equal(t, "EU-Wavy01", first["wavy_id"])
	assert.Equal(t, "temperature=12.5", lines[1])

	require.NoError(t, a.Shutdown(ctx))
	select {
	case <-server.shutdown:
	case <-time.After(time.Second):
		t.Fatal("server did not receive Desliga")
	}
	// legacy payloads never reach the broker path
	assert.Empty(t, b.PublishedTo(broker.ServerDataExchange))
	// frames go out without a handshake
	assert.False(t, server.greeted.Load())
}

func TestLegacyWithoutUplinkKeepsUnparseablePayloads(t *testing.T) {
	server := startFakeServer(t)
	b := brokertest.New()
	ctx := context.Background()
	a := startAggregator(t, b, euRecord(), Config{Legacy: LegacyConfig{
		Enabled:    true,
		Listen:     "127.0.0.1:0",
		UplinkAddr: server.addr,
		Timeout:    time.Second,
	}})

	c, err := tcpwire.Dial(ctx, a.LegacyAddr().String(), "EU-Wavy03", time.Second)
	require.NoError(t, err)
	defer c.Close()
	body, err := sampleReading("EU-Wavy03", 1).Marshal()
	require.NoError(t, err)
	require.NoError(t, c.SendData(body))
	require.NoError(t, c.SendData([]byte("temperature=12.5")))
	require.NoError(t, c.Disconnect())

	// the reading joins the broker batch, the raw text waits for the uplink
	assert.Equal(t, 1, a.Status().QueuedLegacy)
	batch, err := a.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "EU-Wavy03", batch.Messages[0].WavyID)

	require.NoError(t, a.FlushLegacy(ctx))
	select {
	case frame := <-server.frames:
		assert.Equal(t, "temperature=12.5", frame)
	case <-time.After(time.Second):
		t.Fatal("raw payload was not forwarded")
	}
	assert.Zero(t, a.Status().QueuedLegacy)
}
