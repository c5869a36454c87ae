package wavy

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/broker/brokertest"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/tcpwire"
	"github.com/eddielth/oceanflow/topology"
)

func decimals(v float64, n int) bool {
	p := math.Pow10(n)
	return math.Abs(v*p-math.Round(v*p)) < 1e-6
}

func TestGenerateReading(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		r := GenerateReading(rng, "EU-Wavy01", 45.5, -10.25, at)
		require.NoError(t, r.Validate(), "%+v", r)

		for _, d := range []float64{r.WindDirection, r.CurrentDirection, r.WaveDirection} {
			assert.True(t, decimals(d, 0), d)
			assert.Less(t, d, 360.0)
		}
		assert.True(t, decimals(r.SeaLevel, 3), r.SeaLevel)
		assert.True(t, decimals(r.SeaSurfaceTemperature, 2), r.SeaSurfaceTemperature)
		assert.True(t, decimals(r.SurfacePressure, 2), r.SurfacePressure)
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(Unconfigured, AwaitingActivation))
	assert.True(t, CanTransition(AwaitingActivation, Publishing))
	assert.True(t, CanTransition(Publishing, ShuttingDown))
	assert.True(t, CanTransition(ShuttingDown, Terminated))
	assert.False(t, CanTransition(Terminated, Publishing))
	assert.False(t, CanTransition(Publishing, AwaitingActivation))
	assert.Equal(t, "Publishing", Publishing.String())
}

func newStore(status int) *topology.FileStore {
	return topology.NewFileStore("", topology.Seed{
		Devices: []topology.DeviceRecord{{
			WavyID:    "EU-Wavy01",
			Status:    status,
			Latitude:  45,
			Longitude: -10,
			Ocean:     "Atlantic",
			AreaType:  "Coastal-North",
		}},
	})
}

func dialer(b broker.Broker) BrokerDialer {
	return func(context.Context) (broker.Broker, error) { return b, nil }
}

func TestNewRejectsBadID(t *testing.T) {
	_, err := New(Config{ID: "EU-Agr01"}, newStore(1), WithBroker(dialer(brokertest.New())))
	assert.ErrorIs(t, err, topology.ErrInvalidID)

	_, err = New(Config{ID: "EU-Wavy01"}, newStore(1))
	assert.Error(t, err)
}

func TestConfigureUnknownDevice(t *testing.T) {
	w, err := New(Config{ID: "NA-Wavy09"}, newStore(1), WithBroker(dialer(brokertest.New())))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Configure(context.Background()), topology.ErrNotFound)
}

func TestActivation(t *testing.T) {
	ctx := context.Background()

	store := newStore(topology.StatusOffline)
	w, err := New(Config{ID: "EU-Wavy01"}, store,
		WithBroker(dialer(brokertest.New())),
		WithActivator(func(context.Context, topology.DeviceRecord) (bool, error) { return false, nil }))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Configure(ctx), ErrActivationDeclined)
	assert.Equal(t, Terminated, w.State())

	asked := false
	w, err = New(Config{ID: "EU-Wavy01"}, store,
		WithBroker(dialer(brokertest.New())),
		WithActivator(func(_ context.Context, rec topology.DeviceRecord) (bool, error) {
			asked = true
			assert.Equal(t, "EU-Wavy01", rec.WavyID)
			return true, nil
		}))
	require.NoError(t, err)
	require.NoError(t, w.Configure(ctx))
	assert.True(t, asked)
	assert.Equal(t, AwaitingActivation, w.State())

	rec, err := store.Device(ctx, "EU-Wavy01")
	require.NoError(t, err)
	assert.True(t, rec.Online())
}

func TestBrokerTickPublishes(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	store := newStore(topology.StatusOnline)

	var received atomic.Int32
	_, err := b.SubscribeTopic(ctx, broker.OceanDataExchange, "ocean.data.atlantic.coastal_north", func(_ context.Context, msg broker.Message) error {
		_, err := model.DecodeReading(msg.Body)
		assert.NoError(t, err)
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	w, err := New(Config{ID: "EU-Wavy01"}, store, WithBroker(dialer(b)))
	require.NoError(t, err)
	require.NoError(t, w.Configure(ctx))
	require.NoError(t, w.connectBroker(ctx))

	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))

	msgs := b.PublishedTo(broker.OceanDataExchange)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ocean.data.atlantic.coastal_north", msgs[0].RoutingKey)
	assert.EqualValues(t, 2, received.Load())
	assert.EqualValues(t, 2, w.Published())

	rec, err := store.Device(ctx, "EU-Wavy01")
	require.NoError(t, err)
	assert.False(t, rec.LastSync.IsZero())
}

func TestBrokerTickFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()

	w, err := New(Config{ID: "EU-Wavy01"}, newStore(topology.StatusOnline), WithBroker(dialer(b)))
	require.NoError(t, err)
	require.NoError(t, w.Configure(ctx))
	require.NoError(t, w.connectBroker(ctx))

	b.FailPublish(broker.ErrNotConnected)
	assert.ErrorIs(t, w.Tick(ctx), broker.ErrNotConnected)
	assert.Zero(t, w.Published())

	b.FailPublish(nil)
	assert.NoError(t, w.Tick(ctx))
	assert.EqualValues(t, 1, w.Published())
}

func TestFallbackRoutingKey(t *testing.T) {
	store := topology.NewFileStore("", topology.Seed{
		Devices: []topology.DeviceRecord{{WavyID: "EU-Wavy02", Status: topology.StatusOnline}},
	})
	w, err := New(Config{ID: "EU-Wavy02"}, store, WithBroker(dialer(brokertest.New())))
	require.NoError(t, err)
	require.NoError(t, w.Configure(context.Background()))
	assert.Equal(t, "ocean.data.eu_wavy02", w.RoutingKey())
}

func TestRunShutsDownOnCancel(t *testing.T) {
	store := newStore(topology.StatusOnline)
	b := brokertest.New()
	w, err := New(Config{ID: "EU-Wavy01", Interval: 10 * time.Millisecond}, store, WithBroker(dialer(b)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Published() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Terminated, w.State())

	rec, err := store.Device(context.Background(), "EU-Wavy01")
	require.NoError(t, err)
	assert.False(t, rec.Online())
}

func TestLegacySession(t *testing.T) {
	ln, err := tcpwire.Listen("127.0.0.1:0", time.Second)
	require.NoError(t, err)

	frames := make(chan string, 10)
	disconnected := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ln.Wait()
	}()
	go ln.Serve(ctx, func(ctx context.Context, c *tcpwire.Conn) {
		id, err := c.ServerHandshake("EU")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "EU-Wavy01", id)
		for {
			msg, err := c.ReadMessage(tcpwire.Data, tcpwire.Disconnect)
			if err != nil {
				return
			}
			if msg.Kind == tcpwire.Disconnect {
				c.Reply(tcpwire.DisconnectAck)
				close(disconnected)
				return
			}
			frames <- string(msg.Payload)
			c.Reply(tcpwire.DataAck)
		}
	})

	store := newStore(topology.StatusOnline)
	w, err := New(Config{
		ID:             "EU-Wavy01",
		Mode:           ModeLegacy,
		AggregatorAddr: ln.Addr().String(),
		Timeout:        time.Second,
	}, store)
	require.NoError(t, err)
	require.NoError(t, w.Configure(context.Background()))
	w.setState(Publishing)

	require.NoError(t, w.Tick(context.Background()))
	require.NoError(t, w.Tick(context.Background()))

	for i := 0; i < 2; i++ {
		r, err := model.DecodeReading([]byte(<-frames))
		require.NoError(t, err)
		assert.Equal(t, "EU-Wavy01", r.WavyID)
	}

	require.NoError(t, w.Shutdown(context.Background()))
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not see DLG")
	}
}

func TestLegacyDialFailureBacksOff(t *testing.T) {
	w, err := New(Config{
		ID:             "EU-Wavy01",
		Mode:           ModeLegacy,
		AggregatorAddr: "127.0.0.1:1",
		RetryDelay:     time.Hour,
		Timeout:        200 * time.Millisecond,
	}, newStore(topology.StatusOnline))
	require.NoError(t, err)
	require.NoError(t, w.Configure(context.Background()))

	assert.Error(t, w.Tick(context.Background()))
	err = w.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next attempt")
}

func TestAggregatorAddrDerived(t *testing.T) {
	w, err := New(Config{ID: "NA-Wavy03", Mode: ModeLegacy, AggregatorHost: "agr.local"}, newStore(1))
	require.NoError(t, err)
	addr, err := w.aggregatorAddr()
	require.NoError(t, err)
	assert.Equal(t, "agr.local:12101", addr)
}
