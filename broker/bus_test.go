package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/oceanflow/broker"
	"github.com/eddielth/oceanflow/broker/brokertest"
	"github.com/eddielth/oceanflow/model"
)

type collector struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (c *collector) handle(_ context.Context, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func TestRegionalRouting(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	var eu, na collector
	_, err := b.SubscribeTopic(ctx, broker.ServerDataExchange, "server.data.eu", eu.handle)
	require.NoError(t, err)
	_, err = b.SubscribeTopic(ctx, broker.ServerDataExchange, "server.data.na", na.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, broker.ServerDataExchange, "server.data.eu", []byte("batch")))

	assert.Equal(t, []string{"server.data.eu"}, eu.keys())
	assert.Empty(t, na.keys())
}

func TestTopicWildcards(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	var coastal, all, mid collector
	_, err := b.SubscribeTopic(ctx, broker.OceanDataExchange, "ocean.data.*.coastal", coastal.handle)
	require.NoError(t, err)
	_, err = b.SubscribeTopic(ctx, broker.OceanDataExchange, "ocean.data.#", all.handle)
	require.NoError(t, err)
	_, err = b.SubscribeTopic(ctx, broker.OceanDataExchange, "ocean.#.deep", mid.handle)
	require.NoError(t, err)

	for _, key := range []string{"ocean.data.atlantic.coastal", "ocean.data.pacific.deep", "ocean.data"} {
		require.NoError(t, b.Publish(ctx, broker.OceanDataExchange, key, []byte("{}")))
	}

	assert.Equal(t, []string{"ocean.data.atlantic.coastal"}, coastal.keys())
	assert.Equal(t, []string{"ocean.data.atlantic.coastal", "ocean.data.pacific.deep", "ocean.data"}, all.keys())
	assert.Equal(t, []string{"ocean.data.pacific.deep"}, mid.keys())
}

func TestDeclareIdempotent(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	require.NoError(t, b.DeclareExchange(ctx, broker.OceanDataExchange, broker.Topic))
	require.NoError(t, b.DeclareExchange(ctx, broker.OceanDataExchange, broker.Topic))
	assert.ErrorIs(t, b.DeclareExchange(ctx, broker.OceanDataExchange, broker.Fanout), broker.ErrExchangeKindMismatch)

	require.NoError(t, b.DeclareQueue(ctx, "archive"))
	require.NoError(t, b.DeclareQueue(ctx, "archive"))
	require.NoError(t, b.BindQueue(ctx, "archive", broker.OceanDataExchange, "ocean.data.#"))
	require.NoError(t, b.BindQueue(ctx, "archive", broker.OceanDataExchange, "ocean.data.#"))

	var got collector
	_, err := b.Consume(ctx, "archive", got.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, broker.OceanDataExchange, "ocean.data.atlantic.coastal", []byte("{}")))
	assert.Len(t, got.keys(), 1)
}

func TestBindAfterConsume(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	require.NoError(t, b.DeclareQueue(ctx, "q"))
	var got collector
	_, err := b.Consume(ctx, "q", got.handle)
	require.NoError(t, err)

	require.NoError(t, b.BindQueue(ctx, "q", "ex", "a.*"))
	require.NoError(t, b.BindQueue(ctx, "q", "ex", "*.b"))

	// matches both bindings, delivered once
	require.NoError(t, b.Publish(ctx, "ex", "a.b", nil))
	require.NoError(t, b.Publish(ctx, "ex", "a.c", nil))
	require.NoError(t, b.Publish(ctx, "ex", "c.c", nil))

	assert.Equal(t, []string{"a.b", "a.c"}, got.keys())
}

func TestCompetingConsumers(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	var first, second collector
	_, err := b.Consume(ctx, "work", first.handle)
	require.NoError(t, err)
	_, err = b.Consume(ctx, "work", second.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, broker.DefaultExchange, "work", []byte("job")))
	}

	assert.Equal(t, 10, len(first.keys())+len(second.keys()))
	assert.NotEmpty(t, first.keys())
	assert.NotEmpty(t, second.keys())
}

func TestFanoutBroadcast(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	for i := 0; i < 3; i++ {
		_, err := broker.SubscribeShutdown(ctx, b, func(_ context.Context, n model.ShutdownNotice) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, n.AggregatorID)
		})
		require.NoError(t, err)
	}

	require.NoError(t, broker.PublishShutdown(ctx, b, model.ShutdownNotice{AggregatorID: "EU-Agr01"}))
	assert.Equal(t, []string{"EU-Agr01", "EU-Agr01", "EU-Agr01"}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	var got collector
	sub, err := b.SubscribeTopic(ctx, "ex", "#", got.handle)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "ex", "a", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "ex", "b", nil))

	assert.Equal(t, []string{"a"}, got.keys())
}

func TestHandlerFailuresAreRejected(t *testing.T) {
	ctx := context.Background()
	b := brokertest.New()
	defer b.Close()

	_, err := b.SubscribeTopic(ctx, "ex", "fail", func(context.Context, broker.Message) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.SubscribeTopic(ctx, "ex", "panic", func(context.Context, broker.Message) error {
		panic("boom")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ex", "fail", nil))
	require.NoError(t, b.Publish(ctx, "ex", "panic", nil))
	assert.Equal(t, 2, b.Rejected())
}

func TestPublishAfterClose(t *testing.T) {
	b := brokertest.New()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "ex", "a", nil), broker.ErrClosed)
}
