package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/oceanflow/broker"
)

func TestNewClientRequiresBroker(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestNewClientGeneratesID(t *testing.T) {
	c, err := NewClient(Config{Broker: "tcp://127.0.0.1:1883"})
	require.NoError(t, err)
	assert.Contains(t, c.config.ClientID, "oceanflow-")
	assert.Equal(t, 10*time.Second, c.config.ConnectTimeout)
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient(Config{Broker: "tcp://127.0.0.1:1"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Publish(context.Background(), "a/b", nil), broker.ErrNotConnected)
}
