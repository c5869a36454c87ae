package topology

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
devices:
  - wavy_id: EU-Wavy01
    status: 0
    data_interval: 1000
    is_active: true
    ocean: Atlantic
    area_type: Coastal
aggregators:
  - aggregator_id: EU-Agr01
    region: Europe
    continent_code: EU
    ocean: Atlantic
    area_type: Coastal
    subscribed_data_types: [temperature, salinity]
servers:
  - server_id: EU-S
    continent: Europe
    continent_code: EU
    port: 11000
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0644))
	return path
}

func TestFileStoreLookup(t *testing.T) {
	store, err := OpenFileStore(writeSeed(t))
	require.NoError(t, err)
	ctx := context.Background()

	dev, err := store.Device(ctx, "EU-Wavy01")
	require.NoError(t, err)
	assert.Equal(t, "Atlantic", dev.Ocean)
	assert.False(t, dev.Online())
	assert.Equal(t, time.Second, dev.Interval(5*time.Second))

	agr, err := store.Aggregator(ctx, "EU-Agr01")
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature", "salinity"}, agr.SubscribedDataTypes)

	srv, err := store.Server(ctx, "EU-S")
	require.NoError(t, err)
	assert.Equal(t, 11000, srv.Port)

	_, err = store.Device(ctx, "EU-Wavy99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreStatusRoundTrip(t *testing.T) {
	path := writeSeed(t)
	store, err := OpenFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetDeviceStatus(ctx, "EU-Wavy01", StatusOnline, now))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	dev, err := reopened.Device(ctx, "EU-Wavy01")
	require.NoError(t, err)
	assert.True(t, dev.Online())
	assert.True(t, now.Equal(dev.LastSync))

	assert.ErrorIs(t, store.SetDeviceStatus(ctx, "EU-Wavy42", StatusOnline, now), ErrNotFound)
}

func TestMemoryFileStore(t *testing.T) {
	store := NewFileStore("", Seed{Devices: []DeviceRecord{{WavyID: "NA-Wavy03"}}})
	require.NoError(t, store.SetDeviceStatus(context.Background(), "NA-Wavy03", StatusOnline, time.Now()))

	dev, err := store.Device(context.Background(), "NA-Wavy03")
	require.NoError(t, err)
	assert.True(t, dev.Online())
}
