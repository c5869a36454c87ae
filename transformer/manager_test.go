package transformer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/model"
)

const fahrenheitScript = `
function transform(json) {
	var r = JSON.parse(json);
	r.sea_surface_temperature_celsius = convertTemperature(r.sea_surface_temperature_celsius, "C", "C") + 1;
	return r;
}`

const dropCalmScript = `
function transform(json) {
	var r = parseJSON(json);
	if (!validateRange(r.wind_speed_ms, 5, 40)) {
		return null;
	}
	return r;
}`

func reading() model.Reading {
	return model.Reading{
		WavyID:                "EU-Wavy01",
		Latitude:              45,
		Longitude:             -20,
		Timestamp:             time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		SeaSurfaceTemperature: 12.5,
		WindSpeed:             3,
		SeaLevel:              0.1,
		CurrentSpeed:          0.5,
		Salinity:              35,
		Chlorophyll:           1,
		WaveHeight:            1,
		AcousticLevel:         100,
		Turbidity:             1,
		SurfacePressure:       1013,
		TemperatureGradient:   1,
	}
}

func TestTransformRewrites(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"ocean.data.atlantic.*": {ScriptCode: fahrenheitScript},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	out, kept, err := m.Transform("ocean.data.atlantic.coastal", reading())
	require.NoError(t, err)
	require.True(t, kept)
	assert.Equal(t, 13.5, out.SeaSurfaceTemperature)
	assert.Equal(t, "EU-Wavy01", out.WavyID)
	assert.True(t, out.Timestamp.Equal(reading().Timestamp))

	out, kept, err = m.Transform("ocean.data.pacific.coastal", reading())
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, 12.5, out.SeaSurfaceTemperature)
}

func TestTransformDrops(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"ocean.data.#": {ScriptCode: dropCalmScript},
	})
	require.NoError(t, err)

	_, kept, err := m.Transform("ocean.data.atlantic.coastal", reading())
	require.NoError(t, err)
	assert.False(t, kept)

	windy := reading()
	windy.WindSpeed = 12
	out, kept, err := m.Transform("ocean.data.atlantic.coastal", windy)
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, 12.0, out.WindSpeed)
}

func TestTransformRejectsInvalidResult(t *testing.T) {
	m, err := NewManager(map[string]config.Transformer{
		"#": {ScriptCode: `function transform(json) { var r = JSON.parse(json); r.salinity_psu = 99; return r; }`},
	})
	require.NoError(t, err)

	_, _, err = m.Transform("ocean.data.x.y", reading())
	assert.Error(t, err)
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager(map[string]config.Transformer{"#": {}})
	assert.ErrorContains(t, err, "没有提供脚本代码或脚本路径")

	_, err = NewManager(map[string]config.Transformer{"#": {ScriptCode: "var transform = 1;"}})
	assert.ErrorContains(t, err, "'transform' 不是一个函数")

	_, err = NewManager(map[string]config.Transformer{"#": {ScriptCode: "function ("}})
	assert.ErrorContains(t, err, "执行脚本失败")
}

func TestReloadTransformerFromFile(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "drop.js")
	require.NoError(t, os.WriteFile(path, []byte(`function transform(json) { return null; }`), 0644))
	require.NoError(t, m.ReloadTransformer("ocean.data.*.*", config.Transformer{ScriptPath: path}))

	_, kept, err := m.Transform("ocean.data.atlantic.coastal", reading())
	require.NoError(t, err)
	assert.False(t, kept)
}

func TestNilManagerPassesThrough(t *testing.T) {
	var m *Manager
	out, kept, err := m.Transform("ocean.data.a.b", reading())
	require.NoError(t, err)
	assert.True(t, kept)
	assert.Equal(t, reading(), out)
}
