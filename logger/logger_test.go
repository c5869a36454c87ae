package logger

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		out = append(out, line)
	}
	return out
}

func TestFileOutputLevelsAndComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "oceanflow.log")
	l, err := New(LoggerConfig{Level: WARN, FilePath: path, Component: "EU-S"})
	require.NoError(t, err)

	l.Info("dropped %d", 1)
	l.Warn("kept %d", 2)
	l.SetLevel(DEBUG)
	assert.Equal(t, DEBUG, l.Level())
	l.SetComponent("EU-Agr01")
	l.Debug("kept %d", 3)
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "kept 2", lines[0]["message"])
	assert.Equal(t, "EU-S", lines[0]["component"])
	assert.Equal(t, "debug", lines[1]["level"])
	assert.Equal(t, "EU-Agr01", lines[1]["component"])
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
	}
	assert.Equal(t, "WARN", WARN.String())
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	assert.Error(t, SetLevel("loud"))
	assert.NoError(t, SetLevel("info"))
}
