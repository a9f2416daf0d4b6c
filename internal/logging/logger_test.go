package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	log, closeFn, err := New("warn", path)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("block_id", "block_1").Msg("visible")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "block_1", entry["block_id"])
	assert.Equal(t, "researcher", entry["service"])
	assert.Contains(t, entry, "time")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, closeFn, err := New("loud", "")
	require.Error(t, err)
	closeFn()
}

func TestEmptyLevelDefaultsToInfo(t *testing.T) {
	log, closeFn, err := NewConsole("", "")
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "info", log.GetLevel().String())
}
