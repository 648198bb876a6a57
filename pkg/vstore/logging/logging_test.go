package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/vstore/pkg/vstore/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("bogus"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("warn", "json", &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job", "binaries")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "binaries", entry["job"])
}
