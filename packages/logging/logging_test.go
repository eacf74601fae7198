package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestHandlerAddsServiceAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, "ingest"))
	logger.Debug("hidden")
	logger.Info("Fetch finished", "pages", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ingest", rec["service"])
	assert.Equal(t, "Fetch finished", rec["msg"])
	assert.EqualValues(t, 3, rec["pages"])
	_, err := time.Parse(time.RFC3339Nano, rec["time"].(string))
	assert.NoError(t, err)
}

func TestSetupCreatesLogDirectory(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "nested", "ingest.log")
	closer := Setup(path, "info", "test")
	slog.Info("hello")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}
