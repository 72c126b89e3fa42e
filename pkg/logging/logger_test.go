package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "appcache.log")

	log, err := New(Config{Level: "info", Format: "json", Path: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Warn("storage operation failed", zap.String("op", "set"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"op":"set"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestMustFallsBackToNop(t *testing.T) {
	log := Must(Config{Level: "loud"})
	require.NotNil(t, log)
	log.Info("dropped")
}
