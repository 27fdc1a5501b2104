package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "telereader.log")
	log, err := New(Config{Level: "debug", File: file, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("sweep finished", zap.String("sweep_id", "abc"))
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"sweep finished"`)
	assert.Contains(t, string(data), `"sweep_id":"abc"`)
}

func TestNewFallsBackToInfo(t *testing.T) {
	log, err := New(Config{Level: "chatty"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
