package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_LevelAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "checkout.log")

	logger, err := NewLogger(Options{Service: "checkout", Env: "test", Level: "warn", File: file})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.FileExists(t, file)
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(Options{Service: "checkout", Level: "loud"})
	assert.Error(t, err)
}
