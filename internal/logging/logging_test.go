package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewProductionBuildsJSONLogger(t *testing.T) {
	logger, err := New(Options{Development: false, Level: zapcore.InfoLevel})
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync()

	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewDevelopmentHonorsDebugLevel(t *testing.T) {
	logger, err := New(Options{Development: true, Level: zapcore.DebugLevel})
	require.NoError(t, err)
	defer logger.Sync()

	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestMustPanicsNever(t *testing.T) {
	assert.NotPanics(t, func() {
		logger := Must(Options{Level: zapcore.WarnLevel})
		defer logger.Sync()
	})
}
