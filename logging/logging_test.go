package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init("chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestInitInstallsLeveledLogger(t *testing.T) {
	require.NoError(t, Init("warn"))
	defer Sync()

	l := Log()
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel), "info should be suppressed at warn level")
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
	assert.NotNil(t, S())
}
