package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapServiceLoggerDelegates(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapServiceLogger(zap.New(core))

	logger.Info("dispatcher started", LogFields{"handlers": 3})
	child := logger.With(LogFields{"event_type": "user.created"})
	child.Debug("handler invoked", LogFields{"handler": "send_email"})
	child.Error("handler failed", errors.New("boom"), nil)
	child.Trace("trace line", nil)

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, "dispatcher started", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].ContextMap()["handlers"])

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "user.created", entries[1].ContextMap()["event_type"])
	assert.Equal(t, "send_email", entries[1].ContextMap()["handler"])

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])

	assert.Equal(t, true, entries[3].ContextMap()["trace"])
}

func TestZapServiceLoggerWithEmptyFieldsReturnsSelf(t *testing.T) {
	logger := NewZapServiceLogger(zap.NewNop())
	assert.Same(t, logger, logger.With(nil))
}

func TestZapServiceLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewZapServiceLogger(nil) })
}

func TestNewProductionZap(t *testing.T) {
	log, err := NewProductionZap("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = NewProductionZap("loud")
	assert.Error(t, err)
}
