package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	t.Run("extra cores follow the level", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.DebugLevel)

		l, err := NewLogger(LoggerConfig{
			ServiceName:   "memsync",
			Version:       "abc123",
			Cores:         []zapcore.Core{core},
			InitialFields: []zap.Field{WithRole("client")},
		})
		require.NoError(t, err)

		l.Debug("hidden")
		l.Info("visible", WithPageAddress(0x1000))

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.Equal(t, "visible", entries[0].Message)

		fields := entries[0].ContextMap()
		assert.Equal(t, "memsync", fields["service"])
		assert.Equal(t, "abc123", fields["version"])
		assert.Equal(t, "client", fields["session.role"])
		assert.Equal(t, "0x1000", fields["page.address"])
		assert.Contains(t, fields, "agent.pid")
	})

	t.Run("debug", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.DebugLevel)

		l, err := NewLogger(LoggerConfig{ServiceName: "memsync", Debug: true, Development: true, Cores: []zapcore.Core{core}})
		require.NoError(t, err)

		l.Debug("shown")

		require.Equal(t, 1, logs.Len())
		assert.NotContains(t, logs.All()[0].ContextMap(), "version")
	})

	t.Run("service name is required", func(t *testing.T) {
		t.Parallel()

		_, err := NewLogger(LoggerConfig{})
		require.Error(t, err)
	})
}
