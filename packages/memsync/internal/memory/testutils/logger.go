package testutils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	w.t.Log(string(p))

	return len(p), nil
}

// NewTestLogger returns a debug level console logger that writes through t.Log,
// so the output is attached to the test that produced it.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.CallerKey = zapcore.OmitKey
	encoderCfg.TimeKey = ""
	encoderCfg.ConsoleSeparator = "  "

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(&testWriter{t}), zap.DebugLevel)

	return zap.New(core)
}
