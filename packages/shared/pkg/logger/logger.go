package logger

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Change detection runs many times per second, so repeated stdout records are sampled outside development.
const (
	sampleTick       = time.Second
	sampleFirst      = 20
	sampleThereafter = 100
)

type LoggerConfig struct {
	ServiceName string
	// Version is the build commit, omitted when empty.
	Version string
	// Development writes colored console output to stdout and disables sampling.
	Development bool
	Debug       bool

	InitialFields []zap.Field
	// Cores receive every record that passes the level, next to stdout.
	Cores []zapcore.Core
}

func NewLogger(config LoggerConfig) (*zap.Logger, error) {
	if config.ServiceName == "" {
		return nil, errors.New("logger requires a service name")
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	stdout := zapcore.NewCore(newEncoder(config.Development), zapcore.Lock(os.Stdout), level)
	if !config.Development {
		stdout = zapcore.NewSamplerWithOptions(stdout, sampleTick, sampleFirst, sampleThereafter)
	}

	core, err := zapcore.NewIncreaseLevelCore(zapcore.NewTee(append([]zapcore.Core{stdout}, config.Cores...)...), level)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	fields := []zap.Field{
		zap.String("service", config.ServiceName),
		zap.Int("agent.pid", os.Getpid()),
	}
	if config.Version != "" {
		fields = append(fields, zap.String("version", config.Version))
	}

	options := []zap.Option{
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(fields...),
		zap.Fields(config.InitialFields...),
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return zap.New(core, options...), nil
}

// NewOTELCore returns a core that forwards records to the global otel logger provider.
// It is a no-op until the provider is replaced by the telemetry exporter.
func NewOTELCore(serviceName string) zapcore.Core {
	return otelzap.NewCore(serviceName, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
}

func newEncoder(development bool) zapcore.Encoder {
	config := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if development {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly + ".000")

		return zapcore.NewConsoleEncoder(config)
	}

	return zapcore.NewJSONEncoder(config)
}
