package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/memsync/packages/memsync/internal/cfg"
	"github.com/e2b-dev/memsync/packages/memsync/internal/factories"
	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/memsync/internal/session"
	"github.com/e2b-dev/memsync/packages/memsync/internal/signature"
	"github.com/e2b-dev/memsync/packages/memsync/internal/transport"
	"github.com/e2b-dev/memsync/packages/shared/pkg/env"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

const serviceName = "memsync"

var commitSHA string

func main() {
	success := run()
	if !success {
		os.Exit(1)
	}
}

func run() (success bool) {
	success = true

	config, err := cfg.Parse()
	if err != nil {
		log.Printf("invalid configuration: %v", err)

		return false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if config.OTELCollectorGRPCEndpoint != "" {
		shutdown, err := telemetry.InitOTLPExporter(ctx, config.OTELCollectorGRPCEndpoint, serviceName, commitSHA)
		if err != nil {
			log.Printf("failed to initialize telemetry: %v", err)

			return false
		}

		defer func() {
			// The signal context is already done here.
			if err := shutdown(context.Background()); err != nil {
				log.Printf("telemetry shutdown: %v", err)
				success = false
			}
		}()
	}

	globalLogger := zap.Must(logger.NewLogger(logger.LoggerConfig{
		ServiceName:   serviceName,
		Version:       commitSHA,
		Development:   env.IsDevelopment(),
		Debug:         env.IsDebug(),
		Cores:         []zapcore.Core{logger.NewOTELCore(serviceName)},
		InitialFields: []zap.Field{logger.WithRole(config.Role)},
	}))
	defer func(l *zap.Logger) {
		// Syncing stdout fails with EINVAL on some terminals.
		if err := l.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
			log.Printf("error while shutting down logger: %v", err)
		}
	}(globalLogger)
	zap.ReplaceGlobals(globalLogger)

	pid := config.TargetPID
	if pid == 0 {
		pid, err = memory.FindProcess(ctx, config.TargetProcessName)
		if err != nil {
			zap.L().Error("failed to find target process", zap.String("name", config.TargetProcessName), zap.Error(err))

			return false
		}
	}

	process, err := memory.Attach(ctx, pid)
	if err != nil {
		zap.L().Error("failed to attach to target process", logger.WithPID(pid), zap.Error(err))

		return false
	}
	defer func() {
		if err := process.Close(); err != nil {
			zap.L().Warn("failed to close target process", zap.Error(err))
		}
	}()

	zap.L().Info("attached to target process", logger.WithPID(pid))

	patterns, err := config.Patterns()
	if err != nil {
		zap.L().Error("invalid signatures", zap.Error(err))

		return false
	}

	m, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		zap.L().Error("failed to create metrics", zap.Error(err))

		return false
	}

	redisClient, err := factories.NewRedisClient(ctx, config.BusConfig)
	if err != nil {
		zap.L().Error("failed to connect to redis", zap.Error(err))

		return false
	}
	defer func() {
		if err := factories.CloseCleanly(redisClient); err != nil {
			zap.L().Warn("failed to close redis client", zap.Error(err))
		}
	}()

	bus, err := transport.NewRedisBus(globalLogger, redisClient, transport.NewTopics(config.TopicPrefix), config.CompressMessages, m)
	if err != nil {
		zap.L().Error("failed to create message bus", zap.Error(err))

		return false
	}
	defer func() {
		if err := bus.Close(); err != nil {
			zap.L().Warn("failed to close message bus", zap.Error(err))
		}
	}()

	var scanner *signature.Scanner
	if len(patterns) > 0 {
		scanner = signature.NewScanner(globalLogger, process, signature.Config{
			PageSize:      config.PageSize,
			TargetModules: config.SignatureConfig.Modules,
			MaxScanSize:   config.MaxScanSize,
			CacheTTL:      config.CacheTTL,
		}, m)
		defer scanner.Close()
	}

	s, err := session.New(globalLogger, process, bus, scanner, session.Config{
		Role:               session.Role(config.Role),
		PageSize:           config.PageSize,
		SyncInterval:       config.SyncInterval,
		SnapshotBatchSize:  config.SnapshotBatchSize,
		SnapshotBatchDelay: config.SnapshotBatchDelay,
		ReadyRetryInterval: config.ReadyRetryInterval,
		Discovery: region.Config{
			PageSize:               config.PageSize,
			TargetModules:          config.TargetModules,
			MaxHeuristicRegionSize: config.MaxHeuristicRegionSize,
		},
		CriticalAddresses: config.Critical(),
		Signatures:        patterns,
	}, m)
	if err != nil {
		zap.L().Error("failed to create sync session", zap.Error(err))

		return false
	}

	g, gCtx := errgroup.WithContext(ctx)

	if s.Role() == session.RoleMaster {
		lease, err := transport.AcquireMaster(ctx, globalLogger, redisClient, bus.Topics, s.ID(), config.MasterLeaseTTL)
		if err != nil {
			zap.L().Error("failed to become master", zap.Error(err))

			return false
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				zap.L().Warn("failed to release master lease", zap.Error(err))
			}
		}()

		g.Go(func() error {
			return lease.Keep(gCtx)
		})
	}

	g.Go(func() error {
		return s.Run(gCtx)
	})

	<-gCtx.Done()
	zap.L().Info("shutting down", zap.Any("stats", s.Stats()))
	s.Stop()

	if err := g.Wait(); err != nil {
		zap.L().Error("exiting with error", zap.Error(err))
		success = false
	}

	return success
}
