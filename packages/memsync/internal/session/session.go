package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/memsync/packages/memsync/internal/chunker"
	"github.com/e2b-dev/memsync/packages/memsync/internal/delta"
	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/message"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/memsync/internal/reconcile"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/memsync/internal/signature"
	"github.com/e2b-dev/memsync/packages/memsync/internal/snapshot"
	"github.com/e2b-dev/memsync/packages/memsync/internal/transport"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/memsync/packages/memsync/internal/session")

var ErrAlreadyRunning = errors.New("session is already running")

type Role string

const (
	RoleMaster Role = "master"
	RoleClient Role = "client"
)

const (
	defaultReadyRetryInterval = 2 * time.Second
	messageQueueSize          = 64
)

type Config struct {
	Role      Role
	SessionID string

	PageSize           uint64
	SyncInterval       time.Duration
	SnapshotBatchSize  int
	SnapshotBatchDelay time.Duration
	ReadyRetryInterval time.Duration

	Discovery region.Config
	// CriticalAddresses are monitored even when discovery does not find them.
	CriticalAddresses []uint64
	// Signatures are resolved on start, the pages of their matches are monitored.
	Signatures []signature.Pattern
}

type Stats struct {
	Role         Role
	SessionID    string
	Synchronized bool
	Delta        delta.Stats

	MessagesApplied int64
	MessagesDropped int64
	PagesApplied    int64
	PagesFailed     int64
}

// Session keeps the local process in sync with its peers.
// The master detects and publishes changes, clients apply them.
type Session struct {
	logger   *zap.Logger
	config   Config
	accessor memory.Accessor
	bus      *transport.Bus
	scanner  *signature.Scanner
	metrics  *metrics.Metrics

	regions    *region.Set
	baseline   *snapshot.Manager
	discovery  *region.Discovery
	detector   *delta.Engine
	reconciler *reconcile.Engine

	// publishMu keeps full snapshot chunks and deltas from interleaving on the memory topic.
	publishMu        sync.Mutex
	snapshotRequests chan struct{}

	running      atomic.Bool
	synchronized atomic.Bool
	cancelMu     sync.Mutex
	cancel       context.CancelFunc

	messagesApplied atomic.Int64
	messagesDropped atomic.Int64
	pagesApplied    atomic.Int64
	pagesFailed     atomic.Int64
}

// New creates a session. The scanner is optional and only used when signatures are configured.
func New(zapLogger *zap.Logger, accessor memory.Accessor, bus *transport.Bus, scanner *signature.Scanner, config Config, m *metrics.Metrics) (*Session, error) {
	if config.Role != RoleMaster && config.Role != RoleClient {
		return nil, fmt.Errorf("unknown role %q", config.Role)
	}

	if config.PageSize == 0 {
		config.PageSize = memory.DefaultPageSize
	}

	if config.ReadyRetryInterval <= 0 {
		config.ReadyRetryInterval = defaultReadyRetryInterval
	}

	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}

	if m == nil {
		m = metrics.NewNoop()
	}

	config.Discovery.PageSize = config.PageSize

	zapLogger = zapLogger.With(logger.WithSessionID(config.SessionID), logger.WithRole(string(config.Role)))

	regions := region.NewSet(config.PageSize)
	baseline := snapshot.NewManager(zapLogger, accessor, config.PageSize)

	return &Session{
		logger:           zapLogger,
		config:           config,
		accessor:         accessor,
		bus:              bus,
		scanner:          scanner,
		metrics:          m,
		regions:          regions,
		baseline:         baseline,
		discovery:        region.NewDiscovery(zapLogger, accessor, config.Discovery),
		detector:         delta.NewEngine(zapLogger, accessor, regions, baseline, m),
		reconciler:       reconcile.NewEngine(zapLogger, accessor, regions, baseline, m),
		snapshotRequests: make(chan struct{}, 1),
	}, nil
}

func (s *Session) ID() string {
	return s.config.SessionID
}

func (s *Session) Role() Role {
	return s.config.Role
}

// Synchronized reports whether a client has applied a full snapshot. The master is always synchronized.
func (s *Session) Synchronized() bool {
	return s.config.Role == RoleMaster || s.synchronized.Load()
}

func (s *Session) Regions() *region.Set {
	return s.regions
}

func (s *Session) Baseline() *snapshot.Manager {
	return s.baseline
}

// Run discovers the regions to monitor and synchronizes until ctx is done or Stop is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	ctx = logger.WithSessionIDContext(ctx, s.config.SessionID)
	ctx = logger.WithRoleContext(ctx, string(s.config.Role))

	s.prepare(ctx)

	registration, err := s.metrics.ObservePages(s.regions.Len, s.baseline.Len)
	if err != nil {
		return fmt.Errorf("failed to observe pages: %w", err)
	}
	defer func() {
		if err := registration.Unregister(); err != nil {
			s.logger.Warn("failed to unregister page observer", zap.Error(err))
		}
	}()

	s.logger.Info("starting sync session", zap.Int("pages", s.regions.Len()))

	g, gCtx := errgroup.WithContext(ctx)

	switch s.config.Role {
	case RoleMaster:
		s.runMaster(gCtx, g)
	case RoleClient:
		s.runClient(gCtx, g)
	}

	err = g.Wait()

	if ctx.Err() != nil {
		s.logger.Info("sync session stopped")

		return nil
	}

	if err != nil {
		telemetry.ReportCriticalError(ctx, "sync session failed", err, attribute.Int("session.pages", s.regions.Len()))
	}

	return err
}

// Stop makes Run return. In-flight page reads and writes complete.
func (s *Session) Stop() {
	s.detector.Stop()

	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) Stats() Stats {
	return Stats{
		Role:            s.config.Role,
		SessionID:       s.config.SessionID,
		Synchronized:    s.Synchronized(),
		Delta:           s.detector.Stats(),
		MessagesApplied: s.messagesApplied.Load(),
		MessagesDropped: s.messagesDropped.Load(),
		PagesApplied:    s.pagesApplied.Load(),
		PagesFailed:     s.pagesFailed.Load(),
	}
}

// prepare builds the monitored set and, on the master, the initial baseline.
func (s *Session) prepare(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "prepare-session")
	defer span.End()

	regions, err := s.discovery.Discover(ctx)
	if errors.Is(err, region.ErrNoRegionsFound) {
		s.logger.Warn("no memory regions found, only critical addresses and received pages are synchronized")
	}

	s.regions.Clear()
	s.baseline.Clear()

	for _, addr := range regions.Addresses() {
		s.regions.Add(addr)
	}

	s.regions.AddCritical(s.config.CriticalAddresses...)

	if s.scanner != nil && len(s.config.Signatures) > 0 {
		resolved := s.scanner.Scan(ctx, s.config.Signatures...)
		for _, name := range slices.Sorted(maps.Keys(resolved)) {
			s.logger.Info("signature resolved", zap.String("signature", name), logger.WithAddress(resolved[name]))
			s.regions.AddCritical(resolved[name])
		}
	}

	telemetry.SetAttributes(ctx, attribute.Int("session.pages", s.regions.Len()))

	if s.config.Role == RoleMaster {
		s.baseline.CreateInitial(ctx, s.regions)
	}
}

func (s *Session) runMaster(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return s.detector.Run(ctx, s.config.SyncInterval, s.publishChanges)
	})

	controls := make(chan message.ControlMessage, messageQueueSize)

	g.Go(func() error {
		return s.subscribe(ctx, func(ctx context.Context) error {
			return s.bus.Control.Subscribe(ctx, controls)
		})
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case control := <-controls:
				s.handleControl(control)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.snapshotRequests:
				if err := s.SendSnapshot(ctx); err != nil && ctx.Err() == nil {
					telemetry.ReportError(ctx, "failed to send full snapshot", err)
				}
			}
		}
	})
}

func (s *Session) handleControl(control message.ControlMessage) {
	switch control.Command {
	case message.CommandClientReady:
		s.logger.Info("client ready, sending full snapshot", zap.String("client_id", control.SenderID))

		// Requests arriving while a snapshot is pending are served by that snapshot.
		select {
		case s.snapshotRequests <- struct{}{}:
		default:
		}
	default:
		s.logger.Warn("unknown control command", zap.String("command", control.Command))
	}
}

// SendSnapshot publishes the whole baseline in chunks. No delta is published between the chunks.
func (s *Session) SendSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "send-full-snapshot")
	defer span.End()

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	pages := s.baseline.Pages()
	batches := chunker.Count(len(pages), s.config.SnapshotBatchSize)

	telemetry.SetAttributes(ctx,
		attribute.Int("snapshot.pages", len(pages)),
		attribute.Int("snapshot.batches", batches),
	)

	sent := 0
	for batch := range chunker.Chunk(pages, s.config.SnapshotBatchSize, time.Now()) {
		if sent > 0 && s.config.SnapshotBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.SnapshotBatchDelay):
			}
		}

		if err := s.bus.Memory.Publish(ctx, batch); err != nil {
			return fmt.Errorf("failed to publish batch %d of %d: %w", sent+1, batches, err)
		}

		sent++
	}

	s.logger.Info("full snapshot sent", zap.Int("pages", len(pages)), zap.Int("batches", sent))
	telemetry.ReportEvent(ctx, "full snapshot sent")

	return nil
}

func (s *Session) publishChanges(ctx context.Context, changes map[uint64]delta.ChangeRecord) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	msg := &message.DeltaBatch{
		Timestamp: time.Now(),
		Changes:   changes,
	}

	if err := s.bus.Memory.Publish(ctx, msg); err != nil && ctx.Err() == nil {
		telemetry.ReportError(ctx, "failed to publish memory changes", err, attribute.Int("pages", len(changes)))
	}
}

func (s *Session) runClient(ctx context.Context, g *errgroup.Group) {
	messages := make(chan message.SyncMessage, messageQueueSize)

	g.Go(func() error {
		return s.subscribe(ctx, func(ctx context.Context) error {
			return s.bus.Memory.Subscribe(ctx, messages)
		})
	})

	// A single consumer applies one message fully before the next.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-messages:
				s.Apply(ctx, msg)
			}
		}
	})

	g.Go(func() error {
		return s.announceReady(ctx)
	})
}

// Apply applies a received message. Deltas are dropped until the first full snapshot was applied.
func (s *Session) Apply(ctx context.Context, msg message.SyncMessage) {
	if msg.Type() == message.TypeDeltaChanges && !s.synchronized.Load() {
		s.messagesDropped.Add(1)
		s.metrics.Dropped(ctx, "not_synchronized")

		return
	}

	result, err := s.reconciler.Apply(ctx, msg)
	if err != nil {
		if ctx.Err() == nil {
			s.messagesDropped.Add(1)
			s.metrics.Dropped(ctx, "malformed")
			s.logger.Warn("dropping message", zap.Error(err))
		}

		return
	}

	s.messagesApplied.Add(1)
	s.pagesApplied.Add(int64(result.Pages))
	s.pagesFailed.Add(int64(result.Failed))

	if msg.Type() == message.TypeFullSnapshot && s.synchronized.CompareAndSwap(false, true) {
		s.logger.Info("synchronized with master", zap.Int("pages", result.Pages))
		telemetry.ReportEvent(ctx, "synchronized", attribute.Int("pages", result.Pages))
	}
}

// announceReady asks the master for a full snapshot until one arrives.
func (s *Session) announceReady(ctx context.Context) error {
	ticker := time.NewTicker(s.config.ReadyRetryInterval)
	defer ticker.Stop()

	ready := message.ControlMessage{
		Command:  message.CommandClientReady,
		SenderID: s.config.SessionID,
	}

	for !s.synchronized.Load() {
		if err := s.bus.Control.Publish(ctx, ready); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to announce readiness", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	return nil
}

// subscribe runs a blocking subscription and treats cancellation as a clean exit.
func (s *Session) subscribe(ctx context.Context, run func(ctx context.Context) error) error {
	err := run(ctx)
	if ctx.Err() != nil {
		return nil
	}

	if err != nil {
		return fmt.Errorf("subscription failed: %w", err)
	}

	return nil
}
