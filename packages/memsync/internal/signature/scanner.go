package signature

import (
	"context"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/metrics"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/memsync/packages/memsync/internal/signature")

const (
	DefaultMaxScanSize = 50 << 20
	DefaultCacheTTL    = 30 * time.Second
)

var DefaultTargetModules = []string{"game"}

// Result maps signature names to the absolute address of their first match.
type Result map[string]uint64

type Config struct {
	PageSize      uint64
	TargetModules []string
	// MaxScanSize caps the number of bytes read from each module.
	MaxScanSize uint64
	CacheTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = memory.DefaultPageSize
	}

	if c.TargetModules == nil {
		c.TargetModules = DefaultTargetModules
	}

	if c.MaxScanSize == 0 {
		c.MaxScanSize = DefaultMaxScanSize
	}

	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}

	return c
}

// Scanner resolves signatures to addresses inside the target modules.
type Scanner struct {
	logger   *zap.Logger
	accessor memory.Accessor
	config   Config
	metrics  *metrics.Metrics

	cache *ttlcache.Cache[string, uint64]
}

func NewScanner(logger *zap.Logger, accessor memory.Accessor, config Config, m *metrics.Metrics) *Scanner {
	if m == nil {
		m = metrics.NewNoop()
	}

	config = config.withDefaults()

	cache := ttlcache.New(
		ttlcache.WithTTL[string, uint64](config.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, uint64](),
	)

	go cache.Start()

	return &Scanner{
		logger:   logger,
		accessor: accessor,
		config:   config,
		metrics:  m,
		cache:    cache,
	}
}

// moduleImage is the readable prefix of a module. Pages that could not be read are zero and set in holes.
type moduleImage struct {
	module memory.Module
	data   []byte
	holes  *bitset.BitSet
}

// Scan resolves each pattern to the first match in the first candidate module, in enumeration order.
// Patterns sharing a name are alternatives, the first one that matches wins.
// Names without a match are absent from the result.
func (s *Scanner) Scan(ctx context.Context, patterns ...Pattern) Result {
	ctx, span := tracer.Start(ctx, "scan-signatures")
	defer span.End()

	result := make(Result)

	var names []string
	alternatives := make(map[string][]Pattern)
	for _, p := range patterns {
		if _, ok := alternatives[p.Name]; !ok {
			names = append(names, p.Name)
		}

		alternatives[p.Name] = append(alternatives[p.Name], p)
	}

	var pending []string
	for _, name := range names {
		if item := s.cache.Get(cacheKey(name, alternatives[name])); item != nil {
			result[name] = item.Value()

			continue
		}

		pending = append(pending, name)
	}

	if len(pending) == 0 {
		return result
	}

	images := s.readModules(ctx)

	matched := 0
	for _, name := range pending {
		addr, ok := s.find(images, alternatives[name])
		if !ok {
			s.logger.Debug("signature not found", zap.String("signature", name))

			continue
		}

		s.logger.Debug("signature found", zap.String("signature", name), logger.WithAddress(addr))

		result[name] = addr
		s.cache.Set(cacheKey(name, alternatives[name]), addr, ttlcache.DefaultTTL)
		matched++
	}

	s.metrics.SignaturesMatched(ctx, matched)
	telemetry.SetAttributes(ctx,
		attribute.Int("signatures.requested", len(names)),
		attribute.Int("signatures.matched", matched),
		attribute.Int("signatures.cached", len(names)-len(pending)),
	)

	return result
}

// cacheKey ties a cached address to the exact alternatives it was resolved for.
func cacheKey(name string, alternatives []Pattern) string {
	var sb strings.Builder
	sb.WriteString(name)

	for _, p := range alternatives {
		sb.WriteByte('|')
		sb.WriteString(p.String())
	}

	return sb.String()
}

func (s *Scanner) find(images []moduleImage, alternatives []Pattern) (uint64, bool) {
	for _, p := range alternatives {
		for _, image := range images {
			if off, ok := s.match(image, p); ok {
				return image.module.BaseAddress + uint64(off), true
			}
		}
	}

	return 0, false
}

// match skips matches that overlap pages which could not be read.
func (s *Scanner) match(image moduleImage, p Pattern) (int, bool) {
	for from := 0; ; {
		off := p.Index(image.data, from)
		if off < 0 {
			return 0, false
		}

		if !s.overlapsHole(image, off, p.Len()) {
			return off, true
		}

		from = off + 1
	}
}

func (s *Scanner) overlapsHole(image moduleImage, off, length int) bool {
	if image.holes == nil || image.holes.None() {
		return false
	}

	first := uint64(off) / s.config.PageSize
	last := uint64(off+length-1) / s.config.PageSize
	for page := first; page <= last; page++ {
		if image.holes.Test(uint(page)) {
			return true
		}
	}

	return false
}

// readModules reads each candidate module once.
func (s *Scanner) readModules(ctx context.Context) []moduleImage {
	modules, err := s.accessor.ListModules(ctx)
	if err != nil {
		s.logger.Warn("failed to enumerate modules for signature scan", zap.Error(err))

		return nil
	}

	var images []moduleImage
	for _, m := range modules {
		if !region.MatchesAny(m.Name, s.config.TargetModules) {
			continue
		}

		image, ok := s.readModule(ctx, m)
		if !ok {
			s.logger.Warn("failed to read module for signature scan", logger.WithModule(m.Name))

			continue
		}

		s.logger.Debug("scanning module",
			logger.WithModule(m.Name),
			logger.WithAddress(m.BaseAddress),
			zap.String("size", humanize.IBytes(uint64(len(image.data)))),
		)

		images = append(images, image)
	}

	return images
}

// readModule reads the module in one go and falls back to reading it page by page.
func (s *Scanner) readModule(ctx context.Context, m memory.Module) (moduleImage, bool) {
	size := min(m.ImageSize, s.config.MaxScanSize)
	if size == 0 {
		return moduleImage{}, false
	}

	data, err := s.accessor.ReadBytes(ctx, m.BaseAddress, uint32(size))
	if err == nil {
		return moduleImage{module: m, data: data}, true
	}

	var addrs []uint64
	for addr := m.BaseAddress; addr < m.BaseAddress+size; addr += s.config.PageSize {
		addrs = append(addrs, addr)
	}

	data = make([]byte, size)
	holes := bitset.New(uint(len(addrs)))

	readable := 0
	for i, read := range memory.ReadPages(ctx, s.accessor, addrs, uint32(s.config.PageSize)) {
		if read.Err != nil {
			holes.Set(uint(i))

			continue
		}

		copy(data[uint64(i)*s.config.PageSize:], read.Data)
		readable++
	}

	if readable == 0 {
		return moduleImage{}, false
	}

	return moduleImage{module: m, data: data, holes: holes}, true
}

// Invalidate drops cached results, for example after the target's layout changed.
func (s *Scanner) Invalidate() {
	s.cache.DeleteAll()
}

func (s *Scanner) Close() {
	s.cache.Stop()
}
