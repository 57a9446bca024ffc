package region

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/shared/pkg/logger"
	"github.com/e2b-dev/memsync/packages/shared/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/e2b-dev/memsync/packages/memsync/internal/region")

var (
	ErrNoRegionsFound    = errors.New("no memory regions found")
	ErrModuleEnumeration = errors.New("module enumeration failed")
)

const (
	DefaultMaxHeuristicRegionSize = 1 << 20

	// Mappings whose path contains this are thread stacks and are never synchronized.
	stackMarker = "stack"
)

var DefaultTargetModules = []string{"game", "main", "engine"}

type Config struct {
	PageSize uint64
	// TargetModules are case-insensitive substrings of module names.
	TargetModules []string
	// MaxHeuristicRegionSize is the inclusive size ceiling of mappings picked up by the fallback.
	MaxHeuristicRegionSize uint64
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = memory.DefaultPageSize
	}

	if c.TargetModules == nil {
		c.TargetModules = DefaultTargetModules
	}

	if c.MaxHeuristicRegionSize == 0 {
		c.MaxHeuristicRegionSize = DefaultMaxHeuristicRegionSize
	}

	return c
}

type Discovery struct {
	logger   *zap.Logger
	accessor memory.Accessor
	config   Config
}

func NewDiscovery(logger *zap.Logger, accessor memory.Accessor, config Config) *Discovery {
	return &Discovery{
		logger:   logger,
		accessor: accessor,
		config:   config.withDefaults(),
	}
}

// Discover builds the set of pages to monitor.
// Pages of modules matching the target names are used when there are any,
// otherwise small readable and writable mappings are picked up.
// An empty result is returned together with ErrNoRegionsFound.
func (d *Discovery) Discover(ctx context.Context) (*Set, error) {
	ctx, span := tracer.Start(ctx, "discover-regions")
	defer span.End()

	set := NewSet(d.config.PageSize)

	if err := d.addModules(ctx, set); err != nil {
		d.logger.Warn("failed to enumerate modules, falling back to mappings", zap.Error(err))
	}

	if set.Len() == 0 {
		if err := d.addMappings(ctx, set); err != nil {
			d.logger.Warn("failed to enumerate mappings", zap.Error(err))
		}
	}

	telemetry.SetAttributes(ctx, attribute.Int("regions.pages", set.Len()))

	if set.Len() == 0 {
		return set, ErrNoRegionsFound
	}

	d.logger.Info("discovered memory regions",
		zap.Int("pages", set.Len()),
		zap.String("size", humanize.IBytes(uint64(set.Len())*d.config.PageSize)),
	)

	return set, nil
}

func (d *Discovery) addModules(ctx context.Context, set *Set) error {
	modules, err := d.accessor.ListModules(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModuleEnumeration, err)
	}

	for _, m := range modules {
		if !MatchesAny(m.Name, d.config.TargetModules) {
			continue
		}

		set.AddRange(memory.PageOf(m.BaseAddress, d.config.PageSize), m.End())

		d.logger.Debug("monitoring module",
			logger.WithModule(m.Name),
			logger.WithAddress(m.BaseAddress),
			zap.String("size", humanize.IBytes(m.ImageSize)),
		)
	}

	return nil
}

func (d *Discovery) addMappings(ctx context.Context, set *Set) error {
	lister, ok := d.accessor.(memory.MappingLister)
	if !ok {
		return nil
	}

	mappings, err := lister.ListMappings(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModuleEnumeration, err)
	}

	for _, m := range mappings {
		if !m.Read || !m.Write {
			continue
		}

		if strings.Contains(strings.ToLower(m.Path), stackMarker) {
			continue
		}

		if m.Size() > d.config.MaxHeuristicRegionSize {
			continue
		}

		set.AddRange(m.Start, m.End)
	}

	return nil
}

// RegionInfo returns the mapping containing addr.
func (d *Discovery) RegionInfo(ctx context.Context, addr uint64) (memory.Mapping, bool, error) {
	lister, ok := d.accessor.(memory.MappingLister)
	if !ok {
		return memory.Mapping{}, false, nil
	}

	mappings, err := lister.ListMappings(ctx)
	if err != nil {
		return memory.Mapping{}, false, fmt.Errorf("%w: %w", ErrModuleEnumeration, err)
	}

	for _, m := range mappings {
		if m.Contains(addr) {
			return m, true, nil
		}
	}

	return memory.Mapping{}, false, nil
}

// Validate reports whether size bytes at addr can be read.
func (d *Discovery) Validate(ctx context.Context, addr uint64, size uint32) bool {
	_, err := d.accessor.ReadBytes(ctx, addr, size)

	return err == nil
}

func (d *Discovery) PageOf(addr uint64) uint64 {
	return memory.PageOf(addr, d.config.PageSize)
}

// MatchesAny reports whether name contains any of the substrings, ignoring case.
func MatchesAny(name string, substrings []string) bool {
	name = strings.ToLower(name)
	for _, s := range substrings {
		if s != "" && strings.Contains(name, strings.ToLower(s)) {
			return true
		}
	}

	return false
}
