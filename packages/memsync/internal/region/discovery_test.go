package region_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
	"github.com/e2b-dev/memsync/packages/memsync/internal/memory/testutils"
	"github.com/e2b-dev/memsync/packages/memsync/internal/region"
)

const pageSize = 0x1000

func TestDiscoverModules(t *testing.T) {
	t.Parallel()

	accessor := testutils.NewAccessor(pageSize)
	accessor.AddModule(memory.Module{Name: "GameClient.exe", BaseAddress: 0x10000, ImageSize: 0x3000})
	accessor.AddModule(memory.Module{Name: "libc.so.6", BaseAddress: 0x20000, ImageSize: 0x1000})
	accessor.AddModule(memory.Module{Name: "render_engine.so", BaseAddress: 0x30800, ImageSize: 0x800})
	accessor.AddMapping(memory.Mapping{Start: 0x50000, End: 0x51000, Read: true, Write: true})

	d := region.NewDiscovery(testutils.NewTestLogger(t), accessor, region.Config{
		PageSize:      pageSize,
		TargetModules: []string{"game", "engine"},
	})

	set, err := d.Discover(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []uint64{0x10000, 0x11000, 0x12000, 0x30000}, set.Addresses())
}

func TestDiscoverFallbackToMappings(t *testing.T) {
	t.Parallel()

	accessor := testutils.NewAccessor(pageSize)
	accessor.AddModule(memory.Module{Name: "libc.so.6", BaseAddress: 0x20000, ImageSize: 0x1000})
	accessor.AddMapping(memory.Mapping{Start: 0x50000, End: 0x52000, Read: true, Write: true})
	accessor.AddMapping(memory.Mapping{Start: 0x60000, End: 0x61000, Read: true})
	accessor.AddMapping(memory.Mapping{Start: 0x70000, End: 0x71000, Read: true, Write: true, Path: "[stack]"})
	accessor.AddMapping(memory.Mapping{Start: 0x80000, End: 0x84000, Read: true, Write: true})
	accessor.AddMapping(memory.Mapping{Start: 0x90000, End: 0x95000, Read: true, Write: true})

	d := region.NewDiscovery(testutils.NewTestLogger(t), accessor, region.Config{
		PageSize:               pageSize,
		TargetModules:          []string{"game"},
		MaxHeuristicRegionSize: 0x4000,
	})

	set, err := d.Discover(t.Context())
	require.NoError(t, err)

	// The ceiling is inclusive, so the 0x4000 mapping is kept and the 0x5000 one is not.
	assert.Equal(t, []uint64{0x50000, 0x51000, 0x80000, 0x81000, 0x82000, 0x83000}, set.Addresses())
}

func TestDiscoverModuleEnumerationFailure(t *testing.T) {
	t.Parallel()

	accessor := testutils.NewAccessor(pageSize)
	accessor.SetModulesError(errors.New("boom"))
	accessor.AddMapping(memory.Mapping{Start: 0x50000, End: 0x51000, Read: true, Write: true})

	d := region.NewDiscovery(testutils.NewTestLogger(t), accessor, region.Config{PageSize: pageSize})

	set, err := d.Discover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x50000}, set.Addresses())
}

func TestDiscoverNothingFound(t *testing.T) {
	t.Parallel()

	accessor := testutils.NewAccessor(pageSize)
	accessor.AddModule(memory.Module{Name: "libc.so.6", BaseAddress: 0x20000, ImageSize: 0x1000})

	d := region.NewDiscovery(testutils.NewTestLogger(t), accessor, region.Config{PageSize: pageSize})

	set, err := d.Discover(t.Context())
	require.ErrorIs(t, err, region.ErrNoRegionsFound)
	require.NotNil(t, set)
	assert.Zero(t, set.Len())
}

func TestRegionInfoAndValidate(t *testing.T) {
	t.Parallel()

	accessor := testutils.NewAccessor(pageSize)
	accessor.MapZero(0x50000, 0x1000)
	accessor.AddMapping(memory.Mapping{Start: 0x50000, End: 0x51000, Read: true, Write: true, Path: "[heap]"})

	d := region.NewDiscovery(testutils.NewTestLogger(t), accessor, region.Config{PageSize: pageSize})

	m, ok, err := d.RegionInfo(t.Context(), 0x50ABC)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[heap]", m.Path)

	_, ok, err = d.RegionInfo(t.Context(), 0x60000)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, d.Validate(t.Context(), 0x50000, 0x1000))
	assert.False(t, d.Validate(t.Context(), 0x50800, 0x1000))
	assert.Equal(t, uint64(0x50000), d.PageOf(0x50ABC))
}

func TestMatchesAny(t *testing.T) {
	t.Parallel()

	assert.True(t, region.MatchesAny("GameMain.exe", []string{"game"}))
	assert.True(t, region.MatchesAny("libEngine.so", []string{"x", "ENGINE"}))
	assert.False(t, region.MatchesAny("libc.so", []string{"game", ""}))
	assert.False(t, region.MatchesAny("libc.so", nil))
}
