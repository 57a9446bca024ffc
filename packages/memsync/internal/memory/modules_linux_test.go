//go:build linux

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModulesFromMappings(t *testing.T) {
	t.Parallel()

	mappings := []Mapping{
		{Start: 0x400000, End: 0x401000, Read: true, Execute: true, Path: "/opt/game/bin/game_main"},
		{Start: 0x401000, End: 0x405000, Read: true, Path: "/opt/game/bin/game_main"},
		{Start: 0x500000, End: 0x600000, Read: true, Write: true, Path: "[heap]"},
		{Start: 0x600000, End: 0x601000, Read: true, Write: true},
		{Start: 0x7f0000, End: 0x7f2000, Read: true, Execute: true, Path: "/usr/lib/libengine.so"},
		{Start: 0x3ff000, End: 0x400000, Read: true, Path: "/opt/game/bin/game_main"},
	}

	modules := modulesFromMappings(mappings)

	assert.Equal(t, []Module{
		{Name: "game_main", Path: "/opt/game/bin/game_main", BaseAddress: 0x3ff000, ImageSize: 0x6000},
		{Name: "libengine.so", Path: "/usr/lib/libengine.so", BaseAddress: 0x7f0000, ImageSize: 0x2000},
	}, modules)
}

func TestModulesFromMappingsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, modulesFromMappings([]Mapping{{Start: 0x1000, End: 0x2000, Path: "[stack]"}}))
}
