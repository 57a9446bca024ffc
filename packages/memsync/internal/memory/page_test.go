package memory

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0x1000), PageOf(0x1000, DefaultPageSize))
	assert.Equal(t, uint64(0x1000), PageOf(0x1FFF, DefaultPageSize))
	assert.Equal(t, uint64(0x2000), PageOf(0x2000, DefaultPageSize))
	assert.Equal(t, uint64(0), PageOf(0xFFF, DefaultPageSize))
}

func TestPages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		start, end uint64
		expected   []uint64
	}{
		{name: "aligned", start: 0x1000, end: 0x3000, expected: []uint64{0x1000, 0x2000}},
		{name: "unaligned start", start: 0x1800, end: 0x3000, expected: []uint64{0x1000, 0x2000}},
		{name: "unaligned end", start: 0x1000, end: 0x2001, expected: []uint64{0x1000, 0x2000}},
		{name: "empty", start: 0x1000, end: 0x1000, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, slices.Collect(Pages(tt.start, tt.end, DefaultPageSize)))
		})
	}
}

func TestTotalPages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0), TotalPages(0, DefaultPageSize))
	assert.Equal(t, uint64(1), TotalPages(1, DefaultPageSize))
	assert.Equal(t, uint64(1), TotalPages(DefaultPageSize, DefaultPageSize))
	assert.Equal(t, uint64(2), TotalPages(DefaultPageSize+1, DefaultPageSize))
}
