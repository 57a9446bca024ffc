package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAddRange(t *testing.T) {
	t.Parallel()

	s := NewSet(0x1000)
	s.AddRange(0x1800, 0x3001)

	assert.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, s.Addresses())
	assert.Equal(t, 3, s.Len())

	s.AddRange(0x5000, 0x5000)
	assert.Equal(t, 3, s.Len())
}

func TestSetAddCritical(t *testing.T) {
	t.Parallel()

	s := NewSet(0x1000)
	s.AddCritical(0x1234, 0x1FFF, 0x7000)

	assert.Equal(t, []uint64{0x1000, 0x7000}, s.Addresses())
	assert.True(t, s.Contains(0x1000))
	assert.True(t, s.Contains(0x1ABC))
	assert.False(t, s.Contains(0x2000))
}

func TestSetRemove(t *testing.T) {
	t.Parallel()

	s := NewSet(0x1000)
	s.AddRange(0x1000, 0x4000)
	s.Remove(0x2000)

	assert.Equal(t, []uint64{0x1000, 0x3000}, s.Addresses())

	s.Remove(0x9000)
	assert.Equal(t, 2, s.Len())
}

func TestSetAddressesIsACopy(t *testing.T) {
	t.Parallel()

	s := NewSet(0x1000)
	s.AddRange(0x1000, 0x4000)

	addrs := s.Addresses()
	for _, addr := range addrs {
		s.Remove(addr)
	}

	require.Len(t, addrs, 3)
	assert.Zero(t, s.Len())
}
