package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchWithWildcard(t *testing.T) {
	t.Parallel()

	buf := []byte{0x11, 0x22, 0x33, 0x44}

	off, ok := FromSentinel("wildcard", []byte{0x11, 0x00, 0x33, 0x44}, 0x00).Match(buf)
	require.True(t, ok)
	assert.Equal(t, 0, off)

	_, ok = FromSentinel("mismatch", []byte{0x11, 0x22, 0x33, 0x45}, 0x00).Match(buf)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	t.Parallel()

	p, err := Parse("player", "48 8b 05 ?? ? 00")
	require.NoError(t, err)

	assert.Equal(t, "player", p.Name)
	assert.Equal(t, []byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0x00}, p.Bytes)
	assert.Equal(t, "48 8B 05 ?? ?? 00", p.String())

	// A literal zero is still matched exactly, unlike with a zero sentinel.
	_, ok := p.Match([]byte{0x48, 0x8B, 0x05, 0xAA, 0xBB, 0x01})
	assert.False(t, ok)

	off, ok := p.Match([]byte{0xFF, 0x48, 0x8B, 0x05, 0xAA, 0xBB, 0x00})
	require.True(t, ok)
	assert.Equal(t, 1, off)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   ", "48 zz", "123", "48 8B ???"} {
		_, err := Parse("bad", text)
		require.ErrorIs(t, err, ErrInvalidPattern, text)
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	p, err := Parse("p", "AA ?? CC")
	require.NoError(t, err)

	buf := []byte{0xAA, 0x00, 0xCC, 0xAA, 0xAA, 0x01, 0xCC, 0xAA}

	assert.Equal(t, 0, p.Index(buf, 0))
	assert.Equal(t, 4, p.Index(buf, 1))
	assert.Equal(t, -1, p.Index(buf, 5))
	assert.Equal(t, -1, p.Index(buf[:2], 0))
}

func TestIndexLeadingWildcards(t *testing.T) {
	t.Parallel()

	p, err := Parse("p", "?? ?? 7F")
	require.NoError(t, err)

	assert.Equal(t, -1, p.Index([]byte{0x7F, 0x00, 0x01}, 0))
	assert.Equal(t, 1, p.Index([]byte{0x7F, 0x00, 0x01, 0x7F}, 0))

	all, err := Parse("all", "?? ??")
	require.NoError(t, err)

	assert.Equal(t, 0, all.Index([]byte{1, 2}, 0))
	assert.Equal(t, -1, all.Index([]byte{1}, 0))
}

func TestNilMaskIsLiteral(t *testing.T) {
	t.Parallel()

	p := Pattern{Name: "raw", Bytes: []byte{0x00, 0x01}}

	off, ok := p.Match([]byte{0x05, 0x00, 0x01})
	require.True(t, ok)
	assert.Equal(t, 1, off)
	assert.Equal(t, "00 01", p.String())
}
