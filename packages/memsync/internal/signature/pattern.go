package signature

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

var ErrInvalidPattern = errors.New("invalid signature pattern")

// Pattern is a named byte sequence. Bytes whose bit is not set in the mask match anything.
// A nil mask makes every byte literal.
type Pattern struct {
	Name  string
	Bytes []byte
	Mask  *bitset.BitSet
}

// Parse reads a pattern written as space separated hex bytes, with "?" or "??" for wildcards,
// for example "48 8B 05 ?? ?? ?? ??".
func Parse(name, text string) (Pattern, error) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return Pattern{}, fmt.Errorf("pattern %q is empty: %w", name, ErrInvalidPattern)
	}

	p := Pattern{
		Name:  name,
		Bytes: make([]byte, len(tokens)),
		Mask:  bitset.New(uint(len(tokens))),
	}

	for i, token := range tokens {
		if token == "?" || token == "??" {
			continue
		}

		b, err := strconv.ParseUint(token, 16, 8)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q has invalid byte %q at %d: %w", name, token, i, ErrInvalidPattern)
		}

		p.Bytes[i] = byte(b)
		p.Mask.Set(uint(i))
	}

	return p, nil
}

// FromSentinel builds a pattern in which every byte equal to wildcard matches anything.
func FromSentinel(name string, b []byte, wildcard byte) Pattern {
	p := Pattern{
		Name:  name,
		Bytes: bytes.Clone(b),
		Mask:  bitset.New(uint(len(b))),
	}

	for i, v := range b {
		if v != wildcard {
			p.Mask.Set(uint(i))
		}
	}

	return p
}

func (p Pattern) Len() int {
	return len(p.Bytes)
}

func (p Pattern) literal(i int) bool {
	return p.Mask == nil || p.Mask.Test(uint(i))
}

func (p Pattern) anchor() (int, bool) {
	if p.Mask == nil {
		return 0, true
	}

	i, ok := p.Mask.NextSet(0)

	return int(i), ok && int(i) < len(p.Bytes)
}

// Index returns the first offset at or after from where the pattern matches buf, or -1.
func (p Pattern) Index(buf []byte, from int) int {
	n := len(p.Bytes)
	if n == 0 || from < 0 {
		return -1
	}

	a, hasAnchor := p.anchor()
	if !hasAnchor {
		if from+n <= len(buf) {
			return from
		}

		return -1
	}

	for i := from; i+n <= len(buf); i++ {
		// Jump to the next candidate whose anchor byte matches.
		next := bytes.IndexByte(buf[i+a:len(buf)-n+a+1], p.Bytes[a])
		if next < 0 {
			return -1
		}

		i += next
		if p.matchAt(buf, i) {
			return i
		}
	}

	return -1
}

// Match returns the first offset where the pattern matches buf.
func (p Pattern) Match(buf []byte) (int, bool) {
	off := p.Index(buf, 0)

	return off, off >= 0
}

func (p Pattern) matchAt(buf []byte, off int) bool {
	for i, b := range p.Bytes {
		if p.literal(i) && buf[off+i] != b {
			return false
		}
	}

	return true
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.Bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}

		if p.literal(i) {
			fmt.Fprintf(&sb, "%02X", b)
		} else {
			sb.WriteString("??")
		}
	}

	return sb.String()
}
