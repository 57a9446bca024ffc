package delta

import "time"

// ByteChange sets the byte at Offset to Value.
type ByteChange struct {
	Offset uint32
	Value  byte
}

// ChangeRecord lists the bytes of a page that differ from the previous observation.
// Offsets are unique, ascending and relative to a buffer of FullSize bytes.
type ChangeRecord struct {
	Changes   []ByteChange
	FullSize  uint32
	Timestamp time.Time
}

func (r ChangeRecord) Empty() bool {
	return len(r.Changes) == 0
}

// Compute returns every offset below min(len(old), len(current)) whose byte differs,
// paired with its value in current.
func Compute(old, current []byte) ChangeRecord {
	n := min(len(old), len(current))

	var changes []ByteChange
	for i := range n {
		if old[i] != current[i] {
			changes = append(changes, ByteChange{Offset: uint32(i), Value: current[i]})
		}
	}

	return ChangeRecord{
		Changes:  changes,
		FullSize: uint32(len(current)),
	}
}

// Apply patches buf in place and returns the number of changes applied.
// Offsets past the end of buf are ignored.
func Apply(buf []byte, record ChangeRecord) int {
	applied := 0
	for _, c := range record.Changes {
		if int(c.Offset) >= len(buf) {
			continue
		}

		buf[c.Offset] = c.Value
		applied++
	}

	return applied
}
