package message

import (
	"errors"
	"time"

	"github.com/e2b-dev/memsync/packages/memsync/internal/delta"
)

var ErrMalformedMessage = errors.New("malformed message")

type Type string

const (
	TypeFullSnapshot Type = "full_snapshot"
	TypeDeltaChanges Type = "delta_changes"
)

// SyncMessage is either a *FullSnapshot or a *DeltaBatch.
type SyncMessage interface {
	Type() Type
	Time() time.Time
	Len() int
}

// FullSnapshot carries the complete contents of a set of pages.
type FullSnapshot struct {
	Timestamp time.Time
	Pages     map[uint64][]byte
}

func (s *FullSnapshot) Type() Type {
	return TypeFullSnapshot
}

func (s *FullSnapshot) Time() time.Time {
	return s.Timestamp
}

func (s *FullSnapshot) Len() int {
	return len(s.Pages)
}

// DeltaBatch carries the changes of one detection pass.
type DeltaBatch struct {
	Timestamp time.Time
	Changes   map[uint64]delta.ChangeRecord
}

func (b *DeltaBatch) Type() Type {
	return TypeDeltaChanges
}

func (b *DeltaBatch) Time() time.Time {
	return b.Timestamp
}

func (b *DeltaBatch) Len() int {
	return len(b.Changes)
}
