package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrPageUnreadable  = errors.New("page unreadable")
	ErrPageWriteFailed = errors.New("page write failed")
	ErrPageMisaligned  = errors.New("page address not aligned")
)

type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	// OpCheck is a page rejected before touching memory.
	OpCheck Op = "check"
)

// PageError is a failure to apply a single page. It never aborts the rest of the message.
type PageError struct {
	Addr uint64
	Op   Op
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("failed to %s page 0x%x: %v", e.Op, e.Addr, e.Err)
}

func (e *PageError) Unwrap() []error {
	switch e.Op {
	case OpRead:
		return []error{ErrPageUnreadable, e.Err}
	case OpWrite:
		return []error{ErrPageWriteFailed, e.Err}
	default:
		return []error{e.Err}
	}
}
