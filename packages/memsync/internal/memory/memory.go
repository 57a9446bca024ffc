package memory

import (
	"context"
	"errors"
)

var (
	// ErrAccessDenied is returned when the target's memory cannot be accessed with the current privileges.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidAddress is returned when the range is not (fully) mapped in the target.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrProcessGone is returned when the target process no longer exists.
	ErrProcessGone = errors.New("process is gone")
)

// Module is an executable image (or shared object) loaded in the target.
type Module struct {
	Name        string
	Path        string
	BaseAddress uint64
	ImageSize   uint64
}

func (m Module) End() uint64 {
	return m.BaseAddress + m.ImageSize
}

// Mapping is a single entry of the target's address space map.
// End is exclusive.
type Mapping struct {
	Start   uint64
	End     uint64
	Read    bool
	Write   bool
	Execute bool
	Path    string
}

func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Accessor reads and writes the memory of a live process.
// Implementations must be safe for concurrent use and must return (or fail) in bounded time.
type Accessor interface {
	ReadBytes(ctx context.Context, addr uint64, length uint32) ([]byte, error)
	WriteBytes(ctx context.Context, addr uint64, data []byte) error
	ListModules(ctx context.Context) ([]Module, error)
}

// MappingLister is implemented by accessors that can enumerate the raw address space map.
type MappingLister interface {
	ListMappings(ctx context.Context) ([]Mapping, error)
}

// PageRead is the outcome of reading a single page as part of a batch.
type PageRead struct {
	Addr uint64
	Data []byte
	Err  error
}

// PageReader is implemented by accessors that can read many pages with fewer round trips.
// Failures are reported per page.
type PageReader interface {
	ReadPages(ctx context.Context, addrs []uint64, size uint32) []PageRead
}

// ReadPages reads every address using the accessor's batch path when it has one.
func ReadPages(ctx context.Context, a Accessor, addrs []uint64, size uint32) []PageRead {
	if r, ok := a.(PageReader); ok {
		return r.ReadPages(ctx, addrs, size)
	}

	reads := make([]PageRead, len(addrs))
	for i, addr := range addrs {
		data, err := a.ReadBytes(ctx, addr, size)
		reads[i] = PageRead{Addr: addr, Data: data, Err: err}
	}

	return reads
}
