package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e2b-dev/memsync/packages/memsync/internal/memory"
)

// Accessor is an in-memory address space with page granular mapping and protection.
type Accessor struct {
	pageSize uint64

	mu         sync.RWMutex
	pages      map[uint64][]byte
	unreadable map[uint64]struct{}
	unwritable map[uint64]struct{}
	modules    []memory.Module
	mappings   []memory.Mapping
	modulesErr error

	Reads   atomic.Int64
	Writes  atomic.Int64
	Batches atomic.Int64
}

var (
	_ memory.Accessor      = (*Accessor)(nil)
	_ memory.MappingLister = (*Accessor)(nil)
	_ memory.PageReader    = (*Accessor)(nil)
)

func NewAccessor(pageSize uint64) *Accessor {
	return &Accessor{
		pageSize:   pageSize,
		pages:      make(map[uint64][]byte),
		unreadable: make(map[uint64]struct{}),
		unwritable: make(map[uint64]struct{}),
	}
}

// Map makes [addr, addr+len(data)) addressable and fills it with data.
// Pages that are only partially covered are zero filled.
func (a *Accessor) Map(addr uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for page := range memory.Pages(addr, addr+uint64(len(data)), a.pageSize) {
		if _, ok := a.pages[page]; !ok {
			a.pages[page] = make([]byte, a.pageSize)
		}
	}

	a.copyIn(addr, data)
}

// MapZero maps size zeroed bytes at addr.
func (a *Accessor) MapZero(addr, size uint64) {
	a.Map(addr, make([]byte, size))
}

// Unmap removes every page overlapping [addr, addr+size).
func (a *Accessor) Unmap(addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for page := range memory.Pages(addr, addr+size, a.pageSize) {
		delete(a.pages, page)
	}
}

// Poke writes directly into the backing pages, bypassing protections.
func (a *Accessor) Poke(addr uint64, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.copyIn(addr, data)
}

// Peek reads directly from the backing pages, bypassing protections. Unmapped bytes read as zero.
func (a *Accessor) Peek(addr uint64, length int) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]byte, length)
	for i := range out {
		cur := addr + uint64(i)
		page, ok := a.pages[memory.PageOf(cur, a.pageSize)]
		if ok {
			out[i] = page[cur%a.pageSize]
		}
	}

	return out
}

func (a *Accessor) SetUnreadable(addr uint64, unreadable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	setFlag(a.unreadable, memory.PageOf(addr, a.pageSize), unreadable)
}

func (a *Accessor) SetUnwritable(addr uint64, unwritable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	setFlag(a.unwritable, memory.PageOf(addr, a.pageSize), unwritable)
}

func (a *Accessor) AddModule(m memory.Module) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.modules = append(a.modules, m)
}

func (a *Accessor) AddMapping(m memory.Mapping) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mappings = append(a.mappings, m)
}

func (a *Accessor) SetModulesError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.modulesErr = err
}

func (a *Accessor) ReadBytes(_ context.Context, addr uint64, length uint32) ([]byte, error) {
	a.Reads.Add(1)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.check(addr, uint64(length), a.unreadable); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	for i := range out {
		cur := addr + uint64(i)
		out[i] = a.pages[memory.PageOf(cur, a.pageSize)][cur%a.pageSize]
	}

	return out, nil
}

// ReadPages counts one batch and reads each page on its own, so failures stay per page.
func (a *Accessor) ReadPages(ctx context.Context, addrs []uint64, size uint32) []memory.PageRead {
	a.Batches.Add(1)

	reads := make([]memory.PageRead, len(addrs))
	for i, addr := range addrs {
		data, err := a.ReadBytes(ctx, addr, size)
		reads[i] = memory.PageRead{Addr: addr, Data: data, Err: err}
	}

	return reads
}

func (a *Accessor) WriteBytes(_ context.Context, addr uint64, data []byte) error {
	a.Writes.Add(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(addr, uint64(len(data)), a.unwritable); err != nil {
		return err
	}

	a.copyIn(addr, data)

	return nil
}

func (a *Accessor) ListModules(context.Context) ([]memory.Module, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.modulesErr != nil {
		return nil, a.modulesErr
	}

	return append([]memory.Module(nil), a.modules...), nil
}

func (a *Accessor) ListMappings(context.Context) ([]memory.Mapping, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]memory.Mapping(nil), a.mappings...), nil
}

func (a *Accessor) check(addr, length uint64, denied map[uint64]struct{}) error {
	for page := range memory.Pages(addr, addr+length, a.pageSize) {
		if _, ok := a.pages[page]; !ok {
			return fmt.Errorf("page 0x%x is not mapped: %w", page, memory.ErrInvalidAddress)
		}

		if _, ok := denied[page]; ok {
			return fmt.Errorf("page 0x%x is protected: %w", page, memory.ErrAccessDenied)
		}
	}

	return nil
}

func (a *Accessor) copyIn(addr uint64, data []byte) {
	for i, b := range data {
		cur := addr + uint64(i)
		if page, ok := a.pages[memory.PageOf(cur, a.pageSize)]; ok {
			page[cur%a.pageSize] = b
		}
	}
}

func setFlag(flags map[uint64]struct{}, page uint64, set bool) {
	if set {
		flags[page] = struct{}{}

		return
	}

	delete(flags, page)
}
