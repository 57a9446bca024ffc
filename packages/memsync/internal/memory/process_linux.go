//go:build linux

package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/memsync/packages/shared/pkg/utils"
)

const (
	oomMinBackoff = 100 * time.Millisecond
	oomMaxJitter  = 100 * time.Millisecond

	maxTransientRetries = 3
)

// IOV_MAX is the limit of the vectors that can be passed in a single process_vm_readv call.
var IOV_MAX = utils.Must(getIOVMax())

// Process accesses the memory of a live Linux process with process_vm_readv/process_vm_writev.
// Writes to pages that are not writable from the target's point of view fall back to /proc/<pid>/mem.
type Process struct {
	pid  int
	proc procfs.Proc

	memOnce sync.Once
	mem     *os.File
	memErr  error
}

// Attach verifies the process exists and that its address space map can be read.
// Failing to attach is fatal for a sync session.
func Attach(ctx context.Context, pid int) (*Process, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to check process %d: %w", pid, err)
	}

	if !exists {
		return nil, fmt.Errorf("process %d: %w", pid, ErrProcessGone)
	}

	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs for process %d: %w", pid, err)
	}

	if _, err := proc.ProcMaps(); err != nil {
		return nil, fmt.Errorf("failed to read memory maps of process %d: %w", pid, classify(err))
	}

	return &Process{
		pid:  pid,
		proc: proc,
	}, nil
}

// FindProcess returns the pid of the first running process whose name matches (case-insensitive).
func FindProcess(ctx context.Context, name string) (int, error) {
	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	for _, p := range processes {
		pName, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		if strings.EqualFold(pName, name) {
			return int(p.Pid), nil
		}
	}

	return 0, fmt.Errorf("no process named %q: %w", name, ErrProcessGone)
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) ReadBytes(ctx context.Context, addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, length)

	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(int(length))

	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: int(length)}}

	n, err := p.transfer(ctx, func() (int, error) {
		return unix.ProcessVMReadv(p.pid, local, remote, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at 0x%x: %w", length, addr, err)
	}

	if n != int(length) {
		return nil, fmt.Errorf("short read at 0x%x, expected %d bytes, got %d: %w", addr, length, n, ErrInvalidAddress)
	}

	return buf, nil
}

func (p *Process) WriteBytes(ctx context.Context, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))

	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	n, err := p.transfer(ctx, func() (int, error) {
		return unix.ProcessVMWritev(p.pid, local, remote, 0)
	})
	if errors.Is(err, ErrInvalidAddress) {
		// process_vm_writev honours the target's page protections, /proc/<pid>/mem does not.
		return p.writeMem(addr, data)
	}

	if err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%x: %w", len(data), addr, err)
	}

	if n != len(data) {
		return fmt.Errorf("short write at 0x%x, expected %d bytes, got %d: %w", addr, len(data), n, ErrInvalidAddress)
	}

	return nil
}

// ReadPages reads the pages with as few process_vm_readv calls as IOV_MAX allows.
// A failing page truncates the vectored read, so the remainder of a segment is retried page by page.
func (p *Process) ReadPages(ctx context.Context, addrs []uint64, size uint32) []PageRead {
	reads := make([]PageRead, len(addrs))
	if size == 0 {
		for i, addr := range addrs {
			reads[i] = PageRead{Addr: addr, Data: []byte{}}
		}

		return reads
	}

	for i := 0; i < len(addrs); i += IOV_MAX {
		segment := addrs[i:min(i+IOV_MAX, len(addrs))]

		buf := make([]byte, len(segment)*int(size))

		local := []unix.Iovec{{Base: &buf[0]}}
		local[0].SetLen(len(buf))

		remote := make([]unix.RemoteIovec, len(segment))
		for j, addr := range segment {
			remote[j] = unix.RemoteIovec{Base: uintptr(addr), Len: int(size)}
		}

		n, err := p.transfer(ctx, func() (int, error) {
			return unix.ProcessVMReadv(p.pid, local, remote, 0)
		})
		if err != nil {
			n = 0
		}

		complete := n / int(size)
		for j, addr := range segment {
			if j < complete {
				reads[i+j] = PageRead{Addr: addr, Data: buf[j*int(size) : (j+1)*int(size) : (j+1)*int(size)]}

				continue
			}

			data, readErr := p.ReadBytes(ctx, addr, size)
			reads[i+j] = PageRead{Addr: addr, Data: data, Err: readErr}
		}
	}

	return reads
}

func (p *Process) ListMappings(_ context.Context) ([]Mapping, error) {
	maps, err := p.proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory maps of process %d: %w", p.pid, classify(err))
	}

	mappings := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		mapping := Mapping{
			Start: uint64(m.StartAddr),
			End:   uint64(m.EndAddr),
			Path:  m.Pathname,
		}

		if m.Perms != nil {
			mapping.Read = m.Perms.Read
			mapping.Write = m.Perms.Write
			mapping.Execute = m.Perms.Execute
		}

		mappings = append(mappings, mapping)
	}

	return mappings, nil
}

// ListModules groups file-backed mappings by path. A module spans from its lowest to its highest mapped address.
func (p *Process) ListModules(ctx context.Context) ([]Module, error) {
	mappings, err := p.ListMappings(ctx)
	if err != nil {
		return nil, err
	}

	return modulesFromMappings(mappings), nil
}

func modulesFromMappings(mappings []Mapping) []Module {
	var modules []Module
	index := make(map[string]int)

	for _, m := range mappings {
		if !strings.HasPrefix(m.Path, "/") {
			continue
		}

		i, ok := index[m.Path]
		if !ok {
			index[m.Path] = len(modules)
			modules = append(modules, Module{
				Name:        filepath.Base(m.Path),
				Path:        m.Path,
				BaseAddress: m.Start,
				ImageSize:   m.Size(),
			})

			continue
		}

		module := &modules[i]
		end := max(module.End(), m.End)
		module.BaseAddress = min(module.BaseAddress, m.Start)
		module.ImageSize = end - module.BaseAddress
	}

	return modules
}

func (p *Process) Close() error {
	if p.mem != nil {
		return p.mem.Close()
	}

	return nil
}

func (p *Process) writeMem(addr uint64, data []byte) error {
	p.memOnce.Do(func() {
		p.mem, p.memErr = os.OpenFile(fmt.Sprintf("/proc/%d/mem", p.pid), os.O_RDWR, 0)
	})

	if p.memErr != nil {
		return fmt.Errorf("failed to open memory of process %d: %w", p.pid, classify(p.memErr))
	}

	n, err := p.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%x: %w", len(data), addr, classify(err))
	}

	if n != len(data) {
		return fmt.Errorf("short write at 0x%x, expected %d bytes, got %d: %w", addr, len(data), n, ErrInvalidAddress)
	}

	return nil
}

func (p *Process) transfer(ctx context.Context, op func() (int, error)) (int, error) {
	var lastErr error

	for range maxTransientRetries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := op()
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			lastErr = err

			continue
		case errors.Is(err, unix.ENOMEM):
			lastErr = err
			time.Sleep(oomMinBackoff + time.Duration(rand.Intn(int(oomMaxJitter.Milliseconds())))*time.Millisecond)

			continue
		case err != nil:
			return n, classify(err)
		}

		return n, nil
	}

	return 0, fmt.Errorf("giving up after %d attempts: %w", maxTransientRetries, lastErr)
}

// classify maps errno values onto the accessor's error taxonomy, keeping the original error in the chain.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, unix.EFAULT), errors.Is(err, unix.EIO), errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	case errors.Is(err, unix.ESRCH), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrProcessGone, err)
	default:
		return err
	}
}

func getIOVMax() (int, error) {
	iovMax, err := sysconf.Sysconf(sysconf.SC_IOV_MAX)
	if err != nil {
		return 0, fmt.Errorf("failed to get IOV_MAX: %w", err)
	}

	return int(iovMax), nil
}
