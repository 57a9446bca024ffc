//go:build linux

package testutils

import (
	"fmt"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewPageMmap maps anonymous private memory of the given number of pages in the current process
// and returns it with its address. The mapping is released when the test ends.
func NewPageMmap(t *testing.T, pages int, pageSize int, prot int) ([]byte, uint64, error) {
	t.Helper()

	b, err := unix.Mmap(-1, 0, pages*pageSize, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to mmap: %w", err)
	}

	t.Cleanup(func() {
		if err := unix.Munmap(b); err != nil {
			t.Errorf("failed to munmap: %v", err)
		}
	})

	return b, uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}
