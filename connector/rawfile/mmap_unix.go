//go:build linux || darwin

package rawfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion is the unix mmap-backed implementation: the image's physical
// address space lives entirely in one mapping, copy-free, sourced from a
// file instead of an anonymous guest-memory region.
type mmapRegion struct {
	data []byte
}

func mmapFile(f *os.File, size int64, readonly bool) (mmapRegion, error) {
	if size == 0 {
		return mmapRegion{}, fmt.Errorf("empty file")
	}
	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return mmapRegion{}, fmt.Errorf("mmap: %w", err)
	}
	return mmapRegion{data: data}, nil
}

func (m mmapRegion) Bytes() []byte { return m.data }

func (m mmapRegion) Close() error {
	if m.data == nil {
		return nil
	}
	return unix.Munmap(m.data)
}
