// Package rawfile is a reference PhysicalMemory connector over a flat
// physical-memory image file (e.g. a `qemu -pmemsave` dump or a captured
// snapshot): a single mmap'd []byte serving both read and write through
// slice copies, with bounds-checked ReadRawList/WriteAt. It exists to exercise
// the module end-to-end without a live hypervisor connector.
package rawfile

import (
	"fmt"
	"os"

	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/types"
)

// Connector is a PhysicalMemory backed by an mmap'd image file.
type Connector struct {
	mem      mmapRegion
	readonly bool
}

// Open mmaps path and returns a Connector over its full contents. The
// mapping is opened read-write unless readonly is true.
func Open(path string, readonly bool) (*Connector, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("rawfile: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("rawfile: stat %s: %w", path, err)
	}

	region, err := mmapFile(f, info.Size(), readonly)
	if err != nil {
		return nil, fmt.Errorf("rawfile: mmap %s: %w", path, err)
	}

	return &Connector{mem: region, readonly: readonly}, nil
}

// Close unmaps the backing file. The Connector must not be used
// afterward.
func (c *Connector) Close() error {
	return c.mem.Close()
}

// ReadRawList implements pmem.PhysicalMemory.
func (c *Connector) ReadRawList(reqs []pmem.ReadRequest) error {
	buf := c.mem.Bytes()
	for i := range reqs {
		req := &reqs[i]
		off := int(req.Address)
		if off < 0 || off >= len(buf) {
			req.Err = fmt.Errorf("rawfile: address %s out of bounds (size 0x%x)", req.Address, len(buf))
			continue
		}
		n := copy(req.Buffer, buf[off:])
		if n < len(req.Buffer) {
			req.Err = fmt.Errorf("rawfile: short read at %s: got %d of %d bytes", req.Address, n, len(req.Buffer))
		}
	}
	return nil
}

// WriteAt writes data at a physical address, failing loudly if the
// mapping is readonly.
func (c *Connector) WriteAt(addr types.PhysAddr, data []byte) error {
	if c.readonly {
		return fmt.Errorf("rawfile: write to readonly mapping")
	}
	buf := c.mem.Bytes()
	off := int(addr)
	if off < 0 || off >= len(buf) {
		return fmt.Errorf("rawfile: address %s out of bounds (size 0x%x)", addr, len(buf))
	}
	n := copy(buf[off:], data)
	if n < len(data) {
		return fmt.Errorf("rawfile: short write at %s: wrote %d of %d bytes", addr, n, len(data))
	}
	return nil
}

// Metadata implements pmem.PhysicalMemory.
func (c *Connector) Metadata() pmem.Metadata {
	return pmem.Metadata{MaxAddress: types.PhysAddr(len(c.mem.Bytes())), Readonly: c.readonly}
}

var _ pmem.PhysicalMemory = (*Connector)(nil)
