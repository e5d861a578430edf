package pmem

import (
	"fmt"

	"github.com/tinyrange/win32mem/types"
)

// Dummy is an in-memory PhysicalMemory backed by a plain byte slice,
// modeled on memflow's DummyMemory fixture and on the bounds-checked
// ReadAt/WriteAt shape of a memory-mapped region. It exists so translator,
// view, and walker tests can build a synthetic physical image without a
// live connector.
type Dummy struct {
	Mem      []byte
	Readonly bool
}

// NewDummy allocates a zeroed Dummy of the given size.
func NewDummy(size uint64) *Dummy {
	return &Dummy{Mem: make([]byte, size)}
}

func (d *Dummy) ReadRawList(reqs []ReadRequest) error {
	for i := range reqs {
		req := &reqs[i]
		off := int(req.Address)
		if off < 0 || off >= len(d.Mem) {
			req.Err = fmt.Errorf("pmem: dummy: address %s out of bounds (size 0x%x)", req.Address, len(d.Mem))
			continue
		}
		n := copy(req.Buffer, d.Mem[off:])
		if n < len(req.Buffer) {
			req.Err = fmt.Errorf("pmem: dummy: short read at %s: got %d of %d bytes", req.Address, n, len(req.Buffer))
		}
	}
	return nil
}

func (d *Dummy) Metadata() Metadata {
	return Metadata{MaxAddress: types.PhysAddr(len(d.Mem)), Readonly: d.Readonly}
}

// WriteAt writes raw bytes into the backing buffer at a physical address;
// it is a test-construction helper, not part of the PhysicalMemory
// interface.
func (d *Dummy) WriteAt(addr types.PhysAddr, data []byte) error {
	if int(addr)+len(data) > len(d.Mem) {
		return fmt.Errorf("pmem: dummy: write at %s out of bounds (size 0x%x)", addr, len(d.Mem))
	}
	copy(d.Mem[int(addr):], data)
	return nil
}
