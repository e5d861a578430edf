package ptr

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/translate"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
)

type thing struct {
	X uint32
}

func TestPointerArithmetic(t *testing.T) {
	p := From64[thing](0x1000)
	if p.Add(2).Address != 0x1008 {
		t.Fatalf("Add: got 0x%x", p.Add(2).Address)
	}
	if p.Add(2).Sub(2).Address != p.Address {
		t.Fatalf("Add then Sub should round-trip")
	}
	if !Null64[thing]().IsNull() {
		t.Fatalf("Null64 should be null")
	}
}

func TestPointer32Saturates(t *testing.T) {
	p := From32[thing](0xFFFFFFF0)
	if p.Add(10).Address != 0xFFFFFFFF {
		t.Fatalf("Add should saturate at the 32-bit boundary, got 0x%x", p.Add(10).Address)
	}
}

func TestTryFrom32OutOfBounds(t *testing.T) {
	if _, err := TryFrom32[thing](0x1_0000_0001); err == nil {
		t.Fatalf("expected an out-of-bounds error")
	}
	p, err := TryFrom32[thing](0x1234)
	if err != nil || p.Address != 0x1234 {
		t.Fatalf("got p=%+v err=%v", p, err)
	}
}

func TestArray32At(t *testing.T) {
	arr := Array32[thing]{Address: 0x2000}
	if arr.At(3).Address != 0x2000+3*4 {
		t.Fatalf("At: got 0x%x", arr.At(3).Address)
	}
	if arr.Decay().Address != arr.Address {
		t.Fatalf("Decay should preserve the address")
	}
}

func buildIdentity(mem *pmem.Dummy, va types.VirtAddr, pa types.PhysAddr) types.PhysAddr {
	d, _ := arch.Lookup(arch.X64)
	idx := d.Split(va)
	pml4, pdpt, pd, pt := types.PhysAddr(0x1000), types.PhysAddr(0x2000), types.PhysAddr(0x3000), types.PhysAddr(0x4000)
	write := func(table types.PhysAddr, i uint64, next types.PhysAddr) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(next)|1)
		mem.WriteAt(table.Add(i*8), buf[:])
	}
	write(pml4, idx[0], pdpt)
	write(pdpt, idx[1], pd)
	write(pd, idx[2], pt)
	write(pt, idx[3], pa)
	return pml4
}

func TestPointerDeref(t *testing.T) {
	mem := pmem.NewDummy(0x10000)
	va := types.VirtAddr(0x0000_7ffe_0080_0000)
	d, _ := arch.Lookup(arch.X64)
	dtb := buildIdentity(mem, va, types.PhysAddr(0x9000))
	mem.WriteAt(0x9000, []byte{0x78, 0x56, 0x34, 0x12})

	tr := translate.New(dtb, d)
	v := vmem.New(mem, tr)

	p := From64[thing](uint64(va))
	val, err := p.Deref(v)
	if err != nil {
		t.Fatalf("Deref: %v", err)
	}
	if val.X != 0x12345678 {
		t.Fatalf("got 0x%x", val.X)
	}
}
