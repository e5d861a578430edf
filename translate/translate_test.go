package translate

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/types"
)

// buildX64Identity constructs a minimal 4-level x64 page table in mem that
// maps exactly one virtual page (va) to physical frame pa, returning the
// DTB (PML4 physical address).
func buildX64Identity(mem *pmem.Dummy, va types.VirtAddr, pa types.PhysAddr) types.PhysAddr {
	d, _ := arch.Lookup(arch.X64)
	idx := d.Split(va)

	// Lay tables out at fixed, well-separated physical pages.
	pml4 := types.PhysAddr(0x1000)
	pdpt := types.PhysAddr(0x2000)
	pd := types.PhysAddr(0x3000)
	pt := types.PhysAddr(0x4000)

	writeEntry := func(table types.PhysAddr, index uint64, next types.PhysAddr) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(next)|1)
		mem.WriteAt(table.Add(index*8), buf[:])
	}

	writeEntry(pml4, idx[0], pdpt)
	writeEntry(pdpt, idx[1], pd)
	writeEntry(pd, idx[2], pt)
	writeEntry(pt, idx[3], pa)

	return pml4
}

func TestTranslateSingleAddress(t *testing.T) {
	mem := pmem.NewDummy(0x10000)
	va := types.VirtAddr(0x0000_7ffe_0001_2345)
	pa := types.PhysAddr(0x8000)
	dtb := buildX64Identity(mem, va, pa)

	d, _ := arch.Lookup(arch.X64)
	tr := New(dtb, d)

	got, err := tr.Translate(mem, va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := pa.Add(0x345)
	if got != want {
		t.Fatalf("Translate: got 0x%x, want 0x%x", got, want)
	}
}

func TestTranslateBatchGroupsSharedTablePage(t *testing.T) {
	mem := pmem.NewDummy(0x20000)
	// Two addresses one page apart: they share every level above PT but
	// resolve to distinct PT entries, proving the grouping pass does not
	// corrupt independent lookups that share upper-level table pages.
	base := types.VirtAddr(0x0000_7ffe_0010_0000)
	dtb := buildX64Identity(mem, base, types.PhysAddr(0x9000))

	// Add a second, distinct mapping one page table entry further on,
	// sharing the same PML4/PDPT/PD entries (same 2MiB region).
	va2 := base.Add(0x1000)
	d, _ := arch.Lookup(arch.X64)
	idx2 := d.Split(va2)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(0xA000)|1)
	mem.WriteAt(types.PhysAddr(0x4000).Add(idx2[3]*8), buf[:])

	tr := New(dtb, d)
	results := tr.TranslateBatch(mem, []Request{
		{Addr: base, Length: 1},
		{Addr: va2, Length: 1},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(results[0].Failed) != 0 || results[0].Fragments[0].PA != 0x9000 {
		t.Fatalf("request 0: got %+v", results[0])
	}
	if len(results[1].Failed) != 0 || results[1].Fragments[0].PA != 0xA000 {
		t.Fatalf("request 1: got %+v", results[1])
	}
}

func TestTranslateBatchPreservesOrder(t *testing.T) {
	mem := pmem.NewDummy(0x20000)
	va1 := types.VirtAddr(0x0000_7ffe_0020_0000)
	va2 := types.VirtAddr(0x0000_7ffe_0030_0000)
	dtb := buildX64Identity(mem, va2, types.PhysAddr(0xB000))

	d, _ := arch.Lookup(arch.X64)
	tr := New(dtb, d)
	results := tr.TranslateBatch(mem, []Request{
		{Addr: va2, Length: 1}, // present
		{Addr: va1, Length: 1}, // not mapped -> should fail
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results")
	}
	if len(results[0].Failed) != 0 {
		t.Fatalf("request 0 (va2) should have succeeded: %+v", results[0])
	}
	if len(results[1].Failed) == 0 {
		t.Fatalf("request 1 (va1, unmapped) should have failed")
	}
}

func TestTranslateBatchSplitsAcrossPage(t *testing.T) {
	mem := pmem.NewDummy(0x30000)
	page1 := types.VirtAddr(0x0000_7ffe_0040_0000)
	page2 := page1.Add(0x1000)

	d, _ := arch.Lookup(arch.X64)
	dtb := buildX64Identity(mem, page1, types.PhysAddr(0xC000))
	idx2 := d.Split(page2)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(0xD000)|1)
	mem.WriteAt(types.PhysAddr(0x4000).Add(idx2[3]*8), buf[:])

	tr := New(dtb, d)
	req := Request{Addr: page1.Add(0xF00), Length: 0x200} // crosses into page2
	results := tr.TranslateBatch(mem, []Request{req})
	r := results[0]
	if len(r.Failed) != 0 {
		t.Fatalf("unexpected failures: %+v", r.Failed)
	}
	if len(r.Fragments) != 2 {
		t.Fatalf("expected 2 fragments (one per page), got %d: %+v", len(r.Fragments), r.Fragments)
	}
	if r.Fragments[0].PA != types.PhysAddr(0xC000).Add(0xF00) || r.Fragments[0].Length != 0x100 {
		t.Fatalf("fragment 0: got %+v", r.Fragments[0])
	}
	if r.Fragments[1].PA != types.PhysAddr(0xD000) || r.Fragments[1].Length != 0x100 {
		t.Fatalf("fragment 1: got %+v", r.Fragments[1])
	}
}
