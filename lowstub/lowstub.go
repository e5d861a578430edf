// Package lowstub discovers the kernel DTB by scanning low physical memory
// for the architecture-identifying "low stub" page Windows places there
// early in boot. It is the only component that reads raw bytes directly
// rather than going through the translator — there is no virtual address
// space yet at this point.
package lowstub

import (
	"encoding/binary"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/werr"
)

// scanLimit is the physical address below which the low stub must appear:
// up to 16 MiB.
const scanLimit = 16 << 20

const (
	pageSizeSmall = 0x1000
	stubTagOffset = 0x1001
)

// StartBlock is the immutable result of a successful discovery: the
// architecture, the kernel DTB, and (for 64-bit stubs) a hint virtual
// address inside the kernel image.
type StartBlock struct {
	Arch       arch.Architecture
	DTB        types.PhysAddr
	KernelHint types.VirtAddr
}

// x64 low-stub layout. The trampoline Windows places in low memory before
// long mode is entered carries a self-referencing pointer (so the scanner
// can confirm it found the right page rather than a coincidental run of
// zeroes) and a handful of "tagged" PML4-style entries; KernelBase is the
// virtual address of ntoskrnl.exe's image base, used as the kernel_hint.
const (
	x64SelfOffset       = 0x0
	x64TagOffset        = 0x10
	x64TagCount         = 4
	x64TagStride        = 8
	x64TagValue  uint64 = 1
	x64KernelBaseOffset = 0x70
)

func readLE64(chunk []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(chunk[off : off+8])
}

func readLE32(chunk []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(chunk[off : off+4])
}

func checkPAEPage(addr types.PhysAddr, chunk []byte) bool {
	if len(chunk) < pageSizeSmall {
		return false
	}
	for i := 0; i*8 < len(chunk); i++ {
		v := readLE64(chunk, i*8)
		if i < 4 {
			if v != uint64(addr)+uint64(i<<12)+stubTagOffset {
				return false
			}
		} else if v != 0 {
			return false
		}
	}
	return true
}

func checkX86Page(addr types.PhysAddr, chunk []byte) bool {
	if len(chunk) < pageSizeSmall {
		return false
	}
	for i := 0; i*4 < len(chunk); i++ {
		v := readLE32(chunk, i*4)
		if i < 4 {
			if uint64(v) != uint64(addr)+uint64(i<<12)+stubTagOffset {
				return false
			}
		} else if v != 0 {
			return false
		}
	}
	return true
}

func checkX64Page(addr types.PhysAddr, chunk []byte) (kernelHint types.VirtAddr, ok bool) {
	if len(chunk) < pageSizeSmall {
		return 0, false
	}
	if readLE64(chunk, x64SelfOffset) != uint64(addr) {
		return 0, false
	}
	for i := 0; i < x64TagCount; i++ {
		if readLE64(chunk, x64TagOffset+i*x64TagStride) != x64TagValue {
			return 0, false
		}
	}
	return types.VirtAddr(readLE64(chunk, x64KernelBaseOffset)), true
}

// scan walks mem in page-sized chunks from physical address 0, calling
// check for each one and returning the first page for which it reports a
// match. The iteration is lazy and strictly increasing in address,
// bounded at scanLimit.
func scan(mem []byte, check func(types.PhysAddr, []byte) (StartBlock, bool)) (StartBlock, bool) {
	limit := len(mem)
	if limit > scanLimit {
		limit = scanLimit
	}
	chunks := types.NewPageChunks(mem[:limit], 0, pageSizeSmall)
	for {
		addr, chunk, ok := chunks.Next()
		if !ok {
			return StartBlock{}, false
		}
		if sb, matched := check(addr, chunk); matched {
			return sb, true
		}
	}
}

// FindX86Pae scans mem for an x86 PAE low stub.
func FindX86Pae(mem []byte) (StartBlock, error) {
	sb, ok := scan(mem, func(addr types.PhysAddr, chunk []byte) (StartBlock, bool) {
		if checkPAEPage(addr, chunk) {
			return StartBlock{Arch: arch.X86Pae, DTB: addr}, true
		}
		return StartBlock{}, false
	})
	if !ok {
		return StartBlock{}, werr.New("find_x86pae", 0, werr.KindInitialization, werr.ErrDTBNotFound)
	}
	return sb, nil
}

// FindX86 scans mem for a 32-bit non-PAE low stub.
func FindX86(mem []byte) (StartBlock, error) {
	sb, ok := scan(mem, func(addr types.PhysAddr, chunk []byte) (StartBlock, bool) {
		if checkX86Page(addr, chunk) {
			return StartBlock{Arch: arch.X86, DTB: addr}, true
		}
		return StartBlock{}, false
	})
	if !ok {
		return StartBlock{}, werr.New("find_x86", 0, werr.KindInitialization, werr.ErrDTBNotFound)
	}
	return sb, nil
}

// FindX64 scans mem for an x64 (or x64 LA57 — the low stub layout does not
// distinguish them; LA57 is detected later from CR4.LA57 by the caller)
// low stub.
func FindX64(mem []byte) (StartBlock, error) {
	sb, ok := scan(mem, func(addr types.PhysAddr, chunk []byte) (StartBlock, bool) {
		if hint, matched := checkX64Page(addr, chunk); matched {
			return StartBlock{Arch: arch.X64, DTB: addr, KernelHint: hint}, true
		}
		return StartBlock{}, false
	})
	if !ok {
		return StartBlock{}, werr.New("find_x64", 0, werr.KindInitialization, werr.ErrDTBNotFound)
	}
	return sb, nil
}

// Find runs one combined scan over increasing physical addresses, at each
// page checking all three signatures — x64, then PAE, then plain x86 — and
// returning the first page that matches any of them. A single lazy pass
// (rather than three independent passes, one per signature) guarantees the
// result is truly the lowest matching address in the image, not just the
// highest-priority signature's lowest match: a lower-priority signature
// at a lower address wins over a higher-priority one further up.
func Find(mem []byte) (StartBlock, error) {
	sb, ok := scan(mem, func(addr types.PhysAddr, chunk []byte) (StartBlock, bool) {
		if hint, matched := checkX64Page(addr, chunk); matched {
			return StartBlock{Arch: arch.X64, DTB: addr, KernelHint: hint}, true
		}
		if checkPAEPage(addr, chunk) {
			return StartBlock{Arch: arch.X86Pae, DTB: addr}, true
		}
		if checkX86Page(addr, chunk) {
			return StartBlock{Arch: arch.X86, DTB: addr}, true
		}
		return StartBlock{}, false
	})
	if !ok {
		return StartBlock{}, werr.New("find", 0, werr.KindInitialization, werr.ErrDTBNotFound)
	}
	return sb, nil
}

// FindInPhysicalMemory is the PhysicalMemory-backed equivalent of Find, for
// callers that do not have the whole low-memory region as a contiguous
// []byte (e.g. a connector that streams from a live target). It reads the
// first scanLimit bytes (or up to mem's metadata-reported size, if
// smaller) into a buffer and delegates to Find.
func FindInPhysicalMemory(mem pmem.PhysicalMemory) (StartBlock, error) {
	limit := uint64(scanLimit)
	if md := mem.Metadata(); md.MaxAddress != 0 && uint64(md.MaxAddress) < limit {
		limit = uint64(md.MaxAddress)
	}
	buf := make([]byte, limit)
	if err := pmem.ReadAt(mem, 0, buf); err != nil {
		return StartBlock{}, werr.New("find", 0, werr.KindConnector, err)
	}
	return Find(buf)
}
