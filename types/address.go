// Package types holds the address primitives shared by every layer of the
// translation engine: physical addresses, virtual addresses, and the lazy
// page-chunk iterator used by DTB discovery.
package types

import "fmt"

// PhysAddr is a physical address in the guest's address space. Physical and
// virtual addresses are kept as distinct Go types (rather than one tagged
// integer) so the compiler rejects mixing them up at a call site.
type PhysAddr uint64

// VirtAddr is a virtual address in the guest's address space.
type VirtAddr uint64

// NullPhys is the canonical null physical address.
const NullPhys PhysAddr = 0

// NullVirt is the canonical null virtual address.
const NullVirt VirtAddr = 0

// IsNull reports whether the address is the null address (value 0).
func (a PhysAddr) IsNull() bool { return a == 0 }

// IsNull reports whether the address is the null address (value 0).
func (a VirtAddr) IsNull() bool { return a == 0 }

// Add returns a + off.
func (a PhysAddr) Add(off uint64) PhysAddr { return a + PhysAddr(off) }

// Add returns a + off.
func (a VirtAddr) Add(off uint64) VirtAddr { return a + VirtAddr(off) }

// AlignDown rounds a down to the nearest multiple of pageSize.
// pageSize must be a power of two.
func (a PhysAddr) AlignDown(pageSize uint64) PhysAddr {
	mask := pageSize - 1
	return PhysAddr(uint64(a) &^ mask)
}

// AlignUp rounds a up to the nearest multiple of pageSize.
// pageSize must be a power of two.
func (a PhysAddr) AlignUp(pageSize uint64) PhysAddr {
	mask := pageSize - 1
	return PhysAddr((uint64(a) + mask) &^ mask)
}

// AlignDown rounds a down to the nearest multiple of pageSize.
func (a VirtAddr) AlignDown(pageSize uint64) VirtAddr {
	mask := pageSize - 1
	return VirtAddr(uint64(a) &^ mask)
}

// AlignUp rounds a up to the nearest multiple of pageSize.
func (a VirtAddr) AlignUp(pageSize uint64) VirtAddr {
	mask := pageSize - 1
	return VirtAddr((uint64(a) + mask) &^ mask)
}

// SplitPage splits a into its containing page base and the byte offset
// within that page, for the given pageSize (a power of two).
func (a VirtAddr) SplitPage(pageSize uint64) (base VirtAddr, offset uint64) {
	mask := pageSize - 1
	return a.AlignDown(pageSize), uint64(a) & mask
}

// SplitPage splits a into its containing page base and the byte offset
// within that page, for the given pageSize (a power of two).
func (a PhysAddr) SplitPage(pageSize uint64) (base PhysAddr, offset uint64) {
	mask := pageSize - 1
	return a.AlignDown(pageSize), uint64(a) & mask
}

func (a PhysAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }
func (a VirtAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }
