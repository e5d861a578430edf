// Package arch encodes the per-architecture paging arithmetic: how many
// page-table levels a virtual address walks through, which bits of the VA
// select each level's index, how wide a page-table entry is, and how to
// pull a physical frame number and the present/large-page flags out of one.
//
// The four paging modes share one algorithm parameterized by a table of
// constants — there is exactly one Split/EntryPA/IsPresent/IsLarge
// implementation below, driven entirely by the Descriptor values in
// archTable.
package arch

import (
	"fmt"

	"github.com/tinyrange/win32mem/types"
)

// Architecture is the closed tag set of paging modes this module supports.
type Architecture int

const (
	Invalid Architecture = iota
	X86
	X86Pae
	X64
	X64La57
)

func (a Architecture) String() string {
	switch a {
	case X86:
		return "x86"
	case X86Pae:
		return "x86_pae"
	case X64:
		return "x64"
	case X64La57:
		return "x64_la57"
	default:
		return "invalid"
	}
}

// Level describes one page-table level: the bit range of the VA that
// selects an entry at this level, and (if nonzero) the size of a large
// page that may terminate the walk at this level.
type Level struct {
	HighBit       uint
	LowBit        uint
	LargePageSize uint64 // 0 if this level never holds a large-page entry
}

func (l Level) entries() uint64 { return 1 << (l.HighBit - l.LowBit + 1) }

func (l Level) index(va types.VirtAddr) uint64 {
	mask := l.entries() - 1
	return (uint64(va) >> l.LowBit) & mask
}

// Descriptor is the constant table for one Architecture: pointer width,
// page size, the ordered (top-to-bottom) list of table levels, the entry
// size in bytes, and how many high bits of an entry hold the physical
// frame number.
type Descriptor struct {
	Arch          Architecture
	PointerWidth  int // bytes
	EntrySize     int // bytes per page-table entry
	PageSize      uint64
	Levels        []Level // ordered top level first
	FrameHighBit  uint    // inclusive upper bit of the PFN field (bit 12 is always the low bit)
}

const (
	presentBit = 1 << 0
	largeBit   = 1 << 7
)

var archTable = map[Architecture]Descriptor{
	X86: {
		Arch: X86, PointerWidth: 4, EntrySize: 4, PageSize: 0x1000,
		FrameHighBit: 31,
		Levels: []Level{
			{HighBit: 31, LowBit: 22, LargePageSize: 4 << 20}, // PD, 4MiB large pages
			{HighBit: 21, LowBit: 12},                         // PT
		},
	},
	X86Pae: {
		Arch: X86Pae, PointerWidth: 4, EntrySize: 8, PageSize: 0x1000,
		FrameHighBit: 51,
		Levels: []Level{
			{HighBit: 31, LowBit: 30},                        // PDPT, 4 entries
			{HighBit: 29, LowBit: 21, LargePageSize: 2 << 20}, // PD, 2MiB large pages
			{HighBit: 20, LowBit: 12},                        // PT
		},
	},
	X64: {
		Arch: X64, PointerWidth: 8, EntrySize: 8, PageSize: 0x1000,
		FrameHighBit: 51,
		Levels: []Level{
			{HighBit: 47, LowBit: 39},                           // PML4
			{HighBit: 38, LowBit: 30, LargePageSize: 1 << 30},    // PDPT, 1GiB large pages
			{HighBit: 29, LowBit: 21, LargePageSize: 2 << 20},    // PD, 2MiB large pages
			{HighBit: 20, LowBit: 12},                            // PT
		},
	},
	X64La57: {
		Arch: X64La57, PointerWidth: 8, EntrySize: 8, PageSize: 0x1000,
		FrameHighBit: 51,
		Levels: []Level{
			{HighBit: 56, LowBit: 48},                           // PML5
			{HighBit: 47, LowBit: 39},                           // PML4
			{HighBit: 38, LowBit: 30, LargePageSize: 1 << 30},    // PDPT, 1GiB large pages
			{HighBit: 29, LowBit: 21, LargePageSize: 2 << 20},    // PD, 2MiB large pages
			{HighBit: 20, LowBit: 12},                            // PT
		},
	},
}

// Lookup returns the constant Descriptor for a, or an error if a is not one
// of the four supported modes.
func Lookup(a Architecture) (Descriptor, error) {
	d, ok := archTable[a]
	if !ok {
		return Descriptor{}, fmt.Errorf("arch: unsupported architecture %v", a)
	}
	return d, nil
}

// NumLevels returns the number of page-table levels the walk traverses.
func (d Descriptor) NumLevels() int { return len(d.Levels) }

// Split extracts the index into each table level (top to bottom) plus the
// final byte offset within the page. The returned slice has
// len(d.Levels)+1 entries: indices[0..n) then offset.
func (d Descriptor) Split(va types.VirtAddr) []uint64 {
	out := make([]uint64, len(d.Levels)+1)
	for i, lvl := range d.Levels {
		out[i] = lvl.index(va)
	}
	out[len(d.Levels)] = uint64(va) & (d.PageSize - 1)
	return out
}

func (d Descriptor) frameMask() uint64 {
	width := d.FrameHighBit - 12 + 1
	return ((uint64(1) << width) - 1) << 12
}

// EntryPA returns the physical frame base address encoded in a page-table
// entry.
func (d Descriptor) EntryPA(entry uint64) types.PhysAddr {
	return types.PhysAddr(entry & d.frameMask())
}

// IsPresent reports whether the present bit (bit 0) is set. If this is
// false no other bits of entry are meaningful.
func (d Descriptor) IsPresent(entry uint64) bool {
	return entry&presentBit != 0
}

// IsLarge reports whether entry, read from table level (0-indexed, top
// first), terminates the walk as a large page rather than pointing at the
// next table.
func (d Descriptor) IsLarge(entry uint64, level int) bool {
	if level < 0 || level >= len(d.Levels) {
		return false
	}
	if d.Levels[level].LargePageSize == 0 {
		return false
	}
	return entry&largeBit != 0
}

// LargePageSize returns the page size produced by a large-page entry at
// level, or 0 if that level never holds large pages.
func (d Descriptor) LargePageSize(level int) uint64 {
	if level < 0 || level >= len(d.Levels) {
		return 0
	}
	return d.Levels[level].LargePageSize
}

// ReadWidth returns the number of bytes occupied by one page-table entry
// in guest memory (the same for every level of a given architecture).
func (d Descriptor) ReadWidth() int { return d.EntrySize }
