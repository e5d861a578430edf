// Package translate implements the virtual-address translator: walking a
// guest's page tables, given a DTB and architecture, to turn a virtual
// address into a physical one. The batched entry point is the
// performance-critical path — it groups requests that share a table page
// so that page is read from the connector exactly once, then fans the
// cached entry out to every request that needed it.
package translate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/werr"
)

// Translator binds a DTB and architecture together; everything else it
// needs (the physical memory to walk) is passed explicitly so a Translator
// itself holds no connector state and can be copied freely.
type Translator struct {
	DTB  types.PhysAddr
	Arch arch.Descriptor
}

// New returns a Translator for the given DTB and architecture.
func New(dtb types.PhysAddr, a arch.Descriptor) Translator {
	return Translator{DTB: dtb, Arch: a}
}

// Translate resolves a single virtual address to a physical one.
func (t Translator) Translate(mem pmem.PhysicalMemory, va types.VirtAddr) (types.PhysAddr, error) {
	results := t.TranslateBatch(mem, []Request{{Addr: va, Length: 1}})
	r := results[0]
	if len(r.Failed) > 0 {
		err := r.Failed[0].Err
		kind := werr.KindConnector
		if errors.Is(err, werr.ErrNotPresent) {
			kind = werr.KindNotPresent
		}
		return 0, werr.New("translate", uint64(va), kind, err)
	}
	return r.Fragments[0].PA, nil
}

// Request is one virtual-address range to translate, tagged with an
// arbitrary caller value that is carried through to the matching Result
// untouched (e.g. an index into the caller's own request list).
type Request struct {
	Addr   types.VirtAddr
	Length uint64
	Tag    any
}

// Fragment is a contiguous physical range produced by translating part of
// a Request. Offset is the byte offset of this fragment within the
// Request's [Addr, Addr+Length) range.
type Fragment struct {
	Offset uint64
	PA     types.PhysAddr
	Length uint64
}

// Result is everything TranslateBatch learned about one Request: the
// physical fragments it successfully resolved to (in ascending offset
// order) and the ranges that failed, each with its cause.
type Result struct {
	Request  Request
	Fragments []Fragment
	Failed    []werr.Fragment
}

// unit is one page-sized (or smaller) slice of a Request still being
// walked down the page tables.
type unit struct {
	reqIndex int
	addr     types.VirtAddr
	offset   uint64 // offset within the owning request
	length   uint64

	tableBase types.PhysAddr
	done      bool
	pa        types.PhysAddr
	err       error
}

// splitRequest breaks req into page-aligned units, since a single VA range
// may cross page boundaries and each page is translated independently.
func splitRequest(reqIndex int, req Request, pageSize uint64) []unit {
	var units []unit
	remaining := req.Length
	cur := req.Addr
	off := uint64(0)
	for remaining > 0 {
		_, pageOff := cur.SplitPage(pageSize)
		chunk := pageSize - pageOff
		if chunk > remaining {
			chunk = remaining
		}
		units = append(units, unit{reqIndex: reqIndex, addr: cur, offset: off, length: chunk})
		cur = cur.Add(chunk)
		off += chunk
		remaining -= chunk
	}
	if len(units) == 0 {
		// zero-length request still gets one unit so callers always see a result.
		units = append(units, unit{reqIndex: reqIndex, addr: req.Addr, offset: 0, length: 0})
	}
	return units
}

func readEntry(buf []byte) uint64 {
	switch len(buf) {
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}

// TranslateBatch translates many virtual-address ranges at once. Within a
// single call, requests sharing high-order page-table indices are grouped
// so the connector sees one read per distinct table page, in ascending
// physical-address order of those table pages. Output order always
// matches input order.
func (t Translator) TranslateBatch(mem pmem.PhysicalMemory, reqs []Request) []Result {
	d := t.Arch
	entrySize := d.ReadWidth()

	var units []unit
	for i, req := range reqs {
		units = append(units, splitRequest(i, req, d.PageSize)...)
	}
	for i := range units {
		units[i].tableBase = t.DTB
	}

	numLevels := d.NumLevels()
	for level := 0; level < numLevels; level++ {
		pending := activeUnits(units)
		if len(pending) == 0 {
			break
		}

		// Group by the physical address of the entry this unit needs at
		// this level; ties are resolved by reading once and fanning out.
		entryAddrOf := make([]types.PhysAddr, len(units))
		group := make(map[types.PhysAddr][]int) // entryAddr -> unit indices
		for _, idx := range pending {
			indices := d.Split(units[idx].addr)
			index := indices[level]
			entryAddr := units[idx].tableBase.Add(index * uint64(entrySize))
			entryAddrOf[idx] = entryAddr
			group[entryAddr] = append(group[entryAddr], idx)
		}

		// Ascending physical order, per §5's ordering guarantee.
		addrs := make([]types.PhysAddr, 0, len(group))
		for a := range group {
			addrs = append(addrs, a)
		}
		sortAddrs(addrs)

		reads := make([]pmem.ReadRequest, len(addrs))
		bufs := make([][]byte, len(addrs))
		for i, a := range addrs {
			buf := make([]byte, entrySize)
			bufs[i] = buf
			reads[i] = pmem.ReadRequest{Address: a, Buffer: buf}
		}
		connErr := mem.ReadRawList(reads)

		addrResult := make(map[types.PhysAddr]uint64, len(addrs))
		addrErr := make(map[types.PhysAddr]error, len(addrs))
		for i, a := range addrs {
			if connErr != nil {
				addrErr[a] = connErr
				continue
			}
			if reads[i].Err != nil {
				addrErr[a] = reads[i].Err
				continue
			}
			addrResult[a] = readEntry(bufs[i])
		}

		isLast := level == numLevels-1
		for _, idx := range pending {
			u := &units[idx]
			a := entryAddrOf[idx]
			if err, ok := addrErr[a]; ok {
				u.done, u.err = true, fmt.Errorf("page table read failed: %w", err)
				continue
			}
			entry := addrResult[a]
			if !d.IsPresent(entry) {
				u.done, u.err = true, werr.ErrNotPresent
				continue
			}
			if isLast || d.IsLarge(entry, level) {
				frame := d.EntryPA(entry)
				pageSize := d.PageSize
				if !isLast {
					pageSize = d.LargePageSize(level)
				}
				_, lowBits := u.addr.SplitPage(pageSize)
				u.done = true
				u.pa = frame.Add(lowBits)
				continue
			}
			u.tableBase = d.EntryPA(entry)
		}
	}

	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i].Request = req
	}
	for _, u := range units {
		r := &results[u.reqIndex]
		if u.err != nil {
			r.Failed = append(r.Failed, werr.Fragment{Offset: int(u.offset), Length: int(u.length), Err: u.err})
			continue
		}
		r.Fragments = append(r.Fragments, Fragment{Offset: u.offset, PA: u.pa, Length: u.length})
	}
	return results
}

func activeUnits(units []unit) []int {
	var out []int
	for i, u := range units {
		if !u.done {
			out = append(out, i)
		}
	}
	return out
}

func sortAddrs(addrs []types.PhysAddr) {
	// insertion sort: batches are small (table pages per level).
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && addrs[j-1] > addrs[j]; j-- {
			addrs[j-1], addrs[j] = addrs[j], addrs[j-1]
		}
	}
}
