package types

// PageChunks lazily splits a byte buffer into page-sized chunks, each
// tagged with the physical address of its first byte. It is restartable
// (Reset) and always produces chunks in increasing physical address order,
// exactly once each — the contract DTB discovery (lowstub scanning) relies
// on since it must resume a scan without re-reading earlier chunks twice.
type PageChunks struct {
	mem      []byte
	base     PhysAddr
	pageSize uint64
	pos      int
}

// NewPageChunks returns an iterator over mem, starting at physical address
// base, yielding pageSize-sized chunks (the final chunk may be shorter if
// len(mem) is not a multiple of pageSize).
func NewPageChunks(mem []byte, base PhysAddr, pageSize uint64) *PageChunks {
	return &PageChunks{mem: mem, base: base, pageSize: pageSize}
}

// Reset rewinds the iterator to its first chunk.
func (p *PageChunks) Reset() { p.pos = 0 }

// Next returns the next (address, chunk) pair, or ok=false once the buffer
// is exhausted. The returned slice aliases the original buffer.
func (p *PageChunks) Next() (addr PhysAddr, chunk []byte, ok bool) {
	if p.pos >= len(p.mem) {
		return 0, nil, false
	}
	end := p.pos + int(p.pageSize)
	if end > len(p.mem) {
		end = len(p.mem)
	}
	addr = p.base.Add(uint64(p.pos))
	chunk = p.mem[p.pos:end]
	p.pos = end
	return addr, chunk, true
}

// All returns a range-over-func iterator suitable for "for addr, chunk :=
// range chunks.All()" loops.
func (p *PageChunks) All() func(yield func(PhysAddr, []byte) bool) {
	return func(yield func(PhysAddr, []byte) bool) {
		for {
			addr, chunk, ok := p.Next()
			if !ok {
				return
			}
			if !yield(addr, chunk) {
				return
			}
		}
	}
}
