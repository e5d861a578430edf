// Package pmem defines the narrow physical-memory interface the core
// consumes from an external connector. Everything above this layer —
// translation, virtual reads, process/module walking — only ever talks
// to a PhysicalMemory, never to a concrete connector.
package pmem

import "github.com/tinyrange/win32mem/types"

// ReadRequest is one scatter-gather read: fill Buffer with the bytes at
// Address. Implementations report a per-request failure by setting Err;
// they must not panic or abort the remaining requests in the list.
type ReadRequest struct {
	Address types.PhysAddr
	Buffer  []byte
	Err     error
}

// Metadata describes static properties of the backing physical memory.
type Metadata struct {
	MaxAddress types.PhysAddr
	Readonly   bool
}

// PhysicalMemory is the interface the translator, virtual memory view, and
// walkers consume. A single call batches arbitrarily many scattered reads
// so a connector (or this module's reference connector) can issue them
// together instead of one syscall per page-table entry.
type PhysicalMemory interface {
	// ReadRawList fills every request's Buffer in place. The returned
	// error is reserved for connector-wide failure (e.g. the backing
	// handle was closed); per-request failures are reported via each
	// ReadRequest's Err field, never by aborting the batch.
	ReadRawList(reqs []ReadRequest) error

	// Metadata reports static properties of the physical address space.
	Metadata() Metadata
}

// ReadAt is a convenience wrapper for issuing a single read.
func ReadAt(mem PhysicalMemory, addr types.PhysAddr, buf []byte) error {
	reqs := []ReadRequest{{Address: addr, Buffer: buf}}
	if err := mem.ReadRawList(reqs); err != nil {
		return err
	}
	return reqs[0].Err
}
