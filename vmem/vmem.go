// Package vmem implements the virtual memory view: the
// (PhysicalMemory + Translator + DTB + architecture) bundle that exposes
// byte-addressed reads which transparently page-walk and stitch
// cross-page ranges together.
package vmem

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/translate"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/werr"
)

// View exclusively owns (or mutably borrows, by Go convention simply not
// being shared across goroutines) a PhysicalMemory and a Translator. A
// View must not be used concurrently from two goroutines at once: callers
// coordinate cooperatively rather than relying on internal locking.
type View struct {
	Mem        pmem.PhysicalMemory
	Translator translate.Translator
}

// New builds a View over mem using t to resolve virtual addresses.
func New(mem pmem.PhysicalMemory, t translate.Translator) *View {
	return &View{Mem: mem, Translator: t}
}

// Translate resolves va to a physical address without reading any data.
func (v *View) Translate(va types.VirtAddr) (types.PhysAddr, error) {
	return v.Translator.Translate(v.Mem, va)
}

// Read fills buf with the bytes starting at va, splitting at page
// boundaries and stitching the resulting physical fragments together.
// Partial failures are preserved with byte-precise offsets into buf.
func (v *View) Read(va types.VirtAddr, buf []byte) werr.PartialResult[struct{}] {
	if len(buf) == 0 {
		return werr.PartialResult[struct{}]{}
	}

	results := v.Translator.TranslateBatch(v.Mem, []translate.Request{{Addr: va, Length: uint64(len(buf))}})
	r := results[0]

	var result werr.PartialResult[struct{}]
	for _, f := range r.Failed {
		result.Failed = append(result.Failed, f)
	}
	if len(r.Fragments) == 0 {
		return result
	}

	reads := make([]pmem.ReadRequest, len(r.Fragments))
	for i, f := range r.Fragments {
		reads[i] = pmem.ReadRequest{Address: f.PA, Buffer: buf[f.Offset : f.Offset+f.Length]}
	}
	if err := v.Mem.ReadRawList(reads); err != nil {
		for i, f := range r.Fragments {
			_ = i
			result.Failed = append(result.Failed, werr.Fragment{Offset: int(f.Offset), Length: int(f.Length), Err: err})
		}
		return result
	}
	for i, f := range r.Fragments {
		if reads[i].Err != nil {
			result.Failed = append(result.Failed, werr.Fragment{Offset: int(f.Offset), Length: int(f.Length), Err: reads[i].Err})
		}
	}
	return result
}

// ReadInto reads sizeof(*out) bytes at va and decodes them little-endian
// into out. T must be a fixed-size, "plain old data" type — a struct of
// fixed-width integers and arrays, with no pointers or slices other than
// the guest-memory Pointer32/Pointer64 wrappers in package ptr, which
// are themselves fixed-width integers underneath.
func ReadInto[T any](v *View, va types.VirtAddr, out *T) error {
	size := binary.Size(out)
	if size < 0 {
		return fmt.Errorf("vmem: type is not fixed size, cannot read as Pod")
	}
	buf := make([]byte, size)
	res := v.Read(va, buf)
	if !res.Ok() {
		return res.AsError("virt_read_into")
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, out)
}

// ReadTyped is a convenience wrapper around ReadInto returning the value
// directly instead of taking an output pointer.
func ReadTyped[T any](v *View, va types.VirtAddr) (T, error) {
	var out T
	err := ReadInto(v, va, &out)
	return out, err
}

// Write is the symmetric counterpart to Read, provided for completeness:
// it performs the same split/translate/scatter dance in reverse.
func (v *View) Write(va types.VirtAddr, data []byte) werr.PartialResult[struct{}] {
	if len(data) == 0 {
		return werr.PartialResult[struct{}]{}
	}
	results := v.Translator.TranslateBatch(v.Mem, []translate.Request{{Addr: va, Length: uint64(len(data))}})
	r := results[0]

	var result werr.PartialResult[struct{}]
	for _, f := range r.Failed {
		result.Failed = append(result.Failed, f)
	}
	w, ok := v.Mem.(interface {
		WriteAt(addr types.PhysAddr, data []byte) error
	})
	for _, f := range r.Fragments {
		if !ok {
			result.Failed = append(result.Failed, werr.Fragment{Offset: int(f.Offset), Length: int(f.Length),
				Err: fmt.Errorf("vmem: backing physical memory does not support writes")})
			continue
		}
		if err := w.WriteAt(f.PA, data[f.Offset:f.Offset+f.Length]); err != nil {
			result.Failed = append(result.Failed, werr.Fragment{Offset: int(f.Offset), Length: int(f.Length), Err: err})
		}
	}
	return result
}
