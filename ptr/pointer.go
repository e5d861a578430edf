// Package ptr provides typed guest pointers: Pointer32[T] and Pointer64[T],
// the Go equivalent of memflow's phantom-typed Pointer<T>. Go generics
// make the phantom-type trick unnecessary — T is carried as a real,
// zero-sized-at-the-value-level type parameter, so a Pointer32[Foo] and a
// Pointer32[Bar] are distinct types and the compiler rejects dereferencing
// one as the other.
package ptr

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
	"github.com/tinyrange/win32mem/werr"
)

// Pointer32 is a 32-bit guest pointer to a T.
type Pointer32[T any] struct {
	Address uint32
}

// Pointer64 is a 64-bit guest pointer to a T.
type Pointer64[T any] struct {
	Address uint64
}

func elemSize[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// Null32 returns the null Pointer32[T].
func Null32[T any]() Pointer32[T] { return Pointer32[T]{} }

// Null64 returns the null Pointer64[T].
func Null64[T any]() Pointer64[T] { return Pointer64[T]{} }

func (p Pointer32[T]) IsNull() bool { return p.Address == 0 }
func (p Pointer64[T]) IsNull() bool { return p.Address == 0 }

func (p Pointer32[T]) AsU32() uint32     { return p.Address }
func (p Pointer32[T]) AsU64() uint64     { return uint64(p.Address) }
func (p Pointer32[T]) AsUsize() uintptr  { return uintptr(p.Address) }
func (p Pointer32[T]) AsVirtAddr() types.VirtAddr { return types.VirtAddr(p.Address) }

func (p Pointer64[T]) AsU64() uint64     { return p.Address }
func (p Pointer64[T]) AsUsize() uintptr  { return uintptr(p.Address) }
func (p Pointer64[T]) AsVirtAddr() types.VirtAddr { return types.VirtAddr(p.Address) }

// Add returns p advanced by i elements of T, scaled by sizeof(T) and
// saturating rather than overflowing past the 32-bit pointer width.
func (p Pointer32[T]) Add(i int) Pointer32[T] {
	delta := uint64(i) * elemSize[T]()
	sum := uint64(p.Address) + delta
	if sum > 0xFFFFFFFF {
		sum = 0xFFFFFFFF
	}
	return Pointer32[T]{Address: uint32(sum)}
}

// Sub returns p moved back by i elements of T.
func (p Pointer32[T]) Sub(i int) Pointer32[T] {
	delta := uint64(i) * elemSize[T]()
	if delta > uint64(p.Address) {
		return Pointer32[T]{Address: 0}
	}
	return Pointer32[T]{Address: p.Address - uint32(delta)}
}

// At is sugar for Add, used when p is conceptually a pointer to the first
// element of an array: p.At(i) == p.Add(i).
func (p Pointer32[T]) At(i int) Pointer32[T] { return p.Add(i) }

// Add returns p advanced by i elements of T, scaled by sizeof(T).
func (p Pointer64[T]) Add(i int) Pointer64[T] {
	delta := uint64(i) * elemSize[T]()
	return Pointer64[T]{Address: p.Address + delta}
}

func (p Pointer64[T]) Sub(i int) Pointer64[T] {
	delta := uint64(i) * elemSize[T]()
	if delta > p.Address {
		return Pointer64[T]{Address: 0}
	}
	return Pointer64[T]{Address: p.Address - delta}
}

func (p Pointer64[T]) At(i int) Pointer64[T] { return p.Add(i) }

// Deref reads *p from the given view.
func (p Pointer32[T]) Deref(v *vmem.View) (T, error) {
	return vmem.ReadTyped[T](v, p.AsVirtAddr())
}

// DerefInto reads *p from the given view into out.
func (p Pointer32[T]) DerefInto(v *vmem.View, out *T) error {
	return vmem.ReadInto(v, p.AsVirtAddr(), out)
}

// Deref reads *p from the given view.
func (p Pointer64[T]) Deref(v *vmem.View) (T, error) {
	return vmem.ReadTyped[T](v, p.AsVirtAddr())
}

// DerefInto reads *p from the given view into out.
func (p Pointer64[T]) DerefInto(v *vmem.View, out *T) error {
	return vmem.ReadInto(v, p.AsVirtAddr(), out)
}

func (p Pointer32[T]) String() string { return fmt.Sprintf("0x%x", p.Address) }
func (p Pointer64[T]) String() string { return fmt.Sprintf("0x%x", p.Address) }

// From32 builds a Pointer32[T] from a raw address.
func From32[T any](addr uint32) Pointer32[T] { return Pointer32[T]{Address: addr} }

// From64 builds a Pointer64[T] from a raw address.
func From64[T any](addr uint64) Pointer64[T] { return Pointer64[T]{Address: addr} }

// TryFrom32 converts a 64-bit value into a Pointer32[T], failing with
// werr.ErrOutOfBounds if it does not fit in 32 bits.
func TryFrom32[T any](addr uint64) (Pointer32[T], error) {
	if addr > 0xFFFFFFFF {
		return Pointer32[T]{}, werr.New("pointer32_try_from", addr, werr.KindOutOfBounds, werr.ErrOutOfBounds)
	}
	return Pointer32[T]{Address: uint32(addr)}, nil
}

// Array32 is a guest pointer to the first element of a contiguous array of
// T (the Go analogue of memflow's Pointer32<[T]>). Decay converts it to a
// plain element pointer; At indexes directly into the array.
type Array32[T any] struct {
	Address uint32
}

// Decay converts an array pointer into a plain pointer to its first element.
func (p Array32[T]) Decay() Pointer32[T] { return Pointer32[T]{Address: p.Address} }

// At returns a pointer to the i'th element of the array.
func (p Array32[T]) At(i int) Pointer32[T] { return p.Decay().Add(i) }

// Array64 is the 64-bit analogue of Array32.
type Array64[T any] struct {
	Address uint64
}

func (p Array64[T]) Decay() Pointer64[T] { return Pointer64[T]{Address: p.Address} }
func (p Array64[T]) At(i int) Pointer64[T] { return p.Decay().Add(i) }
