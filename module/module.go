// Package module implements the PEB_LDR_DATA module list walk: given a
// process's loader data list head (InLoadOrderModuleList), it decodes
// each LDR_DATA_TABLE_ENTRY into a ModuleInfo, including the UTF-16LE
// image names.
package module

import (
	"fmt"
	"unicode/utf16"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/internal/tracebuf"
	"github.com/tinyrange/win32mem/offsets"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
	"github.com/tinyrange/win32mem/werr"
)

// MaxIterCount bounds the module-list walk exactly as process.MaxIterCount
// bounds the process-list walk — both share the same iteration bound.
const MaxIterCount = 65536

// ModuleInfo is one decoded LDR_DATA_TABLE_ENTRY.
type ModuleInfo struct {
	Address       types.VirtAddr // LDR_DATA_TABLE_ENTRY base
	ParentProcess types.PhysAddr // owning EPROCESS, translated to a physical address
	Base          types.VirtAddr // DllBase
	Size          uint64
	FullName      string
	BaseName      string
	Arch          arch.Architecture // the view this module list was walked under: native or WoW64
}

// Win32ModuleListInfo is the reusable handle to one process's module list:
// the virtual address of the list head plus the offsets table used to walk
// it, bundled together so a caller can re-walk the same list later without
// re-resolving it from the PEB.
type Win32ModuleListInfo struct {
	ModuleBase types.VirtAddr
	Offsets    offsets.Win32ArchOffsets
}

func ptrWidth(a arch.Architecture) uint64 {
	if a == arch.X86 || a == arch.X86Pae {
		return 4
	}
	return 8
}

func readPointer(v *vmem.View, va types.VirtAddr, width uint64) (uint64, error) {
	buf := make([]byte, width)
	res := v.Read(va, buf)
	if !res.Ok() {
		return 0, res.AsError("module_read_pointer")
	}
	var val uint64
	for i := uint64(0); i < width; i++ {
		val |= uint64(buf[i]) << (8 * i)
	}
	return val, nil
}

func readUint16(v *vmem.View, va types.VirtAddr) (uint16, error) {
	val, err := readPointer(v, va, 2)
	return uint16(val), err
}

// readUnicodeString decodes a UNICODE_STRING at base: a 2-byte Length
// field (the string's byte length, not including any NUL), followed by a
// 2-byte MaximumLength field, followed (at offset = pointer width, to
// account for the natural alignment pad on 64-bit) by the Buffer pointer.
// Invalid UTF-16 (unpaired surrogates) decodes to U+FFFD per
// unicode/utf16.Decode, never an error — a malformed name is a fact about
// the target, not a reason to fail the whole walk.
func readUnicodeString(v *vmem.View, base types.VirtAddr, width uint64) (string, error) {
	length, err := readUint16(v, base)
	if err != nil {
		return "", fmt.Errorf("read Length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	bufferPtr, err := readPointer(v, base.Add(width), width)
	if err != nil {
		return "", fmt.Errorf("read Buffer: %w", err)
	}
	raw := make([]byte, length)
	res := v.Read(types.VirtAddr(bufferPtr), raw)
	if !res.Ok() {
		return "", fmt.Errorf("read string data: %w", res.AsError("unicode_string"))
	}
	units := make([]uint16, length/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// EntryList walks the module list starting at listHeadVA
// (InLoadOrderModuleList), invoking fn for each decoded entry. parentEProcess
// is the virtual address of the owning EPROCESS; it is translated to a
// physical address once, up front, and stamped onto every decoded
// ModuleInfo, matching info_from_entry's documented (entry, parent_eprocess,
// view) contract. The head is a sentinel LIST_ENTRY embedded in the
// PEB_LDR_DATA, never itself a LDR_DATA_TABLE_ENTRY, and is never
// dereferenced as one — only used to detect wraparound. Termination rules
// mirror process.EntryList: null or misaligned Flink, or a Flink pointing
// back to the head, all end the walk cleanly.
func EntryList(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, listHeadVA types.VirtAddr, parentEProcess types.VirtAddr, fn func(ModuleInfo) bool) error {
	width := ptrWidth(a)
	parentPA, err := v.Translate(parentEProcess)
	if err != nil {
		return werr.New("module_entry_list", uint64(parentEProcess), werr.KindConnector, fmt.Errorf("translate parent_eprocess: %w", err))
	}

	cur := listHeadVA
	for iter := 0; iter < MaxIterCount; iter++ {
		flink, err := readPointer(v, cur, width)
		if err != nil {
			return werr.New("module_entry_list", uint64(cur), werr.KindConnector, err)
		}
		if flink == 0 {
			tracebuf.Eventf("module.walk", tracebuf.KindListWalk, "null flink at %s after %d entries", cur, iter)
			return nil
		}
		if flink&0x7 != 0 {
			tracebuf.Eventf("module.walk", tracebuf.KindListWalk, "misaligned flink 0x%x at %s after %d entries", flink, cur, iter)
			return nil
		}
		entry := types.VirtAddr(flink)
		if entry == listHeadVA {
			return nil
		}

		ldrEntry := entry - types.VirtAddr(offs.LdrList)
		info, err := decodeEntry(v, width, offs, ldrEntry, parentPA, a)
		if err != nil {
			tracebuf.Eventf("module.walk", tracebuf.KindListWalk, "decode failed at %s: %v", ldrEntry, err)
			return werr.New("module_entry_list", uint64(ldrEntry), werr.KindModuleInfo, err)
		}

		if !fn(info) {
			return nil
		}
		cur = entry
	}
	return werr.New("module_entry_list", uint64(listHeadVA), werr.KindOther, fmt.Errorf("exceeded max iteration count %d", MaxIterCount))
}

func decodeEntry(v *vmem.View, width uint64, offs offsets.Win32ArchOffsets, ldrEntry types.VirtAddr, parentPA types.PhysAddr, a arch.Architecture) (ModuleInfo, error) {
	base, err := readPointer(v, ldrEntry.Add(offs.LdrDataBase), width)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read DllBase: %w", err)
	}
	size, err := readPointer(v, ldrEntry.Add(offs.LdrDataSize), width)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read SizeOfImage: %w", err)
	}
	fullName, err := readUnicodeString(v, ldrEntry.Add(offs.LdrDataFullName), width)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read FullDllName: %w", err)
	}
	baseName, err := readUnicodeString(v, ldrEntry.Add(offs.LdrDataBaseName), width)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read BaseDllName: %w", err)
	}
	return ModuleInfo{
		Address:       ldrEntry,
		ParentProcess: parentPA,
		Base:          types.VirtAddr(base),
		Size:          size,
		FullName:      fullName,
		BaseName:      baseName,
		Arch:          a,
	}, nil
}

// FindMain returns the module whose Base equals sectionBase exactly: the
// main module is identified by address equality against
// EPROCESS.SectionBaseAddress, not by its position in the load-order
// list, since the loader is free to reorder entries and position is not
// a stable identifier.
func FindMain(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, listHeadVA, parentEProcess, sectionBase types.VirtAddr) (ModuleInfo, error) {
	var found ModuleInfo
	var ok bool
	err := EntryList(v, a, offs, listHeadVA, parentEProcess, func(m ModuleInfo) bool {
		if m.Base == sectionBase {
			found, ok = m, true
			return false
		}
		return true
	})
	if err != nil {
		return ModuleInfo{}, err
	}
	if !ok {
		return ModuleInfo{}, werr.New("module_find_main", uint64(sectionBase), werr.KindModuleInfo, werr.ErrModuleInfo)
	}
	return found, nil
}

// FindByName returns the first module whose BaseName matches name exactly.
func FindByName(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, listHeadVA, parentEProcess types.VirtAddr, name string) (ModuleInfo, error) {
	var found ModuleInfo
	var ok bool
	err := EntryList(v, a, offs, listHeadVA, parentEProcess, func(m ModuleInfo) bool {
		if m.BaseName == name {
			found, ok = m, true
			return false
		}
		return true
	})
	if err != nil {
		return ModuleInfo{}, err
	}
	if !ok {
		return ModuleInfo{}, werr.New("module_find_by_name", 0, werr.KindModuleInfo, werr.ErrModuleInfo)
	}
	return found, nil
}

// ListHeadFromPEB resolves InLoadOrderModuleList's head address given a
// process's PEB address: PEB.Ldr is a pointer to PEB_LDR_DATA, whose
// InLoadOrderModuleList field (at offs.LdrList) is the list head itself.
func ListHeadFromPEB(v *vmem.View, width uint64, offs offsets.Win32ArchOffsets, peb types.VirtAddr) (types.VirtAddr, error) {
	ldr, err := readPointer(v, peb.Add(offs.PebLdr), width)
	if err != nil {
		return 0, fmt.Errorf("module: read PEB.Ldr: %w", err)
	}
	return types.VirtAddr(ldr).Add(offs.LdrList), nil
}

// ListInfoFromPEB resolves a Win32ModuleListInfo from a process's PEB: the
// same list head ListHeadFromPEB computes, bundled with the offsets table
// used to walk it, so the pair can be stored and re-walked later without
// keeping the PEB address around.
func ListInfoFromPEB(v *vmem.View, width uint64, offs offsets.Win32ArchOffsets, peb types.VirtAddr) (Win32ModuleListInfo, error) {
	head, err := ListHeadFromPEB(v, width, offs, peb)
	if err != nil {
		return Win32ModuleListInfo{}, err
	}
	return Win32ModuleListInfo{ModuleBase: head, Offsets: offs}, nil
}
