// Package process implements the EPROCESS doubly-linked list walk: given
// a virtual view, the dynamic field offsets for the kernel build in
// question, and the virtual address of PsActiveProcessHead, it produces
// one ProcessInfo per running process.
//
// Resolving PsActiveProcessHead itself is left to the caller: this module
// never parses ntoskrnl.exe's export table or a symbol store, since doing
// so is a job for an external collaborator, not this package. A caller
// typically gets the address from a symbol store lookup or a hard-coded
// per-build constant, exactly as it resolves the DTB externally before
// calling into lowstub.
package process

import (
	"fmt"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/internal/tracebuf"
	"github.com/tinyrange/win32mem/offsets"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
	"github.com/tinyrange/win32mem/werr"
)

// MaxIterCount bounds every linked-list walk in this package: a corrupted
// or adversarial list can never force an unbounded loop.
const MaxIterCount = 65536

// ProcessInfo is one entry of the EPROCESS list, decoded according to the
// caller-supplied Win32ArchOffsets.
type ProcessInfo struct {
	Address            types.VirtAddr // EPROCESS base
	PID                uint64
	ImageFileName      string
	SysArch            arch.Architecture // the kernel's own architecture
	ProcArch           arch.Architecture // this process's architecture: x86 under WoW64, else SysArch
	DirectoryTableBase types.PhysAddr
	SectionBase        types.VirtAddr
	ExitStatus         uint32
	EThread            types.VirtAddr // first entry of the ETHREAD list, zero if the list is empty
	Wow64              types.VirtAddr // raw EPROCESS.WoW64Process value; null iff the process is not WoW64
	Peb                types.VirtAddr // native PEB, zero if the process has exited its address space
	Wow64Peb           types.VirtAddr // PEB32, zero when the process is not WoW64
	Teb                types.VirtAddr // native TEB of EThread, zero if EThread is zero
	TebWow64           types.VirtAddr // 32-bit TEB of EThread, zero when the process is not WoW64
}

// IsWow64 reports whether the process has a 32-bit view: a process is
// WoW64 iff its Wow64Process/Wow64 field is nonzero.
func (p ProcessInfo) IsWow64() bool { return !p.Wow64Peb.IsNull() }

// deriveProcArch implements the proc_arch rule: a process running under
// WoW64 on an x64 kernel presents a 32-bit view to itself regardless of
// what the kernel's own architecture is; every other process matches the
// kernel.
func deriveProcArch(sysArch arch.Architecture, wow64 types.VirtAddr) arch.Architecture {
	if !wow64.IsNull() && sysArch == arch.X64 {
		return arch.X86
	}
	return sysArch
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
		return 0, res.AsError("process_read_pointer")
	}
	var val uint64
	for i := uint64(0); i < width; i++ {
		val |= uint64(buf[i]) << (8 * i)
	}
	return val, nil
}

func readUint32(v *vmem.View, va types.VirtAddr) (uint32, error) {
	val, err := readPointer(v, va, 4)
	return uint32(val), err
}

// sanitizeImageFileName trims the trailing NULs from EPROCESS.ImageFileName
// (a fixed 15-byte, not-necessarily-terminated buffer) and rejects it if
// any remaining byte is not printable ASCII, which is a reliable signal
// the list walk landed on a bogus or already-freed entry.
func sanitizeImageFileName(raw []byte) (string, bool) {
	n := len(raw)
	for n > 0 && raw[n-1] == 0 {
		n--
	}
	for _, b := range raw[:n] {
		if b < 0x20 || b > 0x7e {
			return "", false
		}
	}
	return string(raw[:n]), true
}

// EntryList walks the EPROCESS list starting at headVA
// (PsActiveProcessHead), invoking fn for each decoded entry. Returning
// false from fn stops the walk early without error. The walk itself
// terminates cleanly (no error) when it reaches the head again, a null
// Flink, or a misaligned Flink (low 3 bits set — a LIST_ENTRY pointer is
// always at least 8-byte aligned, so a misaligned value can only be
// corruption or the marker some kernel builds leave at list end). None of
// the three is surfaced as an error; the null and misaligned cases are
// logged at trace level, so the observed bits are recorded rather than
// guessed at.
func EntryList(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, headVA types.VirtAddr, fn func(ProcessInfo) bool) error {
	width := ptrWidth(a)
	cur := headVA
	for iter := 0; iter < MaxIterCount; iter++ {
		flink, err := readPointer(v, cur, width)
		if err != nil {
			return werr.New("process_entry_list", uint64(cur), werr.KindConnector, err)
		}
		if flink == 0 {
			tracebuf.Eventf("process.walk", tracebuf.KindListWalk, "null flink at %s after %d entries", cur, iter)
			return nil
		}
		if flink&0x7 != 0 {
			tracebuf.Eventf("process.walk", tracebuf.KindListWalk, "misaligned flink 0x%x at %s after %d entries", flink, cur, iter)
			return nil
		}
		entry := types.VirtAddr(flink)
		if entry == headVA {
			return nil
		}

		// entry is the address of the next process's ActiveProcessLinks
		// field itself, not the EPROCESS base.
		eprocess := entry - types.VirtAddr(offs.ActiveProcessLinks)

		info, err := decodeEntry(v, a, width, offs, eprocess)
		if err != nil {
			tracebuf.Eventf("process.walk", tracebuf.KindListWalk, "decode failed at %s: %v", eprocess, err)
			return werr.New("process_entry_list", uint64(eprocess), werr.KindModuleInfo, err)
		}

		if !fn(info) {
			return nil
		}
		cur = entry
	}
	return werr.New("process_entry_list", uint64(headVA), werr.KindOther, fmt.Errorf("exceeded max iteration count %d", MaxIterCount))
}

// decodeEThread resolves the first entry of eprocess's ETHREAD list and,
// from it, the thread's native and (if WoW64) 32-bit TEB. An empty list
// (head's Flink points back at itself, or is null or misaligned) is not an
// error: it yields an all-zero result, mirroring EntryList's own treatment
// of those same conditions.
func decodeEThread(v *vmem.View, width uint64, offs offsets.Win32ArchOffsets, eprocess types.VirtAddr) (ethread, teb, tebWow64 types.VirtAddr, err error) {
	head := eprocess.Add(offs.ThreadListHead)
	flink, err := readPointer(v, head, width)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read thread_list_head: %w", err)
	}
	if flink == 0 || flink&0x7 != 0 || types.VirtAddr(flink) == head {
		return 0, 0, 0, nil
	}

	ethread = types.VirtAddr(flink) - types.VirtAddr(offs.ThreadListEntry)

	teb64, err := readPointer(v, ethread.Add(offs.Teb), width)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read teb: %w", err)
	}
	tebWow6464, err := readPointer(v, ethread.Add(offs.TebWow64), width)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read teb_wow64: %w", err)
	}
	return ethread, types.VirtAddr(teb64), types.VirtAddr(tebWow6464), nil
}

func decodeEntry(v *vmem.View, sysArch arch.Architecture, width uint64, offs offsets.Win32ArchOffsets, eprocess types.VirtAddr) (ProcessInfo, error) {
	pid, err := readPointer(v, eprocess.Add(offs.UniqueProcessId), width)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read unique_process_id: %w", err)
	}

	nameBuf := make([]byte, 15)
	res := v.Read(eprocess.Add(offs.ImageFileName), nameBuf)
	if !res.Ok() {
		return ProcessInfo{}, fmt.Errorf("read image_file_name: %w", res.AsError("image_file_name"))
	}
	name, ok := sanitizeImageFileName(nameBuf)
	if !ok {
		return ProcessInfo{}, fmt.Errorf("image_file_name not printable ASCII")
	}

	dtb, err := readPointer(v, eprocess.Add(offs.DirectoryTableBase), width)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read directory_table_base: %w", err)
	}

	sectionBase, err := readPointer(v, eprocess.Add(offs.SectionBaseAddress), width)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read section_base_address: %w", err)
	}

	exitStatus, err := readUint32(v, eprocess.Add(offs.ExitStatus))
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read exit_status: %w", err)
	}

	peb, err := readPointer(v, eprocess.Add(offs.Peb), width)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read peb: %w", err)
	}

	wow64, err := readPointer(v, eprocess.Add(offs.Wow64Process), width)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("read wow64_process: %w", err)
	}

	ethread, teb, tebWow64, err := decodeEThread(v, width, offs, eprocess)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("decode ethread: %w", err)
	}
	if wow64 == 0 {
		tebWow64 = 0
	}

	return ProcessInfo{
		Address:            eprocess,
		PID:                pid,
		ImageFileName:      name,
		SysArch:            sysArch,
		ProcArch:           deriveProcArch(sysArch, types.VirtAddr(wow64)),
		DirectoryTableBase: types.PhysAddr(dtb),
		SectionBase:        types.VirtAddr(sectionBase),
		ExitStatus:         exitStatus,
		EThread:            ethread,
		Wow64:              types.VirtAddr(wow64),
		Peb:                types.VirtAddr(peb),
		Wow64Peb:           types.VirtAddr(wow64),
		Teb:                teb,
		TebWow64:           tebWow64,
	}, nil
}

// FindByPID walks the list looking for pid, stopping as soon as it is
// found.
func FindByPID(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, headVA types.VirtAddr, pid uint64) (ProcessInfo, error) {
	var found ProcessInfo
	var ok bool
	err := EntryList(v, a, offs, headVA, func(p ProcessInfo) bool {
		if p.PID == pid {
			found, ok = p, true
			return false
		}
		return true
	})
	if err != nil {
		return ProcessInfo{}, err
	}
	if !ok {
		return ProcessInfo{}, werr.New("process_find_by_pid", pid, werr.KindModuleInfo, werr.ErrModuleInfo)
	}
	return found, nil
}

// FindByName is the name-keyed equivalent of FindByPID, matching
// ImageFileName exactly.
func FindByName(v *vmem.View, a arch.Architecture, offs offsets.Win32ArchOffsets, headVA types.VirtAddr, name string) (ProcessInfo, error) {
	var found ProcessInfo
	var ok bool
	err := EntryList(v, a, offs, headVA, func(p ProcessInfo) bool {
		if p.ImageFileName == name {
			found, ok = p, true
			return false
		}
		return true
	})
	if err != nil {
		return ProcessInfo{}, err
	}
	if !ok {
		return ProcessInfo{}, werr.New("process_find_by_name", 0, werr.KindModuleInfo, werr.ErrModuleInfo)
	}
	return found, nil
}
