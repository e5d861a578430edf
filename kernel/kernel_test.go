package kernel

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/module"
	"github.com/tinyrange/win32mem/offsets"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/process"
	"github.com/tinyrange/win32mem/translate"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
)

func writeX64Stub(mem *pmem.Dummy, addr types.PhysAddr, kernelHint uint64) {
	page := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(page[0:], uint64(addr))
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(page[0x10+i*8:], 1)
	}
	binary.LittleEndian.PutUint64(page[0x70:], kernelHint)
	mem.WriteAt(addr, page)
}

func TestKernelLifecycle(t *testing.T) {
	mem := pmem.NewDummy(1 << 20)
	writeX64Stub(mem, 0x10000, 0xfffff8045c000000)

	offsets.Register(70000, arch.X64, offsets.Win32ArchOffsets{DirectoryTableBase: 0x28})

	k := New(mem)
	if k.State() != Uninitialized {
		t.Fatalf("expected Uninitialized, got %v", k.State())
	}

	if err := k.Scan(false); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if k.State() != Scanning {
		t.Fatalf("expected Scanning after Scan, got %v", k.State())
	}
	if k.DTB() != 0x10000 {
		t.Fatalf("got dtb 0x%x", k.DTB())
	}
	if k.Architecture() != arch.X64 {
		t.Fatalf("got arch %v", k.Architecture())
	}

	if err := k.Initialize(70000, types.VirtAddr(0xfffff80500000000)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if k.State() != Ready {
		t.Fatalf("expected Ready, got %v", k.State())
	}

	k.Destroy()
	if k.State() != Detached {
		t.Fatalf("expected Detached, got %v", k.State())
	}
	if err := k.Processes(func(process.ProcessInfo) bool { return true }); err == nil {
		t.Fatalf("expected an error operating on a detached kernel")
	}
}

func TestScanRejectsWrongState(t *testing.T) {
	mem := pmem.NewDummy(1 << 20)
	writeX64Stub(mem, 0x10000, 0)
	k := New(mem)
	if err := k.Scan(false); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if err := k.Scan(false); err == nil {
		t.Fatalf("second Scan should fail: kernel is no longer Uninitialized")
	}
}

func TestInitializeRequiresScanning(t *testing.T) {
	mem := pmem.NewDummy(1 << 20)
	k := New(mem)
	if err := k.Initialize(19041, 0); err == nil {
		t.Fatalf("Initialize before Scan should fail")
	}
}

func TestScanFailsWithoutStub(t *testing.T) {
	mem := pmem.NewDummy(1 << 20)
	k := New(mem)
	if err := k.Scan(false); err == nil {
		t.Fatalf("expected discovery failure with no low stub present")
	}
}

// identityTableMapper builds an x64 page table one page at a time, the
// same way process_test.go's identityMapper does, reused here so a
// ProcessHandle test can set up both a process's native and WoW64 module
// lists without going through lowstub discovery.
type identityTableMapper struct {
	mem    *pmem.Dummy
	dtb    types.PhysAddr
	descr  arch.Descriptor
	next   types.PhysAddr
	tables map[string]types.PhysAddr
}

func newIdentityTableMapper(mem *pmem.Dummy) *identityTableMapper {
	d, _ := arch.Lookup(arch.X64)
	m := &identityTableMapper{mem: mem, descr: d, next: 0x100000, tables: map[string]types.PhysAddr{}}
	m.dtb = m.alloc("pml4")
	return m
}

func (m *identityTableMapper) alloc(key string) types.PhysAddr {
	if pa, ok := m.tables[key]; ok {
		return pa
	}
	pa := m.next
	m.next += 0x1000
	m.tables[key] = pa
	return pa
}

func (m *identityTableMapper) writeEntry(table types.PhysAddr, index uint64, next types.PhysAddr) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(next)|1)
	m.mem.WriteAt(table.Add(index*8), buf[:])
}

func (m *identityTableMapper) MapPage(va types.VirtAddr) {
	idx := m.descr.Split(va)
	pdptKey := keyForIdx("pdpt", idx[0])
	pdpt := m.alloc(pdptKey)
	m.writeEntry(m.dtb, idx[0], pdpt)

	pdKey := keyForIdx(pdptKey, idx[1])
	pd := m.alloc(pdKey)
	m.writeEntry(pdpt, idx[1], pd)

	ptKey := keyForIdx(pdKey, idx[2])
	pt := m.alloc(ptKey)
	m.writeEntry(pd, idx[2], pt)

	frame := m.alloc("page/" + keyForIdx(ptKey, idx[3]))
	m.writeEntry(pt, idx[3], frame)
}

func keyForIdx(prefix string, idx uint64) string {
	return prefix + "/" + string(rune('a'+idx%26)) + string(rune('0'+(idx/26)%10))
}

func writeUnicodeStringAt(v *vmem.View, width uint64, base, bufferVA types.VirtAddr, s string) {
	units := utf16.Encode([]rune(s))
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	v.Write(bufferVA, raw)

	header := make([]byte, width*2)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(raw)))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(raw)))
	if width == 4 {
		binary.LittleEndian.PutUint32(header[width:], uint32(bufferVA))
	} else {
		binary.LittleEndian.PutUint64(header[width:], uint64(bufferVA))
	}
	v.Write(base, header)
}

func testKernelOffsets() offsets.Win32ArchOffsets {
	return offsets.Win32ArchOffsets{
		PebLdr:             0x18,
		LdrList:            0x10,
		LdrDataBase:        0x30,
		LdrDataSize:        0x40,
		LdrDataFullName:    0x48,
		LdrDataBaseName:    0x58,
		ActiveProcessLinks: 0x100,
		UniqueProcessId:    0x108,
		ImageFileName:      0x110,
		DirectoryTableBase: 0x120,
		Peb:                0x130,
		Wow64Process:       0x138,
		SectionBaseAddress: 0x140,
		ExitStatus:         0x148,
		ThreadListHead:     0x150,
		ThreadListEntry:    0x10,
		Teb:                0x20,
		TebWow64:           0x28,
	}
}

// TestWoW64ModuleView covers a WoW64 process end to end through the public
// kernel API: ProcArch comes back x86 even though the kernel itself is x64,
// WoW64Modules() returns the 32-bit module list, and Modules() still
// returns the native one — both present on the same ProcessHandle,
// matching the invariant that module_info_wow64 is present iff wow64 != 0.
func TestWoW64ModuleView(t *testing.T) {
	mem := pmem.NewDummy(0x600000)
	mapper := newIdentityTableMapper(mem)
	offs := testKernelOffsets()

	headVA := types.VirtAddr(0x7ffe_0000_0000)
	proc := types.VirtAddr(0x7ffe_0000_1000)
	peb := types.VirtAddr(0x7ffe_0000_2000)
	pebWow64 := types.VirtAddr(0x7ffe_3000)
	ldrNative := types.VirtAddr(0x7ffe_0000_4000)
	ldrWow64 := types.VirtAddr(0x7ffe_5000)
	modNative := types.VirtAddr(0x7ffe_0000_6000)
	modWow64 := types.VirtAddr(0x7ffe_7000)
	nameNative := types.VirtAddr(0x7ffe_0000_8000)
	baseNameNative := types.VirtAddr(0x7ffe_0000_9000)
	nameWow64 := types.VirtAddr(0x7ffe_a000)
	baseNameWow64 := types.VirtAddr(0x7ffe_b000)

	for _, p := range []types.VirtAddr{
		headVA, proc, peb, pebWow64, ldrNative, ldrWow64, modNative, modWow64,
		nameNative, baseNameNative, nameWow64, baseNameWow64,
	} {
		mapper.MapPage(p)
	}

	tr := translate.New(mapper.dtb, mapper.descr)
	v := vmem.New(mem, tr)

	// head.Flink -> proc's ActiveProcessLinks field; single-entry list.
	headBuf := make([]byte, 16)
	binary.LittleEndian.PutUint64(headBuf, uint64(proc.Add(offs.ActiveProcessLinks)))
	v.Write(headVA, headBuf)

	eprocessBuf := make([]byte, 0x160)
	binary.LittleEndian.PutUint64(eprocessBuf[offs.ActiveProcessLinks:], uint64(headVA))
	binary.LittleEndian.PutUint64(eprocessBuf[offs.UniqueProcessId:], 400)
	copy(eprocessBuf[offs.ImageFileName:offs.ImageFileName+15], "wow.exe")
	binary.LittleEndian.PutUint64(eprocessBuf[offs.DirectoryTableBase:], uint64(mapper.dtb))
	binary.LittleEndian.PutUint64(eprocessBuf[offs.Peb:], uint64(peb))
	binary.LittleEndian.PutUint64(eprocessBuf[offs.Wow64Process:], uint64(pebWow64))
	binary.LittleEndian.PutUint64(eprocessBuf[offs.SectionBaseAddress:], 0x400000)
	v.Write(proc, eprocessBuf)

	// Native module list: PEB.Ldr -> ldrNative; single module entry.
	pebBuf := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(pebBuf[offs.PebLdr:], uint64(ldrNative))
	v.Write(peb, pebBuf)

	ldrNativeHeadBuf := make([]byte, 16)
	binary.LittleEndian.PutUint64(ldrNativeHeadBuf, uint64(modNative.Add(offs.LdrList)))
	v.Write(ldrNative.Add(offs.LdrList), ldrNativeHeadBuf)

	modNativeBuf := make([]byte, 0x70)
	binary.LittleEndian.PutUint64(modNativeBuf[offs.LdrList:], uint64(ldrNative.Add(offs.LdrList)))
	binary.LittleEndian.PutUint64(modNativeBuf[offs.LdrDataBase:], 0x400000)
	binary.LittleEndian.PutUint64(modNativeBuf[offs.LdrDataSize:], 0x1000)
	v.Write(modNative, modNativeBuf)
	writeUnicodeStringAt(v, 8, modNative.Add(offs.LdrDataFullName), nameNative, `C:\app\wow.exe`)
	writeUnicodeStringAt(v, 8, modNative.Add(offs.LdrDataBaseName), baseNameNative, "wow.exe")

	// WoW64 module list: PEB32.Ldr -> ldrWow64 (32-bit pointers, 4 bytes).
	pebWow64Buf := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(pebWow64Buf[offs.PebLdr:], uint32(ldrWow64))
	v.Write(pebWow64, pebWow64Buf)

	ldrWow64HeadBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(ldrWow64HeadBuf, uint32(modWow64.Add(offs.LdrList)))
	v.Write(ldrWow64.Add(offs.LdrList), ldrWow64HeadBuf)

	modWow64Buf := make([]byte, 0x70)
	binary.LittleEndian.PutUint32(modWow64Buf[offs.LdrList:], uint32(ldrWow64.Add(offs.LdrList)))
	binary.LittleEndian.PutUint32(modWow64Buf[offs.LdrDataBase:], 0x500000)
	binary.LittleEndian.PutUint32(modWow64Buf[offs.LdrDataSize:], 0x2000)
	v.Write(modWow64, modWow64Buf)
	writeUnicodeStringAt(v, 4, modWow64.Add(offs.LdrDataFullName), nameWow64, `C:\app\wow32\ntdll.dll`)
	writeUnicodeStringAt(v, 4, modWow64.Add(offs.LdrDataBaseName), baseNameWow64, "ntdll.dll")

	k := New(mem)
	k.mu.Lock()
	k.mem = mem
	k.dtb = mapper.dtb
	k.arch = arch.X64
	k.translator = tr
	k.view = v
	k.offs = offs
	k.psHead = headVA
	k.state = Ready
	k.mu.Unlock()

	info, err := k.Process(400)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if info.SysArch != arch.X64 {
		t.Fatalf("sys_arch = %v, want x64", info.SysArch)
	}
	if info.ProcArch != arch.X86 {
		t.Fatalf("proc_arch = %v, want x86", info.ProcArch)
	}
	if !info.IsWow64() {
		t.Fatalf("IsWow64() = false, want true")
	}

	h, err := k.WithKernelRef(info)
	if err != nil {
		t.Fatalf("WithKernelRef: %v", err)
	}
	if h.ModuleInfoNative() == nil {
		t.Fatalf("ModuleInfoNative() = nil, want non-nil")
	}
	if h.ModuleInfoWow64() == nil {
		t.Fatalf("ModuleInfoWow64() = nil, want non-nil: wow64 is set but module_info_wow64 is missing")
	}

	var nativeNames []string
	if err := h.Modules(func(m module.ModuleInfo) bool {
		nativeNames = append(nativeNames, m.BaseName)
		if m.Arch != arch.X64 {
			t.Fatalf("native module arch = %v, want x64", m.Arch)
		}
		return true
	}); err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(nativeNames) != 1 || nativeNames[0] != "wow.exe" {
		t.Fatalf("got native modules %v", nativeNames)
	}

	var wow64Names []string
	if err := h.WoW64Modules(func(m module.ModuleInfo) bool {
		wow64Names = append(wow64Names, m.BaseName)
		if m.Arch != arch.X86 {
			t.Fatalf("wow64 module arch = %v, want x86", m.Arch)
		}
		return true
	}); err != nil {
		t.Fatalf("WoW64Modules: %v", err)
	}
	if len(wow64Names) != 1 || wow64Names[0] != "ntdll.dll" {
		t.Fatalf("got wow64 modules %v", wow64Names)
	}

	main, err := h.MainModule()
	if err != nil {
		t.Fatalf("MainModule: %v", err)
	}
	if main.BaseName != "wow.exe" {
		t.Fatalf("got main module %+v", main)
	}
}
