// Package kernel ties discovery (lowstub), translation (translate/vmem),
// offsets, and the process/module walkers into one handle: Win32Kernel,
// a state machine running Uninitialized -> Scanning -> Ready -> Detached.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/lowstub"
	"github.com/tinyrange/win32mem/module"
	"github.com/tinyrange/win32mem/offsets"
	"github.com/tinyrange/win32mem/pmem"
	"github.com/tinyrange/win32mem/process"
	"github.com/tinyrange/win32mem/translate"
	"github.com/tinyrange/win32mem/types"
	"github.com/tinyrange/win32mem/vmem"
	"github.com/tinyrange/win32mem/werr"
)

// State is the kernel handle's lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Scanning
	Ready
	Detached
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Scanning:
		return "scanning"
	case Ready:
		return "ready"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Win32Kernel is a connector-bound handle to a live (or image-backed)
// Windows kernel. Its DTB and architecture are fixed the moment it reaches
// Ready and never change afterward; Destroy surrenders its PhysicalMemory
// so a caller holding a cloned Win32Kernel does not observe a connector it
// no longer owns.
type Win32Kernel struct {
	mu sync.Mutex

	state State
	log   *slog.Logger

	mem        pmem.PhysicalMemory
	dtb        types.PhysAddr
	arch       arch.Architecture
	translator translate.Translator
	view       *vmem.View

	build   uint32
	offs    offsets.Win32ArchOffsets
	psHead  types.VirtAddr
}

// New returns an Uninitialized kernel handle over mem. mem is owned by the
// returned handle until Destroy.
func New(mem pmem.PhysicalMemory) *Win32Kernel {
	return &Win32Kernel{mem: mem, log: slog.Default()}
}

// WithLogger overrides the *slog.Logger used for operational messages
// (discovery progress, state transitions). Trace-level list-walk events
// go through internal/tracebuf instead, independent of this logger.
func (k *Win32Kernel) WithLogger(l *slog.Logger) *Win32Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.log = l
	return k
}

// State reports the current lifecycle stage.
func (k *Win32Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Scan performs DTB and architecture discovery by scanning low physical
// memory. la57 should reflect whether the target's CR4.LA57 bit is set —
// the low stub layout for x64 and x64 LA57 is identical, so
// that distinction is made by the caller from a source this module has no
// access to (the CPU control registers), not by Scan itself.
func (k *Win32Kernel) Scan(la57 bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Uninitialized {
		return werr.New("kernel_scan", 0, werr.KindInitialization,
			fmt.Errorf("scan requires state uninitialized, got %s", k.state))
	}
	k.state = Scanning

	sb, err := lowstub.FindInPhysicalMemory(k.mem)
	if err != nil {
		return werr.New("kernel_scan", 0, werr.KindInitialization, err)
	}
	if sb.Arch == arch.X64 && la57 {
		sb.Arch = arch.X64La57
	}

	descriptor, err := arch.Lookup(sb.Arch)
	if err != nil {
		return werr.New("kernel_scan", 0, werr.KindInvalidArchitecture, err)
	}

	k.dtb = sb.DTB
	k.arch = sb.Arch
	k.translator = translate.New(k.dtb, descriptor)
	k.view = vmem.New(k.mem, k.translator)
	k.log.Info("win32 kernel discovered", "arch", k.arch, "dtb", k.dtb, "kernel_hint", sb.KernelHint)
	return nil
}

// Initialize supplies the pieces discovery cannot provide on its own: the
// Windows build number (used to look up the offsets table) and the
// virtual address of PsActiveProcessHead. It transitions Scanning ->
// Ready.
func (k *Win32Kernel) Initialize(build uint32, psActiveProcessHead types.VirtAddr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Scanning {
		return werr.New("kernel_initialize", 0, werr.KindInitialization,
			fmt.Errorf("initialize requires state scanning, got %s", k.state))
	}
	offs, err := offsets.Lookup(build, k.arch)
	if err != nil {
		return werr.New("kernel_initialize", uint64(build), werr.KindInitialization, err)
	}
	k.build = build
	k.offs = offs
	k.psHead = psActiveProcessHead
	k.state = Ready
	k.log.Info("win32 kernel ready", "build", build, "arch", k.arch)
	return nil
}

// Destroy surrenders the kernel's PhysicalMemory and translator, leaving
// it Detached. A Detached kernel answers State() and DTB()/Architecture()
// truthfully but every operation that needs live memory access fails.
func (k *Win32Kernel) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mem = nil
	k.view = nil
	k.state = Detached
}

// DTB returns the kernel's directory table base. Valid once Scanning or
// later; zero while Uninitialized.
func (k *Win32Kernel) DTB() types.PhysAddr {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dtb
}

// Architecture returns the kernel's paging mode.
func (k *Win32Kernel) Architecture() arch.Architecture {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.arch
}

// Offsets returns the Win32ArchOffsets table this kernel resolved at
// Initialize.
func (k *Win32Kernel) Offsets() offsets.Win32ArchOffsets {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.offs
}

func (k *Win32Kernel) requireReady(op string) (*vmem.View, arch.Architecture, offsets.Win32ArchOffsets, types.VirtAddr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != Ready {
		return nil, 0, offsets.Win32ArchOffsets{}, 0, werr.New(op, 0, werr.KindInitialization,
			fmt.Errorf("requires state ready, got %s", k.state))
	}
	return k.view, k.arch, k.offs, k.psHead, nil
}

// Processes walks the live EPROCESS list, invoking fn for each process.
// See process.EntryList for the early-stop and termination contract.
func (k *Win32Kernel) Processes(fn func(process.ProcessInfo) bool) error {
	v, a, offs, head, err := k.requireReady("kernel_processes")
	if err != nil {
		return err
	}
	return process.EntryList(v, a, offs, head, fn)
}

// Process looks up a single process by PID.
func (k *Win32Kernel) Process(pid uint64) (process.ProcessInfo, error) {
	v, a, offs, head, err := k.requireReady("kernel_process")
	if err != nil {
		return process.ProcessInfo{}, err
	}
	return process.FindByPID(v, a, offs, head, pid)
}

// ProcessByName looks up a single process by its ImageFileName.
func (k *Win32Kernel) ProcessByName(name string) (process.ProcessInfo, error) {
	v, a, offs, head, err := k.requireReady("kernel_process_by_name")
	if err != nil {
		return process.ProcessInfo{}, err
	}
	return process.FindByName(v, a, offs, head, name)
}

// WithKernel builds a ProcessHandle with its own Translator bound to the
// process's DTB. The handle holds the same PhysicalMemory value as the
// kernel; the connector is not cloned. Because the handle keeps its own
// reference, it still reads after k.Destroy. Its Shared reports false;
// see WithKernelRef for the variant whose Shared reports true.
func (k *Win32Kernel) WithKernel(info process.ProcessInfo) (*ProcessHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	descriptor, _ := arch.Lookup(k.arch)
	t := translate.New(info.DirectoryTableBase, descriptor)
	return buildProcessHandle(k.mem, t, k.arch, k.offs, info, false)
}

// WithKernelRef builds a ProcessHandle the same way WithKernel does, except
// that its Shared reports true. The handle holds the kernel's
// PhysicalMemory value, so Destroy on k does not invalidate it.
func (k *Win32Kernel) WithKernelRef(info process.ProcessInfo) (*ProcessHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	descriptor, _ := arch.Lookup(k.arch)
	t := translate.New(info.DirectoryTableBase, descriptor)
	return buildProcessHandle(k.mem, t, k.arch, k.offs, info, true)
}

// buildProcessHandle resolves both of a process's Win32ModuleListInfo
// values up front, per the invariant that moduleInfoWow64 is present iff
// the process is WoW64: a null PEB (the process has exited its address
// space, or is not WoW64) leaves the corresponding field nil rather than
// erroring; a non-null PEB that fails to resolve is a real failure and is
// surfaced as one.
func buildProcessHandle(mem pmem.PhysicalMemory, t translate.Translator, a arch.Architecture, offs offsets.Win32ArchOffsets, info process.ProcessInfo, shared bool) (*ProcessHandle, error) {
	view := vmem.New(mem, t)
	h := &ProcessHandle{
		mem:    mem,
		view:   view,
		arch:   a,
		offs:   offs,
		info:   info,
		shared: shared,
	}

	if !info.Peb.IsNull() {
		native, err := module.ListInfoFromPEB(view, ptrWidth(a), offs, info.Peb)
		if err != nil {
			return nil, werr.New("kernel_build_process_handle", uint64(info.Peb), werr.KindModuleInfo, err)
		}
		h.moduleInfoNative = &native
	}
	if !info.Wow64.IsNull() {
		wow, err := module.ListInfoFromPEB(view, 4, offs, info.Wow64Peb)
		if err != nil {
			return nil, werr.New("kernel_build_process_handle", uint64(info.Wow64Peb), werr.KindModuleInfo, err)
		}
		h.moduleInfoWow64 = &wow
	}
	return h, nil
}

// ProcessHandle is a process-scoped view: its own Translator (bound to the
// process's own DTB, not the kernel's), used to walk that process's module
// list and read its address space.
type ProcessHandle struct {
	mem    pmem.PhysicalMemory
	view   *vmem.View
	arch   arch.Architecture
	offs   offsets.Win32ArchOffsets
	info   process.ProcessInfo
	shared bool

	moduleInfoNative *module.Win32ModuleListInfo
	moduleInfoWow64  *module.Win32ModuleListInfo
}

// ModuleInfoNative returns the process's native Win32ModuleListInfo, or nil
// if the process has no PEB (exited or not yet initialized).
func (h *ProcessHandle) ModuleInfoNative() *module.Win32ModuleListInfo { return h.moduleInfoNative }

// ModuleInfoWow64 returns the process's 32-bit Win32ModuleListInfo, or nil
// if the process is not WoW64. Present iff Info().IsWow64().
func (h *ProcessHandle) ModuleInfoWow64() *module.Win32ModuleListInfo { return h.moduleInfoWow64 }

// Info returns the ProcessInfo this handle was built from.
func (h *ProcessHandle) Info() process.ProcessInfo { return h.info }

// Shared reports whether this handle was built via WithKernelRef (true) or
// WithKernel (false). Both kinds hold the kernel's PhysicalMemory value
// without cloning it, and the flag does not change how the handle reads.
func (h *ProcessHandle) Shared() bool { return h.shared }

func ptrWidth(a arch.Architecture) uint64 {
	if a == arch.X86 || a == arch.X86Pae {
		return 4
	}
	return 8
}

// Modules walks the process's native module list (its own PEB, not a
// WoW64 one), invoking fn for each module.
func (h *ProcessHandle) Modules(fn func(module.ModuleInfo) bool) error {
	if h.moduleInfoNative == nil {
		return werr.New("process_modules", 0, werr.KindModuleInfo,
			fmt.Errorf("process has no PEB (exited or not yet initialized)"))
	}
	return module.EntryList(h.view, h.arch, h.moduleInfoNative.Offsets, h.moduleInfoNative.ModuleBase, h.info.Address, fn)
}

// WoW64Modules walks the process's 32-bit module list, failing with
// werr.ErrModuleInfo if the process is not WoW64: this view only exists
// when Wow64Peb is set.
func (h *ProcessHandle) WoW64Modules(fn func(module.ModuleInfo) bool) error {
	if h.moduleInfoWow64 == nil {
		return werr.New("process_wow64_modules", 0, werr.KindModuleInfo,
			fmt.Errorf("process is not wow64: %w", werr.ErrModuleInfo))
	}
	return module.EntryList(h.view, arch.X86, h.moduleInfoWow64.Offsets, h.moduleInfoWow64.ModuleBase, h.info.Address, fn)
}

// MainModule returns the process's primary module, matched by exact
// address equality against SectionBaseAddress (see module.FindMain).
func (h *ProcessHandle) MainModule() (module.ModuleInfo, error) {
	if h.moduleInfoNative == nil {
		return module.ModuleInfo{}, werr.New("process_main_module", 0, werr.KindModuleInfo,
			fmt.Errorf("process has no PEB"))
	}
	return module.FindMain(h.view, h.arch, h.moduleInfoNative.Offsets, h.moduleInfoNative.ModuleBase, h.info.Address, h.info.SectionBase)
}

// View exposes the process-scoped virtual memory view directly, for
// reading arbitrary process memory beyond the module list.
func (h *ProcessHandle) View() *vmem.View { return h.view }
