// Package offsets holds the Win32ArchOffsets table: byte offsets into
// Windows kernel structures, parameterized by (Windows build,
// architecture). Build detection itself is an external collaborator —
// this package only stores and looks up the table.
//
// The default table ships as embedded YAML data; callers observing a
// different build register their own entries with Register rather than
// editing Go source.
package offsets

import (
	"embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/win32mem/arch"
	"github.com/tinyrange/win32mem/werr"
)

//go:embed offsets.yaml
var defaultTableYAML embed.FS

// Source records where a Win32ArchOffsets value came from, for diagnostics
// only — no operation branches on it.
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceOverride Source = "override"
)

// Win32ArchOffsets is the read-only-per-image offsets table consumed by
// the process and module walkers.
type Win32ArchOffsets struct {
	PebLdr           uint64 `yaml:"peb_ldr"`
	LdrList          uint64 `yaml:"ldr_list"`
	LdrDataBase      uint64 `yaml:"ldr_data_base"`
	LdrDataSize      uint64 `yaml:"ldr_data_size"`
	LdrDataFullName  uint64 `yaml:"ldr_data_full_name"`
	LdrDataBaseName  uint64 `yaml:"ldr_data_base_name"`

	ActiveProcessLinks uint64 `yaml:"active_process_links"`
	UniqueProcessId    uint64 `yaml:"unique_process_id"`
	ImageFileName      uint64 `yaml:"image_file_name"`
	DirectoryTableBase uint64 `yaml:"directory_table_base"`
	Peb                uint64 `yaml:"peb"`
	Wow64Process       uint64 `yaml:"wow64_process"`
	SectionBaseAddress uint64 `yaml:"section_base_address"`
	ExitStatus         uint64 `yaml:"exit_status"`
	ThreadListHead     uint64 `yaml:"thread_list_head"`

	// ThreadListEntry is ETHREAD.ThreadListEntry's offset, subtracted from
	// ThreadListHead.Flink exactly the way ActiveProcessLinks is subtracted
	// to recover an EPROCESS base. Teb and TebWow64 are ETHREAD-relative
	// offsets to the thread's native and (if WoW64) 32-bit TEB pointers.
	ThreadListEntry uint64 `yaml:"thread_list_entry"`
	Teb             uint64 `yaml:"teb"`
	TebWow64        uint64 `yaml:"teb_wow64"`

	Source Source `yaml:"-"`
}

type key struct {
	build uint32
	arch  arch.Architecture
}

var (
	mu     sync.RWMutex
	tables = map[key]Win32ArchOffsets{}
	loaded bool
)

func loadEmbedded() error {
	data, err := defaultTableYAML.ReadFile("offsets.yaml")
	if err != nil {
		return fmt.Errorf("offsets: read embedded table: %w", err)
	}
	raw := map[string]Win32ArchOffsets{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("offsets: parse embedded table: %w", err)
	}
	for k, v := range raw {
		build, a, err := parseKey(k)
		if err != nil {
			return fmt.Errorf("offsets: embedded table key %q: %w", k, err)
		}
		v.Source = SourceEmbedded
		tables[key{build: build, arch: a}] = v
	}
	return nil
}

func parseKey(s string) (build uint32, a arch.Architecture, err error) {
	buildPart, archPart, ok := strings.Cut(s, "/")
	if !ok || buildPart == "" || archPart == "" {
		return 0, 0, fmt.Errorf("expected \"<build>/<arch>\", got %q", s)
	}
	n, err := strconv.ParseUint(buildPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("build %q is not numeric: %w", buildPart, err)
	}
	switch archPart {
	case "x86":
		a = arch.X86
	case "x86_pae":
		a = arch.X86Pae
	case "x64":
		a = arch.X64
	case "x64_la57":
		a = arch.X64La57
	default:
		return 0, 0, fmt.Errorf("unknown architecture %q", archPart)
	}
	return uint32(n), a, nil
}

func ensureLoaded() {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return
	}
	if err := loadEmbedded(); err != nil {
		// The embedded table is baked in at build time; a failure here
		// means the module itself is broken, not a runtime condition
		// callers can recover from.
		panic(err)
	}
	loaded = true
}

// Register installs (or overrides) the offsets table for a given build and
// architecture. Intended for callers whose build detection (an external
// collaborator) resolved a build not covered by the embedded table, or who
// derived offsets from symbols directly.
func Register(build uint32, a arch.Architecture, o Win32ArchOffsets) {
	ensureLoaded()
	o.Source = SourceOverride
	mu.Lock()
	defer mu.Unlock()
	tables[key{build: build, arch: a}] = o
}

// Lookup returns the offsets table for (build, arch), or
// werr.ErrOffsetsMissing if none is registered.
func Lookup(build uint32, a arch.Architecture) (Win32ArchOffsets, error) {
	ensureLoaded()
	mu.RLock()
	defer mu.RUnlock()
	o, ok := tables[key{build: build, arch: a}]
	if !ok {
		return Win32ArchOffsets{}, werr.New("offsets_lookup", uint64(build), werr.KindInitialization, werr.ErrOffsetsMissing)
	}
	return o, nil
}
