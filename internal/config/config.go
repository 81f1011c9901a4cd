// Package config holds the link session's Options, built from the CLI
// surface described in spec.md §6, plus environment-variable overrides.
//
// The override idiom (an env var named ELD_<OPTION> beats the flag default)
// is grounded directly on the teacher's GetFunctionRepository, which checks
// FLAPC_<FUNCNAME> before falling back to its built-in table. We reuse that
// exact shape with github.com/xyproto/env/v2, the teacher's own dependency.
package config

import (
	"debug/elf"
	"strings"

	"github.com/xyproto/env/v2"
)

// BuildIDMode selects the --build-id algorithm.
type BuildIDMode string

const (
	BuildIDNone BuildIDMode = "none"
	BuildIDFast BuildIDMode = "fast"
	BuildIDMD5  BuildIDMode = "md5"
	BuildIDSHA1 BuildIDMode = "sha1"
	BuildIDUUID BuildIDMode = "uuid"
	BuildIDHex  BuildIDMode = "hex"
)

// HashStyle selects the symbol hash table style(s) to emit.
type HashStyle string

const (
	HashStyleSysV HashStyle = "sysv"
	HashStyleGNU  HashStyle = "gnu"
	HashStyleBoth HashStyle = "both"
)

// ZOption models one -z flag.
type ZOption string

const (
	ZNow          ZOption = "now"
	ZLazy         ZOption = "lazy"
	ZRelro        ZOption = "relro"
	ZNoRelro      ZOption = "norelro"
	ZExecStack    ZOption = "execstack"
	ZNoExecStack  ZOption = "noexecstack"
	ZGlobal       ZOption = "global"
	ZInitFirst    ZOption = "initfirst"
	ZNoDelete     ZOption = "nodelete"
	ZCombReloc    ZOption = "combreloc"
)

// Machine selects the output ELF's e_machine, and in turn which
// internal/reloc.Relocator and internal/dynamic PLT0 template the session
// wires up. debug/elf doesn't define Hexagon's constant, so internal/reloc/
// hexagon.EMHexagon fills that gap the same way its relocation-type
// constants do.
type Machine = elf.Machine

// Options is the parsed, defaulted configuration a LinkerSession runs with.
type Options struct {
	Machine           Machine
	Entry             string
	OutputPath        string
	MapPath           string
	EmitRelocs        bool
	GCSections        bool
	PrintGCSections   bool
	NoUndefined       bool
	Shared            bool
	Static            bool
	ExportDynamic     bool
	DynamicList       []string
	VersionScript     string
	ExternList        []string
	ScriptPaths       []string
	SearchDirs        []string
	Sysroot           string
	Relax             bool
	RISCVRelax        bool
	RISCVGPRelax      bool
	RISCVRelaxToC     bool
	BuildID           BuildIDMode
	BuildIDHex        string
	HashStyle         HashStyle
	ZOptions          []ZOption
	MaxPageSize       uint64
	CommonPageSize    uint64
	NoWarnMismatch    bool
	Threads           int
	Reproduce         string
	ReproduceOnFail   bool
	PrintMemoryUsage  bool
	FatalWarnings     bool
	WarningsAsErrors  bool
	FatalInternalErrs bool
	AllowMultipleDefs bool
	WarnCommon        bool
}

// Default returns an Options with the linker's conventional defaults.
func Default() *Options {
	return &Options{
		Machine:        elf.EM_RISCV,
		BuildID:        BuildIDNone,
		HashStyle:      HashStyleSysV,
		MaxPageSize:    0x1000,
		CommonPageSize: 0x1000,
		Threads:        1,
		Relax:          true,
	}
}

// ApplyEnvOverrides applies ELD_<NAME> environment variables on top of
// whatever the CLI already set, the same way the teacher lets
// FLAPC_<FUNCNAME> override FunctionRepository entries: a set env var
// replaces the option's current value, whether that came from a flag's
// default or from an explicit flag.
//
// Only a handful of options are override-eligible; these are the ones that
// make sense to flip per-environment (CI, sandboxed builds) without editing
// the invoking command line.
func (o *Options) ApplyEnvOverrides() {
	if env.Has("ELD_THREADS") {
		if n := env.Int("ELD_THREADS", o.Threads); n > 0 {
			o.Threads = n
		}
	}
	if v := env.Str("ELD_BUILD_ID", ""); v != "" {
		o.BuildID = BuildIDMode(strings.ToLower(v))
	}
	if v := env.Str("ELD_HASH_STYLE", ""); v != "" {
		o.HashStyle = HashStyle(strings.ToLower(v))
	}
	if env.Bool("ELD_NO_WARN_MISMATCH") {
		o.NoWarnMismatch = true
	}
	if env.Bool("ELD_FATAL_WARNINGS") {
		o.FatalWarnings = true
	}
	if v := env.Str("ELD_SYSROOT", ""); v != "" {
		o.Sysroot = v
	}
}

// HasZ reports whether -z opt was requested.
func (o *Options) HasZ(opt ZOption) bool {
	for _, z := range o.ZOptions {
		if z == opt {
			return true
		}
	}
	return false
}
