// Command eld is the thin CLI front end over internal/session: it parses
// the flags named in spec §6, builds a *config.Options, and hands the
// whole link to session.Run. Every actual link decision — script
// evaluation, layout, relaxation, relocation — stays in the core
// packages; main.go only owns argv, exit codes, and where the finished
// image and reproduce tarball land on disk.
package main

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/reloc/hexagon"
	"github.com/xyproto/eld/internal/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "eld:", err)
		os.Exit(1)
	}
}

// cliFlags mirrors config.Options field-for-field for the handful of
// fields the CLI populates through a flag type pflag doesn't have a
// native equivalent of (machine name, -z's repeatable enum, the
// dynamic-list/extern-list files' contents).
type cliFlags struct {
	machine         string
	buildID         string
	hashStyle       string
	zOpts           []string
	scripts         []string
	searchDirs      []string
	dynamicListFile string
	externListFile  string
}

func newRootCmd() *cobra.Command {
	opts := config.Default()
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "eld [flags] input...",
		Short: "a from-scratch ELF linker core for RISC-V and Hexagon",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(opts, &f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&opts.Entry, "entry", "", "entry point symbol")
	fl.StringVar(&opts.MapPath, "Map", "", "write a map file to this path")
	fl.BoolVar(&opts.EmitRelocs, "emit-relocs", false, "keep relocations in the output")
	fl.BoolVar(&opts.GCSections, "gc-sections", false, "discard unreferenced sections")
	fl.BoolVar(&opts.PrintGCSections, "print-gc-sections", false, "list sections gc-sections discarded")
	fl.BoolVar(&opts.NoUndefined, "no-undefined", false, "make an undefined reference fatal")
	fl.BoolVar(&opts.Shared, "shared", false, "build a shared object")
	fl.BoolVar(&opts.Static, "static", false, "disallow shared libraries in the link")
	fl.BoolVar(&opts.ExportDynamic, "export-dynamic", false, "add all global symbols to the dynamic table")
	fl.StringVar(&f.dynamicListFile, "dynamic-list", "", "file of symbol names to force-export dynamically")
	fl.StringVar(&opts.VersionScript, "version-script", "", "apply a version script")
	fl.StringVar(&f.externListFile, "extern-list", "", "file of symbol names to keep alive as if referenced")
	fl.StringArrayVarP(&f.scripts, "script", "T", nil, "read a linker script (repeatable)")
	fl.StringArrayVarP(&f.searchDirs, "library-path", "L", nil, "add a library search directory (repeatable)")
	fl.StringVar(&opts.Sysroot, "sysroot", "", "prepend this to absolute library search paths")
	fl.BoolVar(&opts.Relax, "relax", true, "enable target-specific relaxation")
	fl.BoolVar(&opts.RISCVRelax, "riscv-relax", false, "enable RISC-V call/TLS relaxation")
	fl.BoolVar(&opts.RISCVGPRelax, "riscv-gprelax", false, "enable RISC-V GP-relative relaxation")
	fl.BoolVar(&opts.RISCVRelaxToC, "riscv-relax-to-c", false, "allow relaxation into compressed encodings")
	fl.StringVar(&f.buildID, "build-id", "", "none|fast|md5|sha1|uuid|0xHEX")
	fl.Lookup("build-id").NoOptDefVal = "sha1"
	fl.StringVar(&f.hashStyle, "hash-style", string(opts.HashStyle), "sysv|gnu|both")
	fl.StringArrayVarP(&f.zOpts, "z", "z", nil, "-z now|lazy|relro|norelro|execstack|noexecstack|global|initfirst|nodelete|combreloc")
	fl.Uint64Var(&opts.MaxPageSize, "max-page-size", opts.MaxPageSize, "largest page size the output is laid out for")
	fl.Uint64Var(&opts.CommonPageSize, "common-page-size", opts.CommonPageSize, "page size common-symbol bucketing assumes")
	fl.BoolVar(&opts.NoWarnMismatch, "no-warn-mismatch", false, "don't diagnose conflicting section flags")
	fl.IntVar(&opts.Threads, "threads", opts.Threads, "worker pool size for parallel steps")
	fl.StringVar(&opts.Reproduce, "reproduce", "", "write a tar archive of every input consumed")
	fl.Lookup("reproduce").NoOptDefVal = "eld-reproduce.tar"
	fl.BoolVar(&opts.ReproduceOnFail, "reproduce-on-fail", false, "only write --reproduce's archive if the link fails")
	fl.BoolVar(&opts.PrintMemoryUsage, "print-memory-usage", false, "report MEMORY region occupancy")
	fl.BoolVar(&opts.FatalWarnings, "fatal-warnings", false, "treat warnings as fatal")
	fl.BoolVar(&opts.WarningsAsErrors, "warnings-as-errors", false, "promote warnings to non-fatal errors")
	fl.BoolVar(&opts.FatalInternalErrs, "fatal-internal-errors", false, "abort on an internal-error diagnostic")
	fl.BoolVar(&opts.AllowMultipleDefs, "allow-multiple-definition", false, "don't diagnose a repeated strong definition")
	fl.BoolVar(&opts.WarnCommon, "warn-common", false, "diagnose a common-symbol size collision")
	fl.StringVar(&f.machine, "machine", "riscv", "riscv|hexagon (target e_machine; not part of the upstream flag surface)")
	fl.StringVarP(&opts.OutputPath, "output", "o", "a.out", "output file path")

	return cmd
}

func runLink(opts *config.Options, f *cliFlags, inputPaths []string) error {
	switch strings.ToLower(f.machine) {
	case "", "riscv", "riscv64":
		opts.Machine = elf.EM_RISCV
	case "hexagon":
		opts.Machine = hexagon.EMHexagon
	default:
		return fmt.Errorf("unknown --machine %q (want riscv or hexagon)", f.machine)
	}
	if f.buildID != "" {
		v := strings.ToLower(f.buildID)
		if strings.HasPrefix(v, "0x") {
			opts.BuildID = config.BuildIDHex
			opts.BuildIDHex = v[2:]
		} else {
			opts.BuildID = config.BuildIDMode(v)
		}
	}
	if f.hashStyle != "" {
		opts.HashStyle = config.HashStyle(strings.ToLower(f.hashStyle))
	}
	opts.ScriptPaths = f.scripts
	opts.SearchDirs = f.searchDirs
	if err := applyZOptions(opts, f.zOpts); err != nil {
		return err
	}
	if f.dynamicListFile != "" {
		names, err := readSymbolListFile(f.dynamicListFile)
		if err != nil {
			return err
		}
		opts.DynamicList = names
	}
	if f.externListFile != "" {
		names, err := readSymbolListFile(f.externListFile)
		if err != nil {
			return err
		}
		opts.ExternList = names
	}

	opts.ApplyEnvOverrides()

	logger, logCleanup := newLogger(opts)
	defer logCleanup()
	d := diag.New(logger)
	if opts.FatalWarnings || opts.WarningsAsErrors {
		d.PromoteWarnings(opts.FatalWarnings)
	}

	sess := session.New(opts, d)

	result, runErr := sess.Run(opts.ScriptPaths, inputPaths)
	failed := runErr != nil || d.Fatal() || d.Count(diag.Error) > 0

	for _, entry := range d.Entries() {
		fmt.Fprintln(os.Stderr, entry.Format())
	}

	if repErr := sess.FinalizeReproduce(failed); repErr != nil {
		fmt.Fprintln(os.Stderr, "eld: reproduce:", repErr)
	}

	if runErr != nil {
		return runErr
	}
	if failed {
		return fmt.Errorf("link failed with %d error(s)", d.Count(diag.Error))
	}

	if err := os.WriteFile(opts.OutputPath, result.Image, 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", opts.OutputPath, err)
	}
	if opts.PrintMemoryUsage {
		for name, region := range sess.SM.Regions {
			used := region.Cursor - region.Origin
			fmt.Fprintf(os.Stderr, "%-10s %8d/%-8d bytes used\n", name, used, region.Length)
		}
	}
	return nil
}

// newLogger builds the slog.Logger diag.Engine streams every diagnostic
// through: a text handler to stderr always, fanned out (via slog-multi)
// to a second JSON handler writing alongside the reproduce tarball when
// --reproduce is active, so a bundle handed to someone else comes with a
// structured record of what the link reported, not just the files it read.
func newLogger(opts *config.Options) (*slog.Logger, func()) {
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, nil)}
	cleanup := func() {}

	if opts.Reproduce != "" {
		logPath := strings.TrimSuffix(opts.Reproduce, ".tar") + ".log.json"
		if f, err := os.Create(logPath); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, nil))
			cleanup = func() { f.Close() }
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), cleanup
}

func applyZOptions(opts *config.Options, raw []string) error {
	for _, z := range raw {
		zo := config.ZOption(strings.ToLower(z))
		switch zo {
		case config.ZNow, config.ZLazy, config.ZRelro, config.ZNoRelro,
			config.ZExecStack, config.ZNoExecStack, config.ZGlobal,
			config.ZInitFirst, config.ZNoDelete, config.ZCombReloc:
			opts.ZOptions = append(opts.ZOptions, zo)
		default:
			return fmt.Errorf("unknown -z option %q", z)
		}
	}
	return nil
}

// readSymbolListFile reads a --dynamic-list/--extern-list style file: one
// symbol name per (whitespace-trimmed, ';'-comment-stripped) line, the
// common subset every ld-compatible consumer of this flag accepts.
func readSymbolListFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(strings.Trim(line, ",{}"))
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}
