package session

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/buildid"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/dynamic"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/relax"
	hexagonrelax "github.com/xyproto/eld/internal/relax/hexagon"
	riscvrelax "github.com/xyproto/eld/internal/relax/riscv"
	"github.com/xyproto/eld/internal/reloc"
	"github.com/xyproto/eld/internal/reloc/hexagon"
	"github.com/xyproto/eld/internal/reloc/riscv"
)

// RunResult is what a completed Run produced: the assembled image bytes
// and the relocation-apply statistics cmd/eld reports on the way out.
type RunResult struct {
	Image      []byte
	Relocation reloc.ApplyStats
}

// Run drives one whole link: load every script, record every input path
// into the reproduce bundle, lay out, relax, relocate, and assemble the
// final image, in the order the rest of this package's methods assume.
//
// It stops at "assemble the image": writing that image to disk as an ELF
// file (section headers, program headers, the string/symbol tables an
// object-file reader would have populated Store with) is cmd/eld's job
// once a real ELF reader exists to populate Store from inputPaths in the
// first place — Run only does what's reachable from a Store some other
// front end already populated, per this package's own scope note.
func (s *Session) Run(scriptPaths, inputPaths []string) (*RunResult, error) {
	for _, path := range scriptPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading script %s: %w", path, err)
		}
		if err := s.RecordInputFile(path); err != nil {
			return nil, err
		}
		if err := s.LoadScript(path, string(data)); err != nil {
			return nil, err
		}
	}

	for _, path := range inputPaths {
		if err := s.RecordInputFile(path); err != nil {
			return nil, err
		}
	}

	var builder *buildid.Builder
	var bidFrag *input.BuildIDFragment
	var bidFragID arena.FragmentId
	if s.Opts.BuildID != config.BuildIDNone {
		b, frag, fragID, err := s.ReserveBuildID()
		if err != nil {
			return nil, err
		}
		builder, bidFrag, bidFragID = b, frag, fragID
	}

	if err := s.Layout(); err != nil {
		return nil, err
	}

	if s.Opts.Relax {
		if target, ok := relaxTargetFor(s.Opts.Machine); ok {
			if err := s.Relax(target, 0, false); err != nil {
				return nil, err
			}
		}
	}

	var stats reloc.ApplyStats
	if relocator, ok := relocatorFor(s.Opts.Machine); ok {
		dyn := dynamic.NewSynth(s.Store, s.SM, s.Opts)
		st, err := s.Relocate(relocator, dyn, 0)
		if err != nil {
			return nil, err
		}
		stats = st
	}

	image := s.AssembleImage()
	if bidFrag != nil {
		if err := s.FinalizeBuildID(builder, bidFrag, bidFragID, image); err != nil {
			return nil, err
		}
	}

	return &RunResult{Image: image, Relocation: stats}, nil
}

// relaxTargetFor returns the relax.Target for machine, if §4.8 defines
// one; debug/elf.EM_RISCV and hexagon.EMHexagon are the only two this
// implementation's relax subpackages cover.
func relaxTargetFor(machine elf.Machine) (relax.Target, bool) {
	switch machine {
	case elf.EM_RISCV:
		return riscvrelax.New(), true
	case hexagon.EMHexagon:
		return hexagonrelax.New(), true
	default:
		return nil, false
	}
}

// relocatorFor returns the reloc.Relocator for machine, if §4.6 defines
// one.
func relocatorFor(machine elf.Machine) (reloc.Relocator, bool) {
	switch machine {
	case elf.EM_RISCV:
		return riscv.New(), true
	case hexagon.EMHexagon:
		return hexagon.New(), true
	default:
		return nil, false
	}
}
