package relax_test

import (
	"testing"

	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/layout"
	"github.com/xyproto/eld/internal/relax"
)

// countingPass reports "changed" for its first n calls, then reports no
// change, so a test can drive Loop to a deterministic convergence point.
type countingPass struct {
	calls     int
	remaining int
}

func (p *countingPass) Name() string { return "counting" }
func (p *countingPass) Run(ctx *relax.Context) (bool, error) {
	p.calls++
	if p.remaining > 0 {
		p.remaining--
		return true, nil
	}
	return false, nil
}

type fakeTarget struct{ passes []relax.Pass }

func (t fakeTarget) Passes() []relax.Pass { return t.passes }

func newContext(t *testing.T) *relax.Context {
	t.Helper()
	store := input.NewStore()
	opts := config.Default()
	sm := layout.NewSectionMap(store, diag.New(nil), opts)
	return &relax.Context{Store: store, SM: sm, Diag: diag.New(nil), Opts: opts}
}

func TestLoopStopsOnceAPassReportsNoChange(t *testing.T) {
	ctx := newContext(t)
	p := &countingPass{remaining: 3}
	if err := relax.Loop(ctx, fakeTarget{[]relax.Pass{p}}); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if p.calls != 4 {
		t.Fatalf("pass ran %d times, want 4 (3 changed + 1 quiet)", p.calls)
	}
}

func TestLoopFailsAfterMaxPassesWithoutConvergence(t *testing.T) {
	ctx := newContext(t)
	p := &countingPass{remaining: relax.MaxPasses + 10}
	err := relax.Loop(ctx, fakeTarget{[]relax.Pass{p}})
	if err == nil {
		t.Fatal("expected an error once MaxPasses is exhausted without a quiet iteration")
	}
}

func TestLoopRunsEveryPassEachIteration(t *testing.T) {
	ctx := newContext(t)
	a := &countingPass{remaining: 1}
	b := &countingPass{remaining: 0}
	if err := relax.Loop(ctx, fakeTarget{[]relax.Pass{a, b}}); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	// a changes on iteration 1, forcing a second iteration; b must run in
	// both, even though it never itself reports a change.
	if a.calls != 2 || b.calls != 2 {
		t.Fatalf("calls = (a=%d, b=%d), want (2, 2)", a.calls, b.calls)
	}
}
