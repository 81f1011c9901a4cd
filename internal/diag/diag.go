// Package diag implements the linker's diagnostics sink: a two-severity
// (non-fatal / fatal) error model that keeps going after a non-fatal error
// so the user sees as many problems as possible in one run, and flips a
// sticky flag on the first fatal one so every later phase can bail out at
// its next natural boundary.
//
// Message formatting (source line plus a caret pointing at the offending
// column) is grounded on the teacher's Parser.formatError.
package diag

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Severity distinguishes a recorded-and-continued problem from one that
// aborts the link.
type Severity int

const (
	// Warning is recorded and link keeps going, unless --fatal-warnings
	// promotes it (see Engine.PromoteWarnings).
	Warning Severity = iota
	// Error is non-fatal by default: the link is doomed to fail but the
	// engine keeps parsing/resolving to surface further problems.
	Error
	// Fatal aborts the link at the next phase boundary.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal error"
	default:
		return "diagnostic"
	}
}

// Category groups diagnostics per §7 of the specification, so callers and
// tests can assert on the kind of problem rather than string-matching
// messages.
type Category string

const (
	CategoryScriptSyntax Category = "script-syntax"
	CategoryInput        Category = "input"
	CategoryResolution   Category = "resolution"
	CategoryLayout       Category = "layout"
	CategoryRelocation   Category = "relocation"
	CategoryRelaxation   Category = "relaxation"
	CategoryPlugin       Category = "plugin"
	CategoryBuildID      Category = "build-id"
)

// Location pinpoints a diagnostic in a script or object input.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" {
		return ""
	}
	if l.Line == 0 {
		return l.File
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Diagnostic is one recorded problem.
type Diagnostic struct {
	Severity Severity
	Category Category
	Loc      Location
	Message  string
	Source   string // the full source line, for caret rendering
}

// Format renders the diagnostic the way the teacher's Parser.formatError
// does: location, message, then the source line with a caret under it.
func (d Diagnostic) Format() string {
	var b strings.Builder
	if loc := d.Loc.String(); loc != "" {
		fmt.Fprintf(&b, "%s: %s: %s", loc, d.Severity, d.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s", d.Severity, d.Message)
	}
	if d.Source != "" {
		col := d.Loc.Column
		if col < 0 {
			col = 0
		}
		if col > len(d.Source) {
			col = len(d.Source)
		}
		b.WriteByte('\n')
		b.WriteString(d.Source)
		b.WriteByte('\n')
		b.WriteString(strings.Repeat(" ", col))
		b.WriteByte('^')
	}
	return b.String()
}

// Engine accumulates diagnostics. It is safe for concurrent use: every
// parallel step in §5 may call Report from multiple goroutines, but
// emission (and the fatal flag) is serialized behind a single mutex.
type Engine struct {
	mu               sync.Mutex
	entries          []Diagnostic
	fatalSeen        bool
	promoteWarnings  bool // --fatal-warnings
	warningsAsErrors bool // --warnings-as-errors
	log              *slog.Logger
}

// New creates an Engine. log may be nil, in which case diagnostics are only
// kept in-memory (useful for tests); a non-nil logger additionally streams
// every entry through slog, which is how cmd/eld wires stderr + an optional
// structured sink via slog-multi.
func New(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// PromoteWarnings makes every future Warning behave like an Error
// (--fatal-warnings / --warnings-as-errors).
func (e *Engine) PromoteWarnings(fatal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.promoteWarnings = fatal
	e.warningsAsErrors = !fatal
}

// Report records a diagnostic. Fatal severities flip the sticky Fatal()
// flag; everything else is recorded and execution continues.
func (e *Engine) Report(d Diagnostic) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d.Severity == Warning && (e.promoteWarnings || e.warningsAsErrors) {
		d.Severity = Error
	}
	e.entries = append(e.entries, d)
	if d.Severity == Fatal {
		e.fatalSeen = true
	}
	if e.log != nil {
		switch d.Severity {
		case Warning:
			e.log.Warn(d.Message, "category", d.Category, "loc", d.Loc.String())
		case Error:
			e.log.Error(d.Message, "category", d.Category, "loc", d.Loc.String())
		case Fatal:
			e.log.Error(d.Message, "category", d.Category, "loc", d.Loc.String(), "fatal", true)
		}
	}
}

// Warnf records a Warning in the given category.
func (e *Engine) Warnf(cat Category, loc Location, format string, args ...any) {
	e.Report(Diagnostic{Severity: Warning, Category: cat, Loc: loc, Message: fmt.Sprintf(format, args...)})
}

// Errorf records a non-fatal Error in the given category.
func (e *Engine) Errorf(cat Category, loc Location, format string, args ...any) {
	e.Report(Diagnostic{Severity: Error, Category: cat, Loc: loc, Message: fmt.Sprintf(format, args...)})
}

// Fatalf records a Fatal diagnostic and returns it as an error so callers
// can propagate it immediately with Go's normal error-return convention,
// while the Engine itself remembers that the link is doomed.
func (e *Engine) Fatalf(cat Category, loc Location, format string, args ...any) error {
	d := Diagnostic{Severity: Fatal, Category: cat, Loc: loc, Message: fmt.Sprintf(format, args...)}
	e.Report(d)
	return fmt.Errorf("%s", d.Format())
}

// Fatal reports whether any Fatal diagnostic has been recorded. Every phase
// boundary in the pipeline tests this and abandons further work once it is
// true, per §5's cooperative-cancellation rule.
func (e *Engine) Fatal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalSeen
}

// Entries returns a snapshot of every diagnostic recorded so far, in
// report order.
func (e *Engine) Entries() []Diagnostic {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Diagnostic, len(e.entries))
	copy(out, e.entries)
	return out
}

// Count returns how many diagnostics of the given severity were recorded.
func (e *Engine) Count(sev Severity) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, d := range e.entries {
		if d.Severity == sev {
			n++
		}
	}
	return n
}
