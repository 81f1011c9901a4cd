// Package reproduce implements §6's --reproduce/--reproduce-on-fail
// tarball: a self-contained archive of every input file (and every script,
// included or top-level) a link consumed, so a failing or disputed link
// can be handed to someone else without also handing them the original
// build tree.
//
// Object-file/script reading itself lives in internal/session and whatever
// front end drives it; this package only owns the bookkeeping once a path
// or an in-memory script body is handed to it, the same way
// dependencies.go's EnsureRepoCloned/GitClone only owns getting a named
// repository onto disk and never decides which functions need one.
package reproduce

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xyproto/eld/internal/config"
)

// Entry records one file the bundle has captured: its original path (or a
// synthetic name for an in-memory script), the content actually archived,
// and that content's sha1, so a manifest entry lets a recipient verify the
// tarball matches what the link actually read.
type Entry struct {
	Name string // original path, or the name LoadScript was given
	Data []byte
	SHA1 string
}

// Bundler accumulates Entries as a link runs and writes them out as one
// tar archive on Finalize. It is safe for concurrent RecordFile/
// RecordContent calls from worker.Pool-driven input reading.
type Bundler struct {
	Opts *config.Options

	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
}

// New returns a Bundler that records into opts.Reproduce (or does nothing,
// cheaply, if opts.Reproduce is empty and opts.ReproduceOnFail is false).
func New(opts *config.Options) *Bundler {
	return &Bundler{Opts: opts, seen: make(map[string]bool)}
}

// Active reports whether this Bundler needs to record anything at all,
// letting a caller skip reading a file's bytes a second time into memory
// when neither --reproduce nor --reproduce-on-fail was requested.
func (b *Bundler) Active() bool {
	return b != nil && (b.Opts.Reproduce != "" || b.Opts.ReproduceOnFail)
}

// RecordFile reads path off disk and records it under its own name, the
// way a regular object, archive, or -T script input is captured. A read
// failure is returned rather than silently dropped: a reproducer missing
// one of its own inputs defeats the point of reproducing.
func (b *Bundler) RecordFile(path string) error {
	if !b.Active() {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reproduce: reading %s: %w", path, err)
	}
	b.RecordContent(path, data)
	return nil
}

// RecordContent records data under name directly, for script bodies
// internal/session.LoadScript already holds in memory (a literal -T
// argument, or an INCLUDE'd script read by the script front end) rather
// than a path this package would have to re-read from disk.
func (b *Bundler) RecordContent(name string, data []byte) {
	if !b.Active() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[name] {
		return
	}
	b.seen[name] = true
	sum := sha1.Sum(data)
	b.entries = append(b.entries, Entry{Name: name, Data: append([]byte(nil), data...), SHA1: hex.EncodeToString(sum[:])})
}

// Finalize writes the recorded entries to opts.Reproduce as a tar archive,
// plus a "manifest.txt" entry listing each archived member's original
// path and sha1 in capture order. failed reports whether the link that
// just ran failed, since --reproduce-on-fail (as opposed to plain
// --reproduce) only wants the tarball written in that case.
func (b *Bundler) Finalize(failed bool) error {
	if b == nil || b.Opts.Reproduce == "" {
		return nil
	}
	if b.Opts.ReproduceOnFail && !failed {
		return nil
	}

	b.mu.Lock()
	entries := append([]Entry(nil), b.entries...)
	b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.Opts.Reproduce), 0o755); err != nil {
		return fmt.Errorf("reproduce: %w", err)
	}
	f, err := os.Create(b.Opts.Reproduce)
	if err != nil {
		return fmt.Errorf("reproduce: %w", err)
	}
	defer f.Close()

	return WriteTar(f, entries)
}

// WriteTar writes entries to w as a tar archive: every recorded file
// first, each under a sanitized relative path so absolute input paths
// can't escape the archive root, followed by a manifest.txt summarizing
// the capture. Exported separately from Finalize so a test (or a caller
// writing to an in-memory buffer instead of opts.Reproduce) doesn't need
// a real file on disk.
func WriteTar(w io.Writer, entries []Entry) error {
	tw := tar.NewWriter(w)

	var manifest strings.Builder
	for _, e := range entries {
		arcName := archivePath(e.Name)
		if err := tw.WriteHeader(&tar.Header{
			Name: arcName,
			Mode: 0o644,
			Size: int64(len(e.Data)),
		}); err != nil {
			return fmt.Errorf("reproduce: writing header for %s: %w", e.Name, err)
		}
		if _, err := tw.Write(e.Data); err != nil {
			return fmt.Errorf("reproduce: writing %s: %w", e.Name, err)
		}
		fmt.Fprintf(&manifest, "%s  %s  %s\n", e.SHA1, arcName, e.Name)
	}

	manifestBytes := []byte(manifest.String())
	if err := tw.WriteHeader(&tar.Header{
		Name: "manifest.txt",
		Mode: 0o644,
		Size: int64(len(manifestBytes)),
	}); err != nil {
		return fmt.Errorf("reproduce: writing manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("reproduce: writing manifest: %w", err)
	}

	return tw.Close()
}

// archivePath maps an input's original path (which may be absolute, or
// carry ".." segments from a relative -L search) onto a path safe to
// extract: the leading "/" and any ".." are stripped, so every member
// lands under "files/" inside the archive root regardless of where the
// link actually found it.
func archivePath(name string) string {
	clean := filepath.ToSlash(filepath.Clean(name))
	clean = strings.TrimPrefix(clean, "/")
	clean = strings.ReplaceAll(clean, "../", "")
	return "files/" + clean
}

// Entries returns a stable-ordered snapshot of what's been recorded so
// far, for a caller that wants to report "N files captured" without
// finalizing the archive yet.
func (b *Bundler) Entries() []Entry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]Entry(nil), b.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
