// Package worker provides the fork-join primitive used by every parallel
// step in §5 of the specification: input parsing, rule matching, relocation
// scan, relocation apply, trampoline insertion and build-ID chunk hashing.
//
// It is a thin wrapper over github.com/sourcegraph/conc/pool so call sites
// don't each reimplement "sequential when Threads==1, bounded fan-out
// otherwise" and so a panicking task doesn't silently take down the whole
// link (conc recovers and re-panics on Wait, which is much easier to reason
// about than a goroutine crash with no stack trace).
package worker

import (
	"github.com/sourcegraph/conc/pool"
)

// Pool runs tasks with bounded concurrency. A Pool with N==1 runs tasks
// one at a time, because conc's pool is capped at one goroutine; each task
// still runs on a goroutine conc starts, not inline in Go.
type Pool struct {
	n int
	p *pool.Pool
}

// New returns a Pool bounded to n concurrent tasks. n<=0 is treated as 1.
func New(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{n: n, p: pool.New().WithMaxGoroutines(n)}
}

// Go schedules fn to run, respecting the pool's concurrency bound.
func (w *Pool) Go(fn func()) {
	w.p.Go(fn)
}

// Wait blocks until every scheduled task has finished.
func (w *Pool) Wait() {
	w.p.Wait()
}

// Threads reports the configured concurrency bound.
func (w *Pool) Threads() int {
	return w.n
}

// Map runs fn(item) for every item in items, waits for all of them, and
// returns the results in input order. This is the shape every partitionable
// step in §5 needs: one task per input file, one per input section, one per
// output section.
func Map[T, R any](w *Pool, items []T, fn func(T) R) []R {
	out := make([]R, len(items))
	for i, item := range items {
		i, item := i, item
		w.Go(func() {
			out[i] = fn(item)
		})
	}
	w.Wait()
	return out
}

// Each runs fn(item) for every item in items and waits for all of them,
// discarding results. Used for steps that mutate shared-but-partitioned
// state (e.g. each input file populates only its own Sections/LDSymbols).
func Each[T any](w *Pool, items []T, fn func(T)) {
	for _, item := range items {
		item := item
		w.Go(func() {
			fn(item)
		})
	}
	w.Wait()
}
