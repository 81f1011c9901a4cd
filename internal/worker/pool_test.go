package worker

import (
	"sync/atomic"
	"testing"
)

func TestPoolEachRunsAllTasks(t *testing.T) {
	var count int64
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	p := New(4)
	Each(p, items, func(int) {
		atomic.AddInt64(&count, 1)
	})

	if count != int64(len(items)) {
		t.Fatalf("count = %d, want %d", count, len(items))
	}
}

func TestPoolMapPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	p := New(3)
	got := Map(p, items, func(v int) int { return v * v })

	want := []int{1, 4, 9, 16, 25}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPoolSequentialWhenOneThread(t *testing.T) {
	p := New(1)
	if p.Threads() != 1 {
		t.Fatalf("Threads() = %d, want 1", p.Threads())
	}

	var order []int
	items := []int{1, 2, 3}
	Each(p, items, func(v int) {
		order = append(order, v)
	})
	if len(order) != 3 {
		t.Fatalf("expected 3 tasks to run, got %d", len(order))
	}
}

func TestNewClampsNonPositive(t *testing.T) {
	if New(0).Threads() != 1 {
		t.Error("New(0) should clamp to 1 thread")
	}
	if New(-5).Threads() != 1 {
		t.Error("New(-5) should clamp to 1 thread")
	}
}
