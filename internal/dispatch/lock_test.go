package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestSameGroupSerializes launches N concurrent tasks on one folder and
// asserts that no two ever overlap.
func TestSameGroupSerializes(t *testing.T) {
	locks := NewGroupLocks()

	const n = 20
	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go locks.Run("g1", func() {
			defer wg.Done()
			cur := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&maxRunning)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxRunning); got != 1 {
		t.Fatalf("max concurrent executions on one group = %d, want 1", got)
	}
	if locks.Busy() {
		t.Error("registry should be empty after all tasks finish")
	}
}

// TestCrossGroupRunsConcurrently asserts tasks on different folders overlap.
func TestCrossGroupRunsConcurrently(t *testing.T) {
	locks := NewGroupLocks()

	start := make(chan struct{})
	release := make(chan struct{})
	var overlapped atomic.Bool

	var wg sync.WaitGroup
	wg.Add(2)
	go locks.Run("a", func() {
		defer wg.Done()
		close(start)
		<-release
	})
	go locks.Run("b", func() {
		defer wg.Done()
		select {
		case <-start:
			overlapped.Store(true)
		case <-time.After(2 * time.Second):
		}
		close(release)
	})
	wg.Wait()

	if !overlapped.Load() {
		t.Fatal("tasks on different groups never overlapped")
	}
}

// TestFIFOOrderWithinGroup asserts enqueue order is preserved.
func TestFIFOOrderWithinGroup(t *testing.T) {
	locks := NewGroupLocks()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		locks.Go("g", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		// Give each goroutine time to enqueue before the next.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestEntryEvictedWhenIdle(t *testing.T) {
	locks := NewGroupLocks()
	locks.Run("g", func() {})
	if locks.Pending("g") != 0 {
		t.Error("pending should be 0 after completion")
	}
	if locks.Busy() {
		t.Error("entry should be evicted when pending returns to zero")
	}
}
