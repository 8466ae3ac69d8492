// Package dispatch provides the per-group serialization primitive. Every
// executor entry point (message handler, scheduler, IPC follow-up) routes
// through the same GroupLocks instance so that at most one execution runs
// per group at a time, while different groups proceed concurrently.
package dispatch

import (
	"sync"
)

type lockEntry struct {
	pending int
	// tail is closed by the previous task when it finishes; the next task
	// waits on the tail it observed at enqueue time.
	tail chan struct{}
}

// GroupLocks maintains a serial execution chain per group folder. Entries
// are evicted as soon as their pending count returns to zero, so the map
// never grows beyond the set of currently busy groups.
type GroupLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewGroupLocks creates an empty lock registry.
func NewGroupLocks() *GroupLocks {
	return &GroupLocks{entries: make(map[string]*lockEntry)}
}

// Run enqueues fn on folder's serial chain and blocks until it completes.
// fn runs only after every previously enqueued task for the same folder has
// finished.
func (g *GroupLocks) Run(folder string, fn func()) {
	prev, done := g.enqueue(folder)
	g.serve(folder, prev, done, fn)
}

// Go enqueues fn without waiting for it. The chain slot is reserved before
// Go returns, so Pending and Busy observe it immediately.
func (g *GroupLocks) Go(folder string, fn func()) {
	prev, done := g.enqueue(folder)
	go g.serve(folder, prev, done, fn)
}

func (g *GroupLocks) enqueue(folder string) (prev, done chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[folder]
	if !ok {
		e = &lockEntry{tail: closedChan()}
		g.entries[folder] = e
	}
	e.pending++
	prev = e.tail
	done = make(chan struct{})
	e.tail = done
	return prev, done
}

func (g *GroupLocks) serve(folder string, prev, done chan struct{}, fn func()) {
	<-prev
	defer func() {
		close(done)
		g.mu.Lock()
		if e, ok := g.entries[folder]; ok {
			e.pending--
			if e.pending == 0 {
				delete(g.entries, folder)
			}
		}
		g.mu.Unlock()
	}()
	fn()
}

// Pending returns the number of queued or running tasks for folder.
func (g *GroupLocks) Pending(folder string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[folder]; ok {
		return e.pending
	}
	return 0
}

// Busy reports whether any group currently has work queued.
func (g *GroupLocks) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries) > 0
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
