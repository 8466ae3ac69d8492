package consolidator

import (
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu      sync.Mutex
	batches []Consolidated
}

func (c *collector) emit(b Consolidated) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *collector) all() []Consolidated {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Consolidated(nil), c.batches...)
}

func TestEmitsOncePerCycleInOrder(t *testing.T) {
	col := &collector{}
	c := New(col.emit)
	defer c.Destroy()

	for _, text := range []string{"one", "two", "three"} {
		if !c.Add("chat", text, AddOptions{Debounce: 30 * time.Millisecond}) {
			t.Fatalf("Add(%q) returned false", text)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(col.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := col.all()
	if len(got) != 1 {
		t.Fatalf("emitted %d batches, want exactly 1", len(got))
	}
	if got[0].CombinedText != "one\ntwo\nthree" {
		t.Errorf("combined = %q", got[0].CombinedText)
	}
	if len(got[0].Messages) != 3 {
		t.Errorf("message count = %d", len(got[0].Messages))
	}

	// The buffer must be gone: a later add starts a fresh cycle.
	time.Sleep(60 * time.Millisecond)
	if len(col.all()) != 1 {
		t.Error("late duplicate emit detected")
	}
}

func TestNewMessageResetsTimer(t *testing.T) {
	col := &collector{}
	c := New(col.emit)
	defer c.Destroy()

	c.Add("chat", "a", AddOptions{Debounce: 80 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)
	c.Add("chat", "b", AddOptions{Debounce: 80 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	// 100ms elapsed but the window restarted at 50ms; nothing yet.
	if n := len(col.all()); n != 0 {
		t.Fatalf("emitted %d batches before the reset window expired", n)
	}

	time.Sleep(80 * time.Millisecond)
	got := col.all()
	if len(got) != 1 || got[0].CombinedText != "a\nb" {
		t.Fatalf("got %+v", got)
	}
}

func TestMediaBypassesBuffer(t *testing.T) {
	c := New(func(Consolidated) { t.Error("nothing should be emitted") })
	defer c.Destroy()

	if c.Add("chat", "photo caption", AddOptions{IsMedia: true}) {
		t.Fatal("media message must not be buffered")
	}
}

func TestStreamingBypassesBuffer(t *testing.T) {
	col := &collector{}
	c := New(col.emit)
	defer c.Destroy()

	c.SetStreaming("chat", true)
	if c.Add("chat", "mid-stream", AddOptions{}) {
		t.Fatal("message during streaming must not be buffered")
	}

	c.SetStreaming("chat", false)
	if !c.Add("chat", "after", AddOptions{Debounce: 10 * time.Millisecond}) {
		t.Fatal("message after streaming should buffer again")
	}
}

func TestFlushCancelsPendingTimer(t *testing.T) {
	col := &collector{}
	c := New(col.emit)
	defer c.Destroy()

	c.Add("chat", "x", AddOptions{Debounce: 50 * time.Millisecond})
	out := c.Flush("chat")
	if out == nil || out.CombinedText != "x" {
		t.Fatalf("flush returned %+v", out)
	}

	time.Sleep(80 * time.Millisecond)
	if len(col.all()) != 1 {
		t.Fatalf("timer fired after flush: %d emits", len(col.all()))
	}
}

func TestFlushEmptyReturnsNil(t *testing.T) {
	c := New(func(Consolidated) {})
	defer c.Destroy()
	if out := c.Flush("nope"); out != nil {
		t.Fatalf("flush of empty chat = %+v", out)
	}
}

func TestDestroyCancelsTimers(t *testing.T) {
	col := &collector{}
	c := New(col.emit)
	c.Add("chat", "x", AddOptions{Debounce: 20 * time.Millisecond})
	c.Destroy()

	time.Sleep(50 * time.Millisecond)
	if len(col.all()) != 0 {
		t.Fatal("emit after Destroy")
	}
	if c.Add("chat", "y", AddOptions{}) {
		t.Fatal("Add after Destroy should report unbuffered")
	}
}
