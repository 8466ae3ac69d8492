// Package consolidator batches rapid consecutive text messages from one
// chat so the model sees a single combined prompt instead of a burst of
// fragments.
package consolidator

import (
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is applied when Add is called without an explicit window.
const DefaultDebounce = 500 * time.Millisecond

// maxBuffered bounds one chat's pending list; the oldest entry is dropped
// beyond it.
const maxBuffered = 100

// PendingMessage is one buffered message awaiting consolidation.
type PendingMessage struct {
	MessageID string
	Text      string
	AddedAt   time.Time
}

// Consolidated is the emitted batch for one debounce cycle.
type Consolidated struct {
	ChatID       string
	Messages     []PendingMessage
	CombinedText string
}

// EmitFunc receives each consolidated batch. Called outside the
// consolidator's lock; exactly once per debounce cycle.
type EmitFunc func(Consolidated)

type buffer struct {
	messages  []PendingMessage
	timer     *time.Timer
	streaming bool
}

// Consolidator owns the per-chat buffers and debounce timers.
type Consolidator struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	emit    EmitFunc
	closed  bool
}

// New creates a consolidator that delivers batches to emit.
func New(emit EmitFunc) *Consolidator {
	return &Consolidator{buffers: make(map[string]*buffer), emit: emit}
}

// AddOptions modifies a single Add call.
type AddOptions struct {
	MessageID string
	IsMedia   bool
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
}

// Add buffers text for chatID and (re)starts the debounce timer. It returns
// false, meaning the caller must dispatch the message itself, when the
// message carries media or the chat is currently streaming a reply.
func (c *Consolidator) Add(chatID, text string, opts AddOptions) bool {
	if opts.IsMedia {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	b, ok := c.buffers[chatID]
	if ok && b.streaming {
		c.mu.Unlock()
		return false
	}
	if !ok {
		b = &buffer{}
		c.buffers[chatID] = b
	}

	b.messages = append(b.messages, PendingMessage{
		MessageID: opts.MessageID,
		Text:      text,
		AddedAt:   time.Now(),
	})
	if len(b.messages) > maxBuffered {
		b.messages = b.messages[len(b.messages)-maxBuffered:]
	}

	delay := opts.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(delay, func() { c.fire(chatID) })
	c.mu.Unlock()
	return true
}

// Flush emits chatID's buffer immediately, cancelling any pending timer.
// Returns nil when nothing is buffered.
func (c *Consolidator) Flush(chatID string) *Consolidated {
	c.mu.Lock()
	out := c.takeLocked(chatID)
	c.mu.Unlock()
	if out != nil {
		c.emit(*out)
	}
	return out
}

// SetStreaming marks a chat as streaming. While set, Add bypasses the
// buffer so mid-stream messages are handled individually.
func (c *Consolidator) SetStreaming(chatID string, streaming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[chatID]
	if !ok {
		if !streaming {
			return
		}
		b = &buffer{}
		c.buffers[chatID] = b
	}
	b.streaming = streaming
	if !streaming && len(b.messages) == 0 && b.timer == nil {
		delete(c.buffers, chatID)
	}
}

// Destroy cancels all timers and clears every buffer. Pending messages are
// discarded.
func (c *Consolidator) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, b := range c.buffers {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(c.buffers, id)
	}
}

// fire is the timer callback for one debounce cycle.
func (c *Consolidator) fire(chatID string) {
	c.mu.Lock()
	out := c.takeLocked(chatID)
	c.mu.Unlock()
	if out != nil {
		c.emit(*out)
	}
}

// takeLocked drains and removes chatID's buffer. Caller holds c.mu.
func (c *Consolidator) takeLocked(chatID string) *Consolidated {
	b, ok := c.buffers[chatID]
	if !ok || len(b.messages) == 0 {
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	msgs := b.messages
	if b.streaming {
		// Keep the entry so the streaming flag survives the emit.
		b.messages = nil
	} else {
		delete(c.buffers, chatID)
	}

	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Text
	}
	return &Consolidated{
		ChatID:       chatID,
		Messages:     msgs,
		CombinedText: strings.Join(parts, "\n"),
	}
}
