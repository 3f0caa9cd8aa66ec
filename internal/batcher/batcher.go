// Package batcher coalesces rapid messages from one user into a single turn.
//
// Users often split one answer over several chat messages. The Coalescer buffers a user's
// messages and flushes them, space-joined in arrival order, once the user has been quiet for
// the configured window. Every new message restarts the window.
package batcher

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the quiet period after which a user's buffer is flushed.
const DefaultWindow = 30 * time.Second

// FlushFunc receives a user's coalesced text.
type FlushFunc func(userID, text string)

// Coalescer buffers messages per user.
type Coalescer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*buffer
	closed  bool
	wg      sync.WaitGroup
}

type buffer struct {
	parts []string
	timer *time.Timer
	gen   int
}

// New creates a Coalescer. A window of zero or less flushes every message immediately.
func New(window time.Duration, flush FlushFunc) *Coalescer {
	return &Coalescer{window: window, flush: flush, pending: make(map[string]*buffer)}
}

// Add buffers text for userID. Blank text is ignored. It returns false after Close.
func (c *Coalescer) Add(userID, text string) bool {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if text == "" {
		c.mu.Unlock()
		return true
	}
	if c.window <= 0 {
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()
		c.flush(userID, text)
		return true
	}

	b, ok := c.pending[userID]
	if !ok {
		b = &buffer{}
		c.pending[userID] = b
	}
	b.parts = append(b.parts, text)
	b.gen++
	gen := b.gen
	if b.timer != nil && b.timer.Stop() {
		c.wg.Done()
	}
	c.wg.Add(1)
	b.timer = time.AfterFunc(c.window, func() {
		defer c.wg.Done()
		c.fire(userID, gen)
	})
	parts := len(b.parts)
	c.mu.Unlock()
	slog.Debug("Coalescer.Add: buffered", "user", userID, "parts", parts)
	return true
}

// fire flushes userID's buffer unless a newer message restarted the window.
func (c *Coalescer) fire(userID string, gen int) {
	c.mu.Lock()
	b, ok := c.pending[userID]
	if !ok || b.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, userID)
	c.mu.Unlock()
	c.emit(userID, b.parts)
}

func (c *Coalescer) emit(userID string, parts []string) {
	text := strings.Join(parts, " ")
	slog.Debug("Coalescer.flush", "user", userID, "parts", len(parts), "length", len(text))
	c.flush(userID, text)
}

// Flush immediately emits userID's buffer, if any.
func (c *Coalescer) Flush(userID string) {
	c.mu.Lock()
	b, ok := c.pending[userID]
	if ok {
		delete(c.pending, userID)
		if b.timer.Stop() {
			c.wg.Done()
		}
	}
	c.mu.Unlock()
	if ok {
		c.emit(userID, b.parts)
	}
}

// Pending reports how many users have buffered messages.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops accepting messages, flushes every buffer and waits for running flushes.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	buffers := c.pending
	c.pending = make(map[string]*buffer)
	for _, b := range buffers {
		if b.timer.Stop() {
			c.wg.Done()
		}
	}
	c.mu.Unlock()

	for userID, b := range buffers {
		c.emit(userID, b.parts)
	}
	c.wg.Wait()
}
