package conversation

import (
	"context"
	"log/slog"
	"sync"
)

// TurnHandler processes one queued message for a user.
type TurnHandler func(ctx context.Context, userID, text string)

// Dispatcher runs turns for each user one at a time, in the order they were submitted, while
// different users proceed in parallel. A user's worker goroutine exits as soon as its queue is
// empty, so idle users cost nothing.
type Dispatcher struct {
	ctx    context.Context
	handle TurnHandler

	mu     sync.Mutex
	queues map[string][]string
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher whose handlers run with ctx. Cancelling ctx stops workers
// after their current turn; queued turns are dropped.
func NewDispatcher(ctx context.Context, handle TurnHandler) *Dispatcher {
	return &Dispatcher{ctx: ctx, handle: handle, queues: make(map[string][]string)}
}

// Submit queues text for userID. It returns false if the dispatcher is closed.
func (d *Dispatcher) Submit(userID, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.ctx.Err() != nil {
		return false
	}
	q, running := d.queues[userID]
	d.queues[userID] = append(q, text)
	if !running {
		d.wg.Add(1)
		go d.work(userID)
	}
	return true
}

func (d *Dispatcher) work(userID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[userID]
		if len(q) == 0 || d.ctx.Err() != nil {
			if dropped := len(q); dropped > 0 {
				slog.Warn("Dispatcher.work: context done, dropping queued turns", "user", userID, "dropped", dropped)
			}
			delete(d.queues, userID)
			d.mu.Unlock()
			return
		}
		text := q[0]
		d.queues[userID] = q[1:]
		d.mu.Unlock()

		d.run(userID, text)
	}
}

func (d *Dispatcher) run(userID, text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.run: turn handler panicked", "user", userID, "panic", r)
		}
	}()
	d.handle(d.ctx, userID, text)
}

// Pending returns the number of users with queued or running turns.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting turns and waits for running workers to drain their queues.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
