package worker

import (
	"context"
	"encoding/json"
	"sync"
)

// CommandFuture is the pending half of an issued command. It settles exactly
// once, either with the worker's response, a worker-reported command error,
// or a local rejection (cleanup, timeout).
type CommandFuture struct {
	id   uint32
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	response json.RawMessage
	err      error
	progress func(json.RawMessage)
}

// ID returns the command ID correlating this future with its response
func (f *CommandFuture) ID() uint32 {
	return f.id
}

// OnProgress installs a handler for commandProgress notifications. Progress
// never settles the future.
func (f *CommandFuture) OnProgress(fn func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = fn
}

// Wait blocks until the future settles or ctx is done
func (f *CommandFuture) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.response, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *CommandFuture) resolve(response json.RawMessage) {
	f.once.Do(func() {
		f.mu.Lock()
		f.response = response
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *CommandFuture) reject(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *CommandFuture) notifyProgress(message json.RawMessage) {
	f.mu.Lock()
	fn := f.progress
	f.mu.Unlock()
	if fn != nil {
		fn(message)
	}
}

// pendingTable maps outstanding command IDs to their futures. IDs are an
// unsigned 32-bit counter starting at 1 that wraps to 0 after 4294967295.
// A wrapped ID can in theory collide with a still-pending request, but that
// needs ~4 billion simultaneously outstanding commands; widening the ID
// space would change the wire contract, so the collision is accepted.
type pendingTable struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*CommandFuture
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		next:    1,
		pending: make(map[uint32]*CommandFuture),
	}
}

// add allocates the next command ID and registers a future for it
func (t *pendingTable) add() *CommandFuture {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++ // uint32 arithmetic wraps 4294967295 to 0

	f := &CommandFuture{id: id, done: make(chan struct{})}
	t.pending[id] = f
	return f
}

// take removes and returns the future for id, if still pending
func (t *pendingTable) take(id uint32) (*CommandFuture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return f, ok
}

// get returns the future for id without removing it
func (t *pendingTable) get(id uint32) (*CommandFuture, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.pending[id]
	return f, ok
}

// rejectAll settles every pending future with err and clears the table
func (t *pendingTable) rejectAll(err error) {
	t.mu.Lock()
	futures := make([]*CommandFuture, 0, len(t.pending))
	for _, f := range t.pending {
		futures = append(futures, f)
	}
	t.pending = make(map[uint32]*CommandFuture)
	t.mu.Unlock()

	for _, f := range futures {
		f.reject(err)
	}
}

// size returns the number of outstanding requests
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
