// Package mailbox implements the latest-value single-slot buffer used between
// a capture backend and the decode loop.
//
// Semantics ("drop, never queue"):
//   - Put never blocks and always overwrites the slot
//   - Overwriting a value nobody has read yet counts as a drop
//   - Latest returns the newest value without emptying the slot, so a reader
//     always sees a frame once the first one arrived
//   - Ready is closed exactly once, when the first value lands
package mailbox

import (
	"sync"
	"sync/atomic"
)

// Mailbox holds the most recent value published by a producer.
//
// Thread-safety: all methods are safe for concurrent use.
type Mailbox[T any] struct {
	mu     sync.Mutex
	slot   T
	filled bool // slot holds a value
	unread bool // slot value not returned by Latest yet
	closed bool

	drops     uint64 // atomic
	puts      uint64 // atomic
	ready     chan struct{}
	readyOnce sync.Once
}

// New returns an empty, open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{})}
}

// Put overwrites the slot with v. Returns false if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	if m.unread {
		atomic.AddUint64(&m.drops, 1)
	}
	m.slot = v
	m.filled = true
	m.unread = true
	m.mu.Unlock()

	atomic.AddUint64(&m.puts, 1)
	m.readyOnce.Do(func() { close(m.ready) })
	return true
}

// Latest returns the newest value and whether one has arrived since the
// mailbox was created. A closed mailbox reports false.
func (m *Mailbox[T]) Latest() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.closed || !m.filled {
		return zero, false
	}
	m.unread = false
	return m.slot, true
}

// Ready is closed when the first value is put.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Close empties the slot and turns Put into a no-op. Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	m.slot = zero
	m.filled = false
	m.unread = false
	m.closed = true
}

// Drops returns how many values were overwritten unread.
func (m *Mailbox[T]) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}

// Puts returns how many values were accepted.
func (m *Mailbox[T]) Puts() uint64 {
	return atomic.LoadUint64(&m.puts)
}
