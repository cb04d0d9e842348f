// Package event provides an ordered list of callbacks that can be added and
// removed by handle. It replaces multicast delegates for message dispatch and
// session notifications.
package event

import (
	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// Handle identifies a registered callback. The zero Handle is never issued.
type Handle uint64

type entry[T any] struct {
	handle Handle
	fn     func(T)
}

// List holds callbacks in registration order. The zero value is ready to use
// and a List is safe for concurrent use.
type List[T any] struct {
	mu      syncutil.Mutex
	next    Handle
	entries []entry[T]
}

// Add appends fn and returns the handle used to remove it.
func (l *List[T]) Add(fn func(T)) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries = append(l.entries, entry[T]{handle: l.next, fn: fn})
	return l.next
}

// Remove unregisters the callback with handle h. It reports whether the
// handle was registered.
func (l *List[T]) Remove(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.handle == h {
			// copy-on-write so snapshots handed out earlier stay intact
			entries := make([]entry[T], 0, len(l.entries)-1)
			entries = append(entries, l.entries[:i]...)
			l.entries = append(entries, l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered callbacks.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns the callbacks registered right now, in order.
func (l *List[T]) Snapshot() []func(T) {
	l.mu.Lock()
	entries := l.entries
	l.mu.Unlock()

	fns := make([]func(T), len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	return fns
}

// Emit calls every callback in the current snapshot with v. A panicking
// callback is logged and does not stop the remaining ones.
func (l *List[T]) Emit(v T) {
	for _, fn := range l.Snapshot() {
		call(fn, v)
	}
}

func call[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event: handler panicked")
		}
	}()
	fn(v)
}
