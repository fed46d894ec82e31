package vad

import (
	"log/slog"
	"sync"
)

// Handle identifies a registered listener for later removal.
type Handle int64

// listenerSet is an insertion-ordered callback registry. Emission walks a
// snapshot, so listeners may add or remove listeners (including themselves)
// from inside a callback without deadlocking.
type listenerSet[T any] struct {
	mu      sync.Mutex
	nextID  Handle
	entries []listenerEntry[T]
	log     *slog.Logger
	name    string
}

type listenerEntry[T any] struct {
	id Handle
	fn func(T)
}

func newListenerSet[T any](name string, log *slog.Logger) *listenerSet[T] {
	return &listenerSet[T]{name: name, log: log}
}

func (s *listenerSet[T]) add(fn func(T)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, listenerEntry[T]{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *listenerSet[T]) remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == h {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// emit invokes every listener in registration order. A panicking listener is
// logged and skipped; the rest still run.
func (s *listenerSet[T]) emit(v T) {
	s.mu.Lock()
	snapshot := make([]listenerEntry[T], len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	for _, e := range snapshot {
		s.invoke(e, v)
	}
}

func (s *listenerSet[T]) invoke(e listenerEntry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("listener panicked", "set", s.name, "panic", r)
		}
	}()
	e.fn(v)
}
