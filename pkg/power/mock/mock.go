// Package mock provides an in-memory implementation of [power.Source] for
// use in unit tests.
//
// The mock is safe for concurrent use. Tests set the state with
// [Source.SetState], which also fires all registered subscription callbacks,
// mirroring how a real source reports change.
package mock

import (
	"sync"

	"github.com/sibilant-audio/sibilant/pkg/power"
)

// Source is a mock implementation of [power.Source].
type Source struct {
	mu sync.Mutex

	state power.State

	// ReadError is returned by Read and Subscribe when non-nil. Set it to
	// [power.ErrUnavailable] to simulate a host without a battery.
	ReadError error

	// SubscribeError is returned by Subscribe when non-nil, while Read keeps
	// working. Simulates a battery that answers polls but cannot stream
	// changes.
	SubscribeError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountSubscribe records how many times Subscribe was called.
	CallCountSubscribe int

	subs   map[int]func(power.State)
	nextID int
}

// New creates a mock source reporting the given initial state.
func New(initial power.State) *Source {
	return &Source{
		state: initial,
		subs:  make(map[int]func(power.State)),
	}
}

// Read implements [power.Source].
func (s *Source) Read() (power.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRead++
	if s.ReadError != nil {
		return power.State{}, s.ReadError
	}
	return s.state, nil
}

// Subscribe implements [power.Source].
func (s *Source) Subscribe(fn func(power.State)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSubscribe++
	if s.ReadError != nil {
		return nil, s.ReadError
	}
	if s.SubscribeError != nil {
		return nil, s.SubscribeError
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	return cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SetState updates the mock state and fires all subscription callbacks,
// synchronously, on the caller's goroutine.
func (s *Source) SetState(state power.State) {
	s.mu.Lock()
	s.state = state
	fns := make([]func(power.State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

var _ power.Source = (*Source)(nil)
