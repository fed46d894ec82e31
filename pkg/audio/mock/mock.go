// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	source := &mock.Source{OpenResult: stream}
//	got, err := source.Open(ctx, audio.StreamSpec{SampleRate: 16000, Channels: 1})
//	stream.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed frames with
// [Stream.Push]; the stream delivers them on the Frames channel until Close.
type Stream struct {
	mu sync.Mutex

	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by the first call to [Stream.Close].
	CloseError error

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream creates a mock stream whose frames channel has the given buffer
// capacity.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFrames++
	return s.frames
}

// Close implements [audio.Stream]. The first call closes the frames channel
// and returns CloseError; subsequent calls are no-ops returning nil.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseError
}

// Push delivers frame to the stream's consumer. Returns false when the stream
// is already closed or the buffer is full (the frame is discarded), so tests
// can feed without risking a deadlock.
func (s *Stream) Push(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Spec is the stream spec passed to Open.
	Spec audio.StreamSpec
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is the [audio.Stream] returned by Open. When nil and
	// OpenError is nil, Open creates and returns a fresh [Stream] with a
	// buffer of 16, recorded in OpenedStreams.
	OpenResult audio.Stream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// OpenedStreams holds the streams handed out by Open, in order.
	OpenedStreams []*Stream
}

// Open implements [audio.Source]. Records the call and returns
// OpenResult / OpenError.
func (s *Source) Open(_ context.Context, spec audio.StreamSpec) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Spec: spec})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult != nil {
		return s.OpenResult, nil
	}
	st := NewStream(16)
	s.OpenedStreams = append(s.OpenedStreams, st)
	return st, nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
