//go:build !portaudio

package mic

import (
	"context"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// Available reports that no microphone backend is compiled in.
func Available() bool { return false }

// Source is the stub microphone source used when PortAudio is not compiled
// in. Open always fails with [ErrUnavailable].
type Source struct{}

// New creates a stub microphone source.
func New() *Source {
	return &Source{}
}

// Open implements [audio.Source] and always returns [ErrUnavailable].
func (s *Source) Open(context.Context, audio.StreamSpec) (audio.Stream, error) {
	return nil, ErrUnavailable
}

var _ audio.Source = (*Source)(nil)
