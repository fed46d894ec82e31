// Package audio defines the interfaces and types for audio capture sources
// and stream handling within Sibilant.
//
// The two primary abstractions are:
//
//   - [Source] — opens a capture stream (microphone, decoder, pipe) and
//     returns a [Stream].
//   - [Stream] — an active capture session delivering [AudioFrame] values on
//     a channel until closed.
//
// Implementations are provided by source-specific adapter packages
// (audio/mic, audio/opusin, audio/rawin, audio/mock). The interfaces are
// intentionally narrow to keep the detection pipeline decoupled from capture
// details.
//
// This package lives under pkg/ because external code (custom capture
// adapters) is expected to implement [Source] and [Stream].
package audio

import "context"

// StreamSpec describes the format a consumer would like a [Source] to
// deliver. Sources should honor the spec when the underlying device allows
// it; consumers must still be prepared to convert (see [FormatConverter])
// because capture hardware does not always cooperate.
type StreamSpec struct {
	// SampleRate in Hz (e.g. 16000 for speech detection).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// FrameSize is the preferred number of samples per delivered frame.
	// Zero lets the source pick its native cadence.
	FrameSize int
}

// Source is the entry point for an audio capture provider.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open starts capturing and returns an active [Stream]. The supplied ctx
	// governs the lifetime of the open attempt only; once open, the Stream
	// remains alive until [Stream.Close] is called explicitly.
	//
	// Returns an error if capture cannot be started (no device, busy device,
	// unsupported format, etc.).
	Open(ctx context.Context, spec StreamSpec) (Stream, error)
}

// Stream represents an active audio capture session.
//
// A Stream is obtained by calling [Source.Open] and remains valid until
// [Stream.Close] is called or the source is exhausted (end of file, device
// removal). The frames channel is closed automatically when the stream
// terminates.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the read-only channel delivering captured frames in
	// capture order. The channel is closed when the stream ends for any
	// reason; callers must drain or abandon it via [Drain].
	Frames() <-chan AudioFrame

	// Close stops capture, releases the underlying device, and closes the
	// frames channel. It is safe to call Close more than once; subsequent
	// calls are no-ops and return nil.
	Close() error
}
