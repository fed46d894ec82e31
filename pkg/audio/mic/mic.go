// Package mic captures audio from the default input device via PortAudio and
// exposes it as an [audio.Source].
//
// PortAudio is a cgo dependency, so the real capture path is compiled only
// with the "portaudio" build tag:
//
//	go build -tags portaudio ./...
//
// Without the tag, [New] still compiles but [Source.Open] returns
// [ErrUnavailable], letting callers fall back to another source.
package mic

import "errors"

// ErrUnavailable indicates microphone capture is not compiled in.
var ErrUnavailable = errors.New("mic: portaudio backend not available (build without -tags portaudio)")

// defaultFrameSize is the capture callback buffer size in samples when the
// stream spec does not request one. 320 samples at 16 kHz is 20 ms, a common
// speech-processing cadence.
const defaultFrameSize = 320
