package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from
// input devices, decoded from compressed streams, and fed to the detection
// engine.
type AudioFrame struct {
	// PCM audio data, little-endian signed 16-bit samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for speech detection, 48000 for Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo (interleaved).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of PCM samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
