//go:build portaudio

package mic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// Available reports that microphone capture is compiled in.
func Available() bool { return true }

// Source opens the default input device. The PortAudio runtime is initialized
// on first Open and terminated when the last stream closes.
type Source struct {
	mu   sync.Mutex
	open int
}

// New creates a microphone source.
func New() *Source {
	return &Source{}
}

// Open implements [audio.Source]. It honors spec.SampleRate and
// spec.FrameSize; capture is always mono.
func (s *Source) Open(_ context.Context, spec audio.StreamSpec) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == 0 {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("mic: initialize portaudio: %w", err)
		}
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		s.terminateIfIdleLocked()
		return nil, fmt.Errorf("mic: default input device: %w", err)
	}

	rate := spec.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	frameSize := spec.FrameSize
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}

	st := &stream{
		source: s,
		frames: make(chan audio.AudioFrame, 8),
		rate:   rate,
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frameSize,
	}

	pa, err := portaudio.OpenStream(params, st.capture)
	if err != nil {
		s.terminateIfIdleLocked()
		return nil, fmt.Errorf("mic: open capture stream: %w", err)
	}
	st.pa = pa

	if err := pa.Start(); err != nil {
		pa.Close()
		s.terminateIfIdleLocked()
		return nil, fmt.Errorf("mic: start capture: %w", err)
	}

	s.open++
	return st, nil
}

// terminateIfIdleLocked shuts down the PortAudio runtime when no streams
// remain. Callers must hold s.mu.
func (s *Source) terminateIfIdleLocked() {
	if s.open == 0 {
		portaudio.Terminate()
	}
}

// stream is a live microphone capture session.
type stream struct {
	source *Source
	pa     *portaudio.Stream
	frames chan audio.AudioFrame
	rate   int

	mu       sync.Mutex
	closed   bool
	elapsed  time.Duration
	dropped  int64
	warnOnce sync.Once
}

// capture is the PortAudio callback. It runs on the audio thread and must
// never block: when the consumer lags, frames are dropped and counted.
func (st *stream) capture(in []int16) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	ts := st.elapsed
	st.elapsed += time.Duration(len(in)) * time.Second / time.Duration(st.rate)
	st.mu.Unlock()

	frame := audio.AudioFrame{
		Data:       audio.Int16sToBytes(in),
		SampleRate: st.rate,
		Channels:   1,
		Timestamp:  ts,
	}

	select {
	case st.frames <- frame:
	default:
		st.mu.Lock()
		st.dropped++
		st.mu.Unlock()
		st.warnOnce.Do(func() {
			slog.Warn("mic: consumer lagging, dropping capture frames")
		})
	}
}

// Frames implements [audio.Stream].
func (st *stream) Frames() <-chan audio.AudioFrame { return st.frames }

// Close implements [audio.Stream]. Stops the device and closes the frames
// channel. Safe to call more than once.
func (st *stream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()

	err := st.pa.Stop()
	if cerr := st.pa.Close(); err == nil {
		err = cerr
	}
	close(st.frames)

	st.source.mu.Lock()
	st.source.open--
	st.source.terminateIfIdleLocked()
	st.source.mu.Unlock()

	if err != nil {
		return fmt.Errorf("mic: close capture stream: %w", err)
	}
	return nil
}

var _ audio.Source = (*Source)(nil)
