// Package rawin adapts a plain byte stream of little-endian signed 16-bit PCM
// into an [audio.Source]. Its main use is piping a capture tool into the demo
// binary:
//
//	arecord -f S16_LE -r 16000 -c 1 | sibilant -config config.yaml
//
// The reader is drained on a background goroutine. EOF ends the stream
// cleanly: any buffered tail is delivered and the frames channel is closed.
// Delivery applies backpressure — a slow consumer slows the reader rather
// than dropping audio, which is what a pipe wants.
package rawin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// defaultFrameSize is the samples-per-frame read granularity when the stream
// spec does not request one.
const defaultFrameSize = 512

// Source wraps an [io.Reader] carrying raw s16le PCM. The reader's sample
// rate and channel count are whatever the producer used; the stream spec
// passed to [Source.Open] labels them so downstream conversion can do its
// job. rawin never converts.
//
// A Source serves exactly one stream: the first Open consumes the reader and
// later Opens fail.
type Source struct {
	mu sync.Mutex
	r  io.Reader
}

// New creates a source reading from r.
func New(r io.Reader) *Source {
	return &Source{r: r}
}

// Open implements [audio.Source]. spec.SampleRate and spec.Channels describe
// the bytes r delivers (defaults: 16000 Hz mono); spec.FrameSize sets the
// read granularity in samples.
func (s *Source) Open(_ context.Context, spec audio.StreamSpec) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return nil, errors.New("rawin: reader already consumed or nil")
	}

	rate := spec.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := spec.Channels
	if channels <= 0 {
		channels = 1
	}
	frameSize := spec.FrameSize
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}

	st := &stream{
		r:        s.r,
		rate:     rate,
		channels: channels,
		size:     frameSize,
		frames:   make(chan audio.AudioFrame, 8),
		done:     make(chan struct{}),
	}
	s.r = nil
	go st.read()
	return st, nil
}

// stream is one live read session.
type stream struct {
	r        io.Reader
	rate     int
	channels int
	size     int

	frames chan audio.AudioFrame
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	elapsed time.Duration
}

// read pulls fixed-size chunks until EOF or Close. It is the only sender on
// frames and closes the channel on exit.
func (st *stream) read() {
	defer close(st.frames)

	frameBytes := st.size * 2 * st.channels
	for {
		select {
		case <-st.done:
			return
		default:
		}

		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(st.r, buf)
		if n > 0 {
			// A trailing odd byte cannot be half a sample; drop it.
			if n%2 != 0 {
				n--
			}
			if n > 0 && !st.deliver(buf[:n]) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !isClosedRead(err) {
				slog.Warn("rawin: read failed, ending stream", "err", err)
			}
			return
		}
	}
}

// deliver sends one frame, blocking until the consumer takes it or the
// stream closes. Returns false when the stream closed first.
func (st *stream) deliver(data []byte) bool {
	samples := len(data) / 2 / st.channels
	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: st.rate,
		Channels:   st.channels,
		Timestamp:  st.elapsed,
	}
	st.elapsed += time.Duration(samples) * time.Second / time.Duration(st.rate)

	select {
	case st.frames <- frame:
		return true
	case <-st.done:
		return false
	}
}

// Frames implements [audio.Stream].
func (st *stream) Frames() <-chan audio.AudioFrame { return st.frames }

// Close implements [audio.Stream]. When the underlying reader is also an
// [io.Closer] (a pipe, a file) it is closed too, which unblocks a pending
// Read. Safe to call more than once.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		close(st.done)
		if c, ok := st.r.(io.Closer); ok {
			st.closeErr = c.Close()
		}
	})
	return st.closeErr
}

// isClosedRead reports whether err came from reading a reader this stream
// closed itself during shutdown.
func isClosedRead(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

var _ audio.Source = (*Source)(nil)
