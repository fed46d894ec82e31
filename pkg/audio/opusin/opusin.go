// Package opusin adapts a stream of Opus packets into the [audio.Source]
// interface. It covers ingress paths where audio arrives compressed — a VoIP
// bridge, a recorded rehearsal take, a relay that forwards raw Opus packets —
// and the detection pipeline wants plain PCM frames.
//
// The package decodes only; Sibilant never re-encodes audio.
package opusin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

// Opus operates natively at 48 kHz with 20 ms frames.
const (
	defaultSampleRate  = 48000
	defaultChannels    = 1
	defaultFrameSizeMs = 20
)

// PacketReader supplies Opus packets one at a time. ReadPacket returns
// [io.EOF] when the stream is exhausted; any other error aborts the stream.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate sets the decoder output sample rate. Opus decoders can
// render at 8, 12, 16, 24, or 48 kHz.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithChannels sets the decoder output channel count (1 or 2).
func WithChannels(channels int) Option {
	return func(s *Source) { s.channels = channels }
}

// WithLogger sets the logger used for decode warnings. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source decodes Opus packets from a [PacketReader] into PCM frames.
// Each call to Open consumes the reader from its current position, so a
// Source backed by a one-shot reader supports a single Open.
type Source struct {
	r          PacketReader
	sampleRate int
	channels   int
	log        *slog.Logger
}

// New creates an Opus-decoding source reading packets from r.
func New(r PacketReader, opts ...Option) *Source {
	s := &Source{
		r:          r,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements [audio.Source]. The spec's sample rate and channel count
// are ignored; decoder output format is fixed by the Source options and
// downstream conversion handles the rest.
func (s *Source) Open(ctx context.Context, _ audio.StreamSpec) (audio.Stream, error) {
	dec, err := gopus.NewDecoder(s.sampleRate, s.channels)
	if err != nil {
		return nil, fmt.Errorf("opusin: create decoder: %w", err)
	}

	st := &stream{
		frames: make(chan audio.AudioFrame, 8),
		done:   make(chan struct{}),
	}
	st.wg.Add(1)
	go s.decodeLoop(ctx, dec, st)
	return st, nil
}

// decodeLoop reads packets until EOF, error, or stream close. Undecodable
// packets are skipped with a warning; the decoder keeps its state so a single
// corrupt packet does not poison the rest of the stream.
func (s *Source) decodeLoop(ctx context.Context, dec *gopus.Decoder, st *stream) {
	defer st.wg.Done()
	defer close(st.frames)

	frameSize := s.sampleRate * defaultFrameSizeMs / 1000
	var elapsed time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.done:
			return
		default:
		}

		pkt, err := s.r.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("opus packet read failed, ending stream", "err", err)
			}
			return
		}

		pcm, err := dec.Decode(pkt, frameSize, false)
		if err != nil {
			s.log.Warn("opus decode failed, skipping packet", "err", err)
			continue
		}

		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(pcm),
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			Timestamp:  elapsed,
		}
		elapsed += frame.Duration()

		select {
		case st.frames <- frame:
		case <-st.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stream is the live decode session returned by [Source.Open].
type stream struct {
	frames chan audio.AudioFrame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Frames implements [audio.Stream].
func (st *stream) Frames() <-chan audio.AudioFrame { return st.frames }

// Close implements [audio.Stream]. Stops the decode loop and waits for it to
// finish. Close does not interrupt a ReadPacket call already in flight; when
// the reader wraps a network transport, close that transport first. Safe to
// call more than once.
func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.done)
		st.wg.Wait()
	})
	return nil
}

var _ audio.Source = (*Source)(nil)
