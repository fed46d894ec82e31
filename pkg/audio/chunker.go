package audio

import (
	"bytes"
	"time"
)

// Chunker re-slices a stream of variable-length frames into frames of exactly
// size samples. Capture devices deliver whatever cadence their driver likes;
// detection code wants fixed windows. Frames pushed into the chunker are first
// converted to the target format, then buffered and cut.
//
// Create one per stream; not designed for shared use across goroutines.
type Chunker struct {
	conv FormatConverter
	buf  bytes.Buffer

	size    int // samples per output frame
	started bool
	base    time.Duration // timestamp of the first pushed frame
	emitted int64         // total samples emitted so far
}

// NewChunker creates a Chunker producing frames of size samples at
// target.SampleRate. size must be positive. Output is always mono regardless
// of target.Channels; the detection engine operates on single-channel windows.
func NewChunker(size int, target Format) *Chunker {
	return &Chunker{
		conv: FormatConverter{TargetRate: target.SampleRate},
		size: size,
	}
}

// Size returns the number of samples per output frame.
func (c *Chunker) Size() int { return c.size }

// Push converts frame to the target format, appends it to the internal
// buffer, and returns all complete fixed-size frames now available (possibly
// none). Output timestamps are synthesized from the emitted sample position so
// they stay monotonic even when the source's own timestamps jitter.
func (c *Chunker) Push(frame AudioFrame) []AudioFrame {
	if !c.started {
		c.started = true
		c.base = frame.Timestamp
	}

	converted := c.conv.Convert(frame)
	if len(converted.Data) == 0 {
		return nil
	}
	c.buf.Write(converted.Data)

	frameBytes := c.size * 2
	var out []AudioFrame
	for c.buf.Len() >= frameBytes {
		data := make([]byte, frameBytes)
		c.buf.Read(data)
		out = append(out, c.emit(data))
	}
	return out
}

// Flush returns the buffered remainder as a final zero-padded frame so
// trailing audio still reaches the detector. Returns false when the buffer is
// empty. The chunker is reusable after Flush.
func (c *Chunker) Flush() (AudioFrame, bool) {
	if c.buf.Len() == 0 {
		return AudioFrame{}, false
	}
	data := make([]byte, c.size*2)
	c.buf.Read(data[:c.buf.Len()])
	c.buf.Reset()
	return c.emit(data), true
}

func (c *Chunker) emit(data []byte) AudioFrame {
	ts := c.base + time.Duration(c.emitted)*time.Second/time.Duration(c.conv.TargetRate)
	c.emitted += int64(c.size)
	return AudioFrame{
		Data:       data,
		SampleRate: c.conv.TargetRate,
		Channels:   1,
		Timestamp:  ts,
	}
}
