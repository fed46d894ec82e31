package audio

import (
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter normalizes capture frames into the detection format: signed
// 16-bit little-endian PCM, mono, at the target rate. Capture hardware rarely
// delivers exactly that — Opus decoders hand back 48 kHz stereo, desktop
// microphones whatever the driver negotiated — so every frame passes through
// here before it is windowed.
//
// Frames are downmixed to mono before the rate is touched; resampling one
// channel is half the work of resampling two. Create one per stream; not safe
// for shared use across goroutines.
type FormatConverter struct {
	// TargetRate is the sample rate frames are converted to.
	TargetRate int

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert normalizes one frame. Frames already mono at the target rate pass
// through untouched. Frames whose byte count cannot hold whole int16 samples
// are dropped: the returned frame carries the target format and no data.
//
// The first mismatching and the first corrupt frame are logged; after that
// the conversion is silent.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("dropping PCM frame with a torn sample",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels)
		})
		return AudioFrame{SampleRate: c.TargetRate, Channels: 1, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.TargetRate && frame.Channels == 1 {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Warn("converting capture format",
			"from_rate", frame.SampleRate,
			"from_channels", frame.Channels,
			"to_rate", c.TargetRate)
	})

	pcm := DownmixMono(frame.Data, frame.Channels)
	pcm = ResampleMono16(pcm, frame.SampleRate, c.TargetRate)
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.TargetRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// DownmixMono collapses interleaved multi-channel s16le PCM into mono by
// averaging each sample group. The average of int16 values always fits in an
// int16, so no clamping is needed. Channel counts below two return the input
// unchanged.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels < 2 {
		return pcm
	}
	groups := len(pcm) / (2 * channels)
	out := make([]byte, groups*2)
	for g := range groups {
		sum := 0
		for ch := range channels {
			sum += int(sampleAt(pcm, g*channels+ch))
		}
		avg := sum / channels
		out[g*2] = byte(avg)
		out[g*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 converts mono s16le PCM between sample rates by linear
// interpolation. Linear is plenty for an energy detector: the classifier
// consumes mean amplitude, not spectral detail. The input is returned
// unchanged when the rates already match or are not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := len(pcm) / 2
	dst := int(int64(src) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}

	out := make([]byte, dst*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		s0 := sampleAt(pcm, j)
		s1 := s0
		if j+1 < src {
			s1 = sampleAt(pcm, j+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = sampleAt(b, i)
	}
	return pcm
}

// Float32Samples converts little-endian int16 PCM bytes to normalized float32
// samples in [-1, 1). Detection code operates on normalized amplitudes so the
// same thresholds work regardless of capture bit depth.
func Float32Samples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768.0
	}
	return out
}
