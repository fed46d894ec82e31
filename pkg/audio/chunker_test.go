package audio_test

import (
	"testing"
	"time"

	"github.com/sibilant-audio/sibilant/pkg/audio"
)

func monoFrame(samples []int16, rate int, ts time.Duration) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       samplesToBytes(samples),
		SampleRate: rate,
		Channels:   1,
		Timestamp:  ts,
	}
}

func TestChunker_ExactMultiple(t *testing.T) {
	c := audio.NewChunker(4, audio.Format{SampleRate: 16000, Channels: 1})

	out := c.Push(monoFrame([]int16{1, 2, 3, 4, 5, 6, 7, 8}, 16000, 0))
	if len(out) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(out))
	}
	for i, frame := range out {
		if got := frame.Samples(); got != 4 {
			t.Errorf("frame %d: Samples() = %d, want 4", i, got)
		}
	}
	got := bytesToSamples(out[1].Data)
	want := []int16{5, 6, 7, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame 1 sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestChunker_AccumulatesFragments(t *testing.T) {
	c := audio.NewChunker(4, audio.Format{SampleRate: 16000, Channels: 1})

	if out := c.Push(monoFrame([]int16{1, 2}, 16000, 0)); out != nil {
		t.Fatalf("expected no frames after partial push, got %d", len(out))
	}
	if out := c.Push(monoFrame([]int16{3}, 16000, 0)); out != nil {
		t.Fatalf("expected no frames after partial push, got %d", len(out))
	}
	out := c.Push(monoFrame([]int16{4, 5}, 16000, 0))
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	got := bytesToSamples(out[0].Data)
	want := []int16{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestChunker_ConvertsToTargetFormat(t *testing.T) {
	// Stereo 48 kHz in, mono 16 kHz windows out.
	c := audio.NewChunker(4, audio.Format{SampleRate: 16000, Channels: 2})

	stereo := audio.AudioFrame{
		// 12 stereo sample pairs at 48 kHz → 4 mono samples at 16 kHz.
		Data:       samplesToBytes(make([]int16, 24)),
		SampleRate: 48000,
		Channels:   2,
	}
	out := c.Push(stereo)
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	if out[0].Channels != 1 {
		t.Errorf("Channels = %d, want 1", out[0].Channels)
	}
	if out[0].SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", out[0].SampleRate)
	}
	if got := out[0].Samples(); got != 4 {
		t.Errorf("Samples() = %d, want 4", got)
	}
}

func TestChunker_Flush(t *testing.T) {
	c := audio.NewChunker(4, audio.Format{SampleRate: 16000, Channels: 1})

	if _, ok := c.Flush(); ok {
		t.Fatal("Flush on empty chunker should report false")
	}

	c.Push(monoFrame([]int16{9, 9}, 16000, 0))
	frame, ok := c.Flush()
	if !ok {
		t.Fatal("Flush with buffered samples should report true")
	}
	got := bytesToSamples(frame.Data)
	want := []int16{9, 9, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("flushed frame has %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}

	if _, ok := c.Flush(); ok {
		t.Error("second Flush should report false")
	}
}

func TestChunker_SynthesizedTimestamps(t *testing.T) {
	c := audio.NewChunker(8, audio.Format{SampleRate: 16000, Channels: 1})

	base := 500 * time.Millisecond
	out := c.Push(monoFrame(make([]int16, 16), 16000, base))
	if len(out) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(out))
	}
	if out[0].Timestamp != base {
		t.Errorf("first timestamp = %v, want %v", out[0].Timestamp, base)
	}
	wantSecond := base + 8*time.Second/16000
	if out[1].Timestamp != wantSecond {
		t.Errorf("second timestamp = %v, want %v", out[1].Timestamp, wantSecond)
	}
}
