package vad

import (
	"math"
	"time"
)

// Engine is the classification core: it folds fixed-length frames into
// edge-triggered speech events. One instance serves one stream and must only
// be driven from a single goroutine; the processing strategies guarantee
// that.
//
// Time is always the caller's stream-relative frame timestamp. The engine
// never reads the wall clock, which keeps replayed streams and tests exact.
type Engine struct {
	noiseThreshold  float64
	hysteresis      time.Duration
	silenceInterval time.Duration

	speaking    bool
	lastVoice   time.Duration
	lastSilence time.Duration
}

// NewEngine returns an engine tuned by cfg. The zero stream time counts as
// the last voiced moment, so silence durations before any speech are
// measured from stream start.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		noiseThreshold:  cfg.NoiseThreshold,
		hysteresis:      cfg.HysteresisWindow,
		silenceInterval: cfg.SilenceInterval,
	}
}

// Speaking reports whether the engine currently considers speech active.
func (e *Engine) Speaking() bool {
	return e.speaking
}

// Process classifies one frame and returns the events it triggered, usually
// none. Malformed frames (empty, or containing NaN or infinite samples)
// return [ErrMalformedFrame] and leave the detection state untouched.
func (e *Engine) Process(frame FrameSample) ([]Event, error) {
	if len(frame.Samples) == 0 {
		return nil, ErrMalformedFrame
	}
	var sum float64
	for _, s := range frame.Samples {
		sum += math.Abs(float64(s))
	}
	// NaN and Inf propagate through the sum, so one check covers every
	// sample.
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrMalformedFrame
	}
	energy := min(sum/float64(len(frame.Samples)), 1)

	now := frame.Timestamp
	var events []Event
	switch {
	case energy > e.noiseThreshold:
		e.lastVoice = now
		if !e.speaking {
			e.speaking = true
			events = append(events, Event{Kind: SpeechStart, Time: now, Energy: energy})
		}
	case e.speaking:
		// Quiet frames inside the hysteresis window keep speech active so
		// natural inter-word pauses do not end the segment.
		if now-e.lastVoice >= e.hysteresis {
			e.speaking = false
			e.lastSilence = now
			events = append(events,
				Event{Kind: SpeechEnd, Time: now, Energy: energy},
				Event{Kind: SilenceObserved, Time: now, SilenceFor: now - e.lastVoice},
			)
		}
	}
	return events, nil
}

// ObserveSilence emits a silence event when the stream has been quiet and
// the last one is at least a silence interval old. The strategies call this
// after every classified frame; the interval check turns that per-frame
// cadence into the configured reporting rate.
func (e *Engine) ObserveSilence(now time.Duration) []Event {
	if e.speaking {
		return nil
	}
	if now-e.lastSilence < e.silenceInterval {
		return nil
	}
	e.lastSilence = now
	return []Event{{Kind: SilenceObserved, Time: now, SilenceFor: now - e.lastVoice}}
}
