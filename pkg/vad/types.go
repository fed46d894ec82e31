package vad

import (
	"fmt"
	"time"
)

// FrameSample is one fixed-length window of normalized mono audio, the unit
// of classification. Sample values lie in [-1, 1]; the slice length equals
// the session's effective buffer size.
type FrameSample struct {
	// Samples holds the normalized amplitudes.
	Samples []float32 `json:"samples"`

	// Timestamp marks the window's capture time relative to stream start.
	Timestamp time.Duration `json:"timestamp"`
}

// EventKind enumerates the edge-triggered detection events.
type EventKind int

const (
	// SpeechStart fires on the first voiced frame after silence.
	SpeechStart EventKind = iota

	// SpeechEnd fires once no voiced frame has been seen for the configured
	// hysteresis window.
	SpeechEnd

	// SilenceObserved fires alongside [SpeechEnd] and then periodically while
	// silence holds, carrying the elapsed silence duration.
	SilenceObserved
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case SpeechStart:
		return "speech-start"
	case SpeechEnd:
		return "speech-end"
	case SilenceObserved:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is an edge-triggered detection result. Events fire only on state
// transitions (or, for [SilenceObserved], on the silence reporting cadence) —
// never once per frame.
type Event struct {
	// Kind is the transition that occurred.
	Kind EventKind

	// Time is the stream-relative timestamp of the triggering frame.
	Time time.Duration

	// Energy is the normalized energy of the triggering frame in [0, 1].
	// Zero for [SilenceObserved].
	Energy float64

	// SilenceFor is the elapsed time since the last voiced frame. Set only
	// for [SilenceObserved].
	SilenceFor time.Duration
}

// StrategyKind identifies where classification work runs.
type StrategyKind int

const (
	// StrategyInline classifies on the capture goroutine.
	StrategyInline StrategyKind = iota

	// StrategyOffloaded classifies on a dedicated worker goroutine.
	StrategyOffloaded
)

// String returns the human-readable name of the strategy.
func (s StrategyKind) String() string {
	switch s {
	case StrategyInline:
		return "inline"
	case StrategyOffloaded:
		return "offloaded"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so strategies render as
// names in JSON reports.
func (s StrategyKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler], accepting the names
// produced by [StrategyKind.MarshalText].
func (s *StrategyKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inline":
		*s = StrategyInline
	case "offloaded":
		*s = StrategyOffloaded
	default:
		return fmt.Errorf("vad: unknown strategy %q", text)
	}
	return nil
}

// DeviceCapabilities is the one-shot host probe result. Immutable once
// probed; the pipeline passes it to dependents as plain data and never
// re-queries the host mid-session.
type DeviceCapabilities struct {
	// Mobile reports a phone/tablet class host.
	Mobile bool `json:"mobile"`

	// CPUCores is the logical CPU count.
	CPUCores int `json:"cpuCores"`

	// HasBattery reports a readable host battery.
	HasBattery bool `json:"hasBattery"`

	// HasWorker reports that offloaded classification is worthwhile.
	HasWorker bool `json:"hasWorker"`

	// HasPerfMetrics reports that runtime memory metrics are readable.
	HasPerfMetrics bool `json:"hasPerfMetrics"`
}

// RawStats is the counter snapshot produced inside a processing strategy and
// merged into performance reports by the aggregator.
type RawStats struct {
	// FramesProcessed counts frames that went through classification.
	FramesProcessed int64 `json:"framesProcessed"`

	// FramesSkipped counts frames deliberately not classified under power
	// saving.
	FramesSkipped int64 `json:"framesSkipped"`

	// FramesDropped counts frames lost to queue backpressure.
	FramesDropped int64 `json:"framesDropped"`

	// RecoverableErrors counts malformed frames and other per-frame failures
	// the session survived.
	RecoverableErrors int64 `json:"recoverableErrors"`

	// StateTransitions counts speech/silence edges since the session started.
	StateTransitions int64 `json:"stateTransitions"`

	// AvgProcessTime is the mean classification time over the recent window.
	AvgProcessTime time.Duration `json:"avgProcessTime"`

	// P95ProcessTime is the 95th-percentile classification time over the
	// recent window.
	P95ProcessTime time.Duration `json:"p95ProcessTime"`
}

// PerformanceReport is the once-per-second health snapshot delivered to
// report listeners. Every report is complete — consumers never need to
// combine deltas.
type PerformanceReport struct {
	// Timestamp is the wall-clock time the report was assembled.
	Timestamp time.Time `json:"timestamp"`

	// Strategy is the processing strategy selected for this session.
	Strategy StrategyKind `json:"strategy"`

	// BufferSize is the effective frame size in samples at report time.
	BufferSize int `json:"bufferSize"`

	// FramesProcessed, FramesSkipped, FramesDropped, StateTransitions, and
	// ErrorCount are session-lifetime counters.
	FramesProcessed  int64 `json:"framesProcessed"`
	FramesSkipped    int64 `json:"framesSkipped"`
	FramesDropped    int64 `json:"framesDropped"`
	StateTransitions int64 `json:"stateTransitions"`
	ErrorCount       int64 `json:"errorCount"`

	// DroppedReports counts reports discarded because the previous one was
	// still being delivered.
	DroppedReports int64 `json:"droppedReports"`

	// AvgProcessTime and P95ProcessTime describe recent classification cost.
	AvgProcessTime time.Duration `json:"avgProcessTime"`
	P95ProcessTime time.Duration `json:"p95ProcessTime"`

	// PeakMemoryBytes is the highest observed heap usage. Zero when the host
	// lacks readable memory metrics.
	PeakMemoryBytes uint64 `json:"peakMemoryBytes"`

	// LowPower reports whether power saving was engaged at report time.
	LowPower bool `json:"lowPower"`

	// BatteryLevel is the battery charge in [0, 1], or -1 when unknown.
	BatteryLevel float64 `json:"batteryLevel"`

	// Charging reports whether the battery was charging at report time.
	// False when no battery source is attached.
	Charging bool `json:"charging"`
}
