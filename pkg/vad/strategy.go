package vad

import (
	"context"
	"sync/atomic"
	"time"
)

// Frame-skip decimation under power saving: only every Nth frame is
// classified. Anything below the minimum cannot save work, so such values
// fall back to the default.
const (
	defaultFrameSkipDivisor = 2
	minFrameSkipDivisor     = 2
)

// strategy is where classification runs. The selection is made once per
// session by [SelectStrategy]; submit is only ever called from the capture
// goroutine.
type strategy interface {
	kind() StrategyKind
	submit(frame FrameSample)
	stats() RawStats
	close(ctx context.Context) error
}

// skipGate decides per frame whether power saving drops it before
// classification. A nil gate never skips.
type skipGate struct {
	enabled bool
	every   int64
	low     atomic.Bool
	n       atomic.Int64
}

func newSkipGate(enabled bool, divisor int) *skipGate {
	if divisor < minFrameSkipDivisor {
		divisor = defaultFrameSkipDivisor
	}
	return &skipGate{enabled: enabled, every: int64(divisor)}
}

func (g *skipGate) setLowPower(v bool) {
	if g == nil {
		return
	}
	g.low.Store(v)
}

// skip reports whether this frame should be dropped. Skipped frames never
// reach the engine, so they cannot move the voice clock.
func (g *skipGate) skip() bool {
	if g == nil || !g.enabled || !g.low.Load() {
		return false
	}
	return g.n.Add(1)%g.every != 0
}

// ── Inline strategy ─────────────────────────────────────────────────────────

// inlineStrategy classifies synchronously on the capture goroutine. Chosen
// on single-core hosts, and the fallback after a worker death.
type inlineStrategy struct {
	engine    *Engine
	coll      *statsCollector
	gate      *skipGate
	emit      func(Event)
	reportErr func(*PipelineError)
}

var _ strategy = (*inlineStrategy)(nil)

func newInlineStrategy(engine *Engine, gate *skipGate, emit func(Event), reportErr func(*PipelineError)) *inlineStrategy {
	return &inlineStrategy{
		engine:    engine,
		coll:      newStatsCollector(),
		gate:      gate,
		emit:      emit,
		reportErr: reportErr,
	}
}

func (s *inlineStrategy) kind() StrategyKind { return StrategyInline }

func (s *inlineStrategy) submit(frame FrameSample) {
	if s.gate.skip() {
		s.coll.recordSkip()
		return
	}
	classify(frame, s.engine, s.coll, s.emit, s.reportErr)
}

func (s *inlineStrategy) stats() RawStats { return s.coll.snapshot() }

func (s *inlineStrategy) close(context.Context) error { return nil }

// classify runs one frame through an engine and fans out the results. Shared
// by the inline strategy and the worker loop; both uphold the engine's
// single-goroutine contract.
func classify(frame FrameSample, engine *Engine, coll *statsCollector, emit func(Event), reportErr func(*PipelineError)) {
	start := time.Now()
	events, err := engine.Process(frame)
	if err != nil {
		coll.recordError()
		reportErr(&PipelineError{Class: ClassRecoverable, Op: "classify", Err: err})
		return
	}
	coll.recordProcess(time.Since(start))
	edges := 0
	for _, ev := range events {
		if ev.Kind == SpeechStart || ev.Kind == SpeechEnd {
			edges++
		}
	}
	coll.recordTransitions(edges)
	events = append(events, engine.ObserveSilence(frame.Timestamp)...)
	for _, ev := range events {
		emit(ev)
	}
}
