// Package vad implements an adaptive voice activity detection pipeline.
//
// A [Pipeline] pulls raw audio from an [audio.Source], cuts it into
// fixed-size windows, classifies each window as voiced or silent by its
// normalized mean amplitude, and surfaces the results as edge-triggered
// events: [SpeechStart], [SpeechEnd] (after a hysteresis window), and
// periodic [SilenceObserved] notifications.
//
// The pipeline adapts to the host it runs on. At initialize time it probes
// [DeviceCapabilities] once and fixes a processing strategy for the session:
// classification runs on a dedicated worker goroutine when a spare core
// exists, synchronously on the capture goroutine otherwise. On hosts with a
// readable battery it can double the analysis window and decimate
// classification while discharging on a low charge, trading detection
// latency for power.
//
// Once a second the pipeline delivers a complete [PerformanceReport]
// snapshot. Reports are dropped, never queued, when listeners fall behind.
//
// All listener callbacks run on pipeline goroutines and must return
// promptly; a listener that blocks delays detection or costs reports.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sibilant-audio/sibilant/pkg/audio"
	"github.com/sibilant-audio/sibilant/pkg/power"
)

// Option customizes a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithBatterySource sets the battery reader used for capability probing and
// power adaptation. Without one the host is treated as battery-less.
func WithBatterySource(src power.Source) Option {
	return func(p *Pipeline) {
		p.batt = src
	}
}

// WithReportInterval overrides the performance report cadence. Defaults to
// one second.
func WithReportInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.interval = d
	}
}

// Pipeline is the detection session manager. Construct with [New], start
// with [Initialize], stop with [Dispose]. A disposed pipeline can be
// initialized again; listeners survive across cycles.
type Pipeline struct {
	cfg      Config
	log      *slog.Logger
	batt     power.Source
	interval time.Duration

	events  *listenerSet[Event]
	reports *listenerSet[PerformanceReport]
	errs    *listenerSet[*PipelineError]

	// bufSize is the current effective frame size in samples. Written on
	// battery transitions, read by the capture loop before each cut.
	bufSize atomic.Int64

	mu      sync.Mutex
	running bool
	caps    DeviceCapabilities
	strat   strategy
	closers []func(context.Context) error
}

// New validates cfg and returns an idle pipeline. Errors are of class
// [ClassFatalInit].
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &PipelineError{Class: ClassFatalInit, Op: "config", Err: err}
	}
	p := &Pipeline{
		cfg:      cfg,
		log:      slog.Default(),
		interval: defaultReportInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.events = newListenerSet[Event]("events", p.log)
	p.reports = newListenerSet[PerformanceReport]("reports", p.log)
	p.errs = newListenerSet[*PipelineError]("errors", p.log)
	return p, nil
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

// Initialize probes the host, fixes the session's strategy and buffer size,
// opens src, and starts capture. Calling Initialize on a running pipeline is
// a no-op returning nil. On failure everything already started is torn down
// and the pipeline stays idle.
func (p *Pipeline) Initialize(ctx context.Context, src audio.Source) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}

	caps := ProbeCapabilities(p.batt)
	p.caps = caps

	mobile := p.cfg.Mobile
	var battSrc power.Source
	if mobile.Enabled && mobile.BatteryAware && caps.HasBattery {
		battSrc = p.batt
	}
	adaptive := mobile.Enabled && mobile.AdaptiveBufferSize
	gate := newSkipGate(mobile.Enabled && mobile.PowerSaveEnabled, mobile.FrameSkipDivisor)

	gov := NewGovernor(battSrc, func(low bool) {
		gate.setLowPower(low)
		p.bufSize.Store(int64(AdviseBufferSize(p.cfg.BaseBufferSize, low, adaptive)))
	}, p.log)

	var closers []func(context.Context) error
	unwind := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](context.Background()); err != nil {
				p.log.Warn("cleanup after failed initialize", "error", err)
			}
		}
	}

	// A broken battery source is a degradation: the session runs, it just
	// stops adapting to power. Reported after the lock is released so
	// listeners may call back into the pipeline.
	var degraded *PipelineError
	if err := gov.Attach(); err != nil {
		degraded = &PipelineError{Class: ClassDegraded, Op: "battery", Err: err}
	}
	closers = append(closers, func(context.Context) error {
		gov.Detach()
		return nil
	})

	p.bufSize.Store(int64(AdviseBufferSize(p.cfg.BaseBufferSize, gov.LowPower(), adaptive)))

	engine := NewEngine(p.cfg)
	var strat strategy
	if SelectStrategy(caps) == StrategyOffloaded {
		strat = newOffloadedStrategy(engine, gate, p.emitEvent, p.reportError, p.log)
	} else {
		strat = newInlineStrategy(engine, gate, p.emitEvent, p.reportError)
	}
	closers = append(closers, strat.close)

	stream, err := src.Open(ctx, audio.StreamSpec{
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
		FrameSize:  int(p.bufSize.Load()),
	})
	if err != nil {
		unwind()
		p.mu.Unlock()
		return &PipelineError{Class: ClassFatalInit, Op: "open source", Err: err}
	}
	ingestDone := make(chan struct{})
	closers = append(closers, func(ctx context.Context) error {
		cerr := stream.Close()
		select {
		case <-ingestDone:
		case <-ctx.Done():
			return fmt.Errorf("vad: capture drain: %w", ctx.Err())
		}
		return cerr
	})

	agg := newAggregator(p.interval, strat, gov, &p.bufSize, caps.HasPerfMetrics, p.reports.emit, p.log)
	closers = append(closers, func(context.Context) error {
		agg.stop()
		return nil
	})

	go p.ingest(stream, strat, ingestDone)

	p.strat = strat
	p.closers = closers
	p.running = true
	p.mu.Unlock()

	if degraded != nil {
		p.reportError(degraded)
	}
	p.log.Info("pipeline initialized",
		"strategy", strat.kind().String(),
		"buffer_size", p.bufSize.Load(),
		"sample_rate", p.cfg.SampleRate,
		"cores", caps.CPUCores,
		"battery", caps.HasBattery,
		"mobile", mobile.Enabled)
	return nil
}

// Dispose stops capture and tears the session down in reverse initialization
// order: reports stop first, then the source drains, then the worker exits,
// then the battery watch detaches. Calling Dispose on an idle pipeline is a
// no-op returning nil.
func (p *Pipeline) Dispose(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	closers := p.closers
	p.closers = nil
	p.strat = nil
	p.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("vad: dispose: %w", err)
	}
	p.log.Info("pipeline disposed")
	return nil
}

// Running reports whether a session is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Capabilities returns the probe result of the current or most recent
// session. Zero before the first Initialize.
func (p *Pipeline) Capabilities() DeviceCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// Strategy returns the session's processing strategy. ok is false while
// idle.
func (p *Pipeline) Strategy() (kind StrategyKind, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strat == nil {
		return 0, false
	}
	return p.strat.kind(), true
}

// BufferSize returns the current effective frame size in samples.
func (p *Pipeline) BufferSize() int {
	return int(p.bufSize.Load())
}

// ── Listeners ───────────────────────────────────────────────────────────────

// AddEventListener registers fn for detection events. Events arrive in
// strict temporal order on a pipeline goroutine.
func (p *Pipeline) AddEventListener(fn func(Event)) Handle {
	return p.events.add(fn)
}

// RemoveEventListener removes a previously registered event listener.
func (p *Pipeline) RemoveEventListener(h Handle) {
	p.events.remove(h)
}

// AddReportListener registers fn for once-per-second performance reports.
func (p *Pipeline) AddReportListener(fn func(PerformanceReport)) Handle {
	return p.reports.add(fn)
}

// RemoveReportListener removes a previously registered report listener.
func (p *Pipeline) RemoveReportListener(h Handle) {
	p.reports.remove(h)
}

// AddErrorListener registers fn for degraded-capability, recoverable, and
// worker-fatal errors. Fatal initialization errors are returned from
// [Initialize] instead.
func (p *Pipeline) AddErrorListener(fn func(*PipelineError)) Handle {
	return p.errs.add(fn)
}

// RemoveErrorListener removes a previously registered error listener.
func (p *Pipeline) RemoveErrorListener(h Handle) {
	p.errs.remove(h)
}

// ── Capture loop ────────────────────────────────────────────────────────────

// ingest drains the stream, cutting raw frames into fixed-size windows and
// feeding them to the strategy. It re-checks the advised buffer size before
// every push so a battery transition takes effect on the very next cut.
func (p *Pipeline) ingest(stream audio.Stream, strat strategy, done chan struct{}) {
	defer close(done)

	format := audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}
	want := int(p.bufSize.Load())
	chunker := audio.NewChunker(want, format)

	for raw := range stream.Frames() {
		if size := int(p.bufSize.Load()); size != want {
			if tail, ok := chunker.Flush(); ok {
				strat.submit(toFrameSample(tail))
			}
			p.log.Debug("resizing analysis window", "from", want, "to", size)
			want = size
			chunker = audio.NewChunker(want, format)
		}
		for _, cut := range chunker.Push(raw) {
			strat.submit(toFrameSample(cut))
		}
	}
	if tail, ok := chunker.Flush(); ok {
		strat.submit(toFrameSample(tail))
	}
}

func toFrameSample(f audio.AudioFrame) FrameSample {
	return FrameSample{
		Samples:   audio.Float32Samples(f.Data),
		Timestamp: f.Timestamp,
	}
}

func (p *Pipeline) emitEvent(ev Event) {
	p.log.Debug("detection event",
		"kind", ev.Kind.String(),
		"at", ev.Time,
		"energy", ev.Energy)
	p.events.emit(ev)
}

func (p *Pipeline) reportError(pe *PipelineError) {
	switch pe.Class {
	case ClassRecoverable:
		p.log.Debug("recoverable pipeline error", "op", pe.Op, "error", pe.Err)
	default:
		p.log.Warn("pipeline error", "class", pe.Class.String(), "op", pe.Op, "error", pe.Err)
	}
	p.errs.emit(pe)
}
