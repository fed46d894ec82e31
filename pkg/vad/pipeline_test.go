package vad_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sibilant-audio/sibilant/pkg/audio"
	audiomock "github.com/sibilant-audio/sibilant/pkg/audio/mock"
	"github.com/sibilant-audio/sibilant/pkg/power"
	powermock "github.com/sibilant-audio/sibilant/pkg/power/mock"
	"github.com/sibilant-audio/sibilant/pkg/vad"
)

// pcmFrame builds a mono s16le frame of n samples at constant amplitude.
func pcmFrame(amp int16, n, rate int, ts time.Duration) audio.AudioFrame {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = amp
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: rate,
		Channels:   1,
		Timestamp:  ts,
	}
}

// pushSpeechRun feeds six voiced then eight silent 256-sample frames, which
// with testConfig yields exactly one SpeechStart and one SpeechEnd with its
// paired SilenceObserved.
func pushSpeechRun(t *testing.T, st *audiomock.Stream) {
	t.Helper()
	frame := 16 * time.Millisecond
	for i := 0; i < 6; i++ {
		if !st.Push(pcmFrame(16000, 256, 16000, time.Duration(i)*frame)) {
			t.Fatalf("push voiced frame %d failed", i)
		}
	}
	for i := 6; i < 14; i++ {
		if !st.Push(pcmFrame(0, 256, 16000, time.Duration(i)*frame)) {
			t.Fatalf("push silent frame %d failed", i)
		}
	}
}

// eventRecorder collects pipeline events behind a mutex.
type eventRecorder struct {
	mu     sync.Mutex
	events []vad.Event
}

func (r *eventRecorder) add(ev vad.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) list() []vad.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vad.Event, len(r.events))
	copy(out, r.events)
	return out
}

// reportRecorder collects performance reports behind a mutex.
type reportRecorder struct {
	mu      sync.Mutex
	reports []vad.PerformanceReport
}

func (r *reportRecorder) add(pr vad.PerformanceReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, pr)
}

func (r *reportRecorder) list() []vad.PerformanceReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]vad.PerformanceReport, len(r.reports))
	copy(out, r.reports)
	return out
}

// find returns the first collected report satisfying ok.
func (r *reportRecorder) find(ok func(vad.PerformanceReport) bool) (vad.PerformanceReport, bool) {
	for _, pr := range r.list() {
		if ok(pr) {
			return pr, true
		}
	}
	return vad.PerformanceReport{}, false
}

// errorRecorder collects pipeline errors behind a mutex.
type errorRecorder struct {
	mu   sync.Mutex
	errs []*vad.PipelineError
}

func (r *errorRecorder) add(pe *vad.PipelineError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, pe)
}

func (r *errorRecorder) list() []*vad.PipelineError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*vad.PipelineError, len(r.errs))
	copy(out, r.errs)
	return out
}

// waitFor polls cond every millisecond until it holds or the deadline
// passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// feedSilence pushes silent frames on a fixed cadence until stop is closed.
// Returns a channel closed once the feeder has exited.
func feedSilence(st *audiomock.Stream, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts := time.Duration(0)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				st.Push(pcmFrame(0, 256, 16000, ts))
				ts += 16 * time.Millisecond
			}
		}
	}()
	return done
}

func TestPipeline_DetectsSpeechEndToEnd(t *testing.T) {
	t.Parallel()

	st := audiomock.NewStream(32)
	src := &audiomock.Source{OpenResult: st}
	rec := &eventRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddEventListener(rec.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if len(src.OpenCalls) != 1 {
		t.Fatalf("OpenCalls = %d, want 1", len(src.OpenCalls))
	}
	wantSpec := audio.StreamSpec{SampleRate: 16000, Channels: 1, FrameSize: 256}
	if got := src.OpenCalls[0].Spec; got != wantSpec {
		t.Errorf("Open spec = %+v, want %+v", got, wantSpec)
	}

	pushSpeechRun(t, st)
	st.Close()

	// Dispose drains capture and flushes the worker, so afterwards every
	// event has been delivered.
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}

	events := rec.list()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), events)
	}
	if events[0].Kind != vad.SpeechStart || events[0].Time != 0 {
		t.Errorf("event[0] = %+v, want SpeechStart at 0", events[0])
	}
	if math.Abs(events[0].Energy-0.48828125) > 1e-6 {
		t.Errorf("SpeechStart energy = %v, want ~0.488", events[0].Energy)
	}
	if events[1].Kind != vad.SpeechEnd || events[1].Time != 128*time.Millisecond {
		t.Errorf("event[1] = %+v, want SpeechEnd at 128ms", events[1])
	}
	if events[2].Kind != vad.SilenceObserved || events[2].SilenceFor != 48*time.Millisecond {
		t.Errorf("event[2] = %+v, want SilenceObserved 48ms after the last voice", events[2])
	}
}

func TestPipeline_SilenceObservedEndToEnd(t *testing.T) {
	t.Parallel()

	st := audiomock.NewStream(32)
	src := &audiomock.Source{OpenResult: st}
	rec := &eventRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddEventListener(rec.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	// Ten silent frames reach 144 ms of stream time, past the 100 ms
	// silence cadence.
	for i := 0; i < 10; i++ {
		st.Push(pcmFrame(0, 256, 16000, time.Duration(i)*16*time.Millisecond))
	}
	st.Close()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}

	events := rec.list()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	ev := events[0]
	if ev.Kind != vad.SilenceObserved {
		t.Fatalf("Kind = %v, want SilenceObserved", ev.Kind)
	}
	// No voice was ever heard, so the silence spans the whole stream.
	if ev.SilenceFor != ev.Time {
		t.Errorf("SilenceFor = %v at %v, want them equal", ev.SilenceFor, ev.Time)
	}
	if ev.SilenceFor < 100*time.Millisecond {
		t.Errorf("SilenceFor = %v, want at least the 100ms cadence", ev.SilenceFor)
	}
}

func TestPipeline_InitializeDisposeIdempotent(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{}
	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	if err := p.Dispose(ctx); err != nil {
		t.Errorf("Dispose() before Initialize = %v, want nil", err)
	}
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := p.Initialize(ctx, src); err != nil {
		t.Errorf("second Initialize() = %v, want nil", err)
	}
	if got := len(src.OpenCalls); got != 1 {
		t.Errorf("OpenCalls after double Initialize = %d, want 1", got)
	}
	if !p.Running() {
		t.Error("Running() = false after Initialize")
	}

	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if err := p.Dispose(ctx); err != nil {
		t.Errorf("second Dispose() = %v, want nil", err)
	}
	if p.Running() {
		t.Error("Running() = true after Dispose")
	}
}

func TestPipeline_Reinitialize(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{}
	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	for cycle := 0; cycle < 3; cycle++ {
		if err := p.Initialize(ctx, src); err != nil {
			t.Fatalf("cycle %d Initialize() error: %v", cycle, err)
		}
		if err := p.Dispose(ctx); err != nil {
			t.Fatalf("cycle %d Dispose() error: %v", cycle, err)
		}
	}
	if got := len(src.OpenCalls); got != 3 {
		t.Errorf("OpenCalls = %d, want 3", got)
	}
}

func TestPipeline_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SampleRate = 0
	_, err := vad.New(cfg)
	if err == nil {
		t.Fatal("New() with zero sample rate = nil error")
	}
	var pe *vad.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *PipelineError", err)
	}
	if pe.Class != vad.ClassFatalInit {
		t.Errorf("Class = %v, want fatal-init", pe.Class)
	}
}

func TestPipeline_OpenFailureUnwinds(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mobile = vad.MobileConfig{Enabled: true, BatteryAware: true}
	batt := powermock.New(power.State{Level: 0.9})
	src := &audiomock.Source{OpenError: errors.New("device busy")}

	p, err := vad.New(cfg, vad.WithLogger(quietLogger()), vad.WithBatterySource(batt))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()

	err = p.Initialize(ctx, src)
	if err == nil {
		t.Fatal("Initialize() = nil with a failing source")
	}
	var pe *vad.PipelineError
	if !errors.As(err, &pe) || pe.Class != vad.ClassFatalInit {
		t.Errorf("error = %v, want fatal-init PipelineError", err)
	}
	if p.Running() {
		t.Error("Running() = true after failed Initialize")
	}
	// The battery watch started during the attempt must be unwound.
	if got := batt.Subscribers(); got != 0 {
		t.Errorf("battery Subscribers() = %d after failed Initialize, want 0", got)
	}

	// The pipeline stays usable.
	if err := p.Initialize(ctx, &audiomock.Source{}); err != nil {
		t.Fatalf("Initialize() after recovery error: %v", err)
	}
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
}

func TestPipeline_BatterySubscribeFailureDegrades(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mobile = vad.MobileConfig{Enabled: true, BatteryAware: true}
	batt := powermock.New(power.State{Level: 0.5})
	batt.SubscribeError = errors.New("udev socket gone")
	st := audiomock.NewStream(32)
	src := &audiomock.Source{OpenResult: st}
	events := &eventRecorder{}
	errsRec := &errorRecorder{}

	p, err := vad.New(cfg, vad.WithLogger(quietLogger()), vad.WithBatterySource(batt))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddEventListener(events.add)
	p.AddErrorListener(errsRec.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() = %v, want nil despite broken battery", err)
	}

	reported := errsRec.list()
	if len(reported) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(reported), reported)
	}
	if reported[0].Class != vad.ClassDegraded {
		t.Errorf("Class = %v, want degraded-capability", reported[0].Class)
	}

	// Detection itself is unaffected.
	pushSpeechRun(t, st)
	st.Close()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if got := events.list(); len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestPipeline_ListenerPanicIsolated(t *testing.T) {
	t.Parallel()

	st := audiomock.NewStream(32)
	src := &audiomock.Source{OpenResult: st}
	rec := &eventRecorder{}
	reports := &reportRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()), vad.WithReportInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddEventListener(func(vad.Event) { panic("bad event listener") })
	p.AddEventListener(rec.add)
	p.AddReportListener(func(vad.PerformanceReport) { panic("bad report listener") })
	p.AddReportListener(reports.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}

	pushSpeechRun(t, st)
	waitFor(t, 3*time.Second, "a report past the panicking listener", func() bool {
		return len(reports.list()) > 0
	})
	st.Close()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}

	if got := rec.list(); len(got) != 3 {
		t.Errorf("second event listener got %d events, want 3", len(got))
	}
}

func TestPipeline_RemoveListener(t *testing.T) {
	t.Parallel()

	st := audiomock.NewStream(32)
	src := &audiomock.Source{OpenResult: st}
	first := &eventRecorder{}
	second := &eventRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := p.AddEventListener(first.add)
	p.AddEventListener(second.add)
	p.RemoveEventListener(h)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	pushSpeechRun(t, st)
	st.Close()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}

	if got := first.list(); len(got) != 0 {
		t.Errorf("removed listener got %d events, want 0", len(got))
	}
	if got := second.list(); len(got) != 3 {
		t.Errorf("remaining listener got %d events, want 3", len(got))
	}
}

func TestPipeline_ReportsFlow(t *testing.T) {
	t.Parallel()

	st := audiomock.NewStream(256)
	src := &audiomock.Source{OpenResult: st}
	reports := &reportRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()), vad.WithReportInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddReportListener(reports.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	stop := make(chan struct{})
	fed := feedSilence(st, stop)

	var snap vad.PerformanceReport
	waitFor(t, 5*time.Second, "a report with 32 processed frames", func() bool {
		r, ok := reports.find(func(r vad.PerformanceReport) bool {
			return r.FramesProcessed >= 32
		})
		snap = r
		return ok
	})

	kind, ok := p.Strategy()
	if !ok {
		t.Fatal("Strategy() not ok while running")
	}
	if snap.Strategy != kind {
		t.Errorf("report Strategy = %v, want %v", snap.Strategy, kind)
	}
	if snap.BufferSize != 256 {
		t.Errorf("report BufferSize = %d, want 256", snap.BufferSize)
	}
	if snap.Timestamp.IsZero() {
		t.Error("report Timestamp is zero")
	}
	if snap.ErrorCount != 0 {
		t.Errorf("report ErrorCount = %d, want 0", snap.ErrorCount)
	}
	if snap.BatteryLevel != -1 {
		t.Errorf("report BatteryLevel = %v, want -1 without a battery", snap.BatteryLevel)
	}
	if snap.LowPower {
		t.Error("report LowPower = true without a battery")
	}

	close(stop)
	<-fed
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}

	// No reports are delivered once disposed.
	count := len(reports.list())
	time.Sleep(50 * time.Millisecond)
	if got := len(reports.list()); got != count {
		t.Errorf("reports after Dispose: %d, want %d", got, count)
	}
}

func TestPipeline_ReportsDroppedNotQueued(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{}
	reports := &reportRecorder{}

	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()), vad.WithReportInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	// A listener an order of magnitude slower than the cadence.
	p.AddReportListener(func(r vad.PerformanceReport) {
		reports.add(r)
		time.Sleep(50 * time.Millisecond)
	})

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	waitFor(t, 5*time.Second, "a report counting drops", func() bool {
		_, ok := reports.find(func(r vad.PerformanceReport) bool {
			return r.DroppedReports > 0
		})
		return ok
	})
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
}

func TestPipeline_PowerAdaptation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mobile = vad.MobileConfig{
		Enabled:            true,
		AdaptiveBufferSize: true,
		BatteryAware:       true,
		PowerSaveEnabled:   true,
	}
	batt := powermock.New(power.State{Level: 0.9, Charging: false})
	st := audiomock.NewStream(256)
	src := &audiomock.Source{OpenResult: st}
	reports := &reportRecorder{}

	p, err := vad.New(cfg,
		vad.WithLogger(quietLogger()),
		vad.WithBatterySource(batt),
		vad.WithReportInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.AddReportListener(reports.add)

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := p.BufferSize(); got != 256 {
		t.Fatalf("BufferSize() = %d at full charge, want 256", got)
	}

	// Transitions apply synchronously: by the time SetState returns, the
	// advice is in place.
	batt.SetState(power.State{Level: 0.1, Charging: false})
	if got := p.BufferSize(); got != 512 {
		t.Fatalf("BufferSize() = %d on low battery, want 512", got)
	}

	stop := make(chan struct{})
	fed := feedSilence(st, stop)

	var snap vad.PerformanceReport
	waitFor(t, 5*time.Second, "a low-power report with skipped frames", func() bool {
		r, ok := reports.find(func(r vad.PerformanceReport) bool {
			return r.LowPower && r.FramesSkipped >= 4
		})
		snap = r
		return ok
	})
	if snap.BufferSize != 512 {
		t.Errorf("report BufferSize = %d, want 512", snap.BufferSize)
	}
	if snap.BatteryLevel != 0.1 {
		t.Errorf("report BatteryLevel = %v, want 0.1", snap.BatteryLevel)
	}

	// Plugging in restores the base size and stops the decimation.
	batt.SetState(power.State{Level: 0.1, Charging: true})
	if got := p.BufferSize(); got != 256 {
		t.Errorf("BufferSize() = %d while charging, want 256", got)
	}

	close(stop)
	<-fed
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
}

func TestPipeline_StrategyFixedPerSession(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{}
	p, err := vad.New(testConfig(), vad.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, ok := p.Strategy(); ok {
		t.Error("Strategy() ok before Initialize")
	}

	ctx := context.Background()
	if err := p.Initialize(ctx, src); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	kind, ok := p.Strategy()
	if !ok {
		t.Fatal("Strategy() not ok while running")
	}
	if want := vad.SelectStrategy(p.Capabilities()); kind != want {
		t.Errorf("Strategy() = %v, want %v per capabilities", kind, want)
	}

	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if _, ok := p.Strategy(); ok {
		t.Error("Strategy() ok after Dispose")
	}
}
