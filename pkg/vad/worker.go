package vad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// workerQueueDepth bounds the frame queue to the worker. A full queue drops
// the frame rather than stall capture.
const workerQueueDepth = 16

// metricsPushEvery is how many classified frames the worker processes
// between metrics messages.
const metricsPushEvery = 16

// Message type tags of the worker protocol. Frames and terminate travel to
// the worker; metrics and errors travel back.
const (
	msgFrame     = "frame"
	msgMetrics   = "metrics"
	msgTerminate = "terminate"
	msgError     = "error"
)

// workerMessage is the tagged union exchanged with the processing worker.
type workerMessage struct {
	Type  string       `json:"type"`
	Frame *FrameSample `json:"frame,omitempty"`
	Stats *RawStats    `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
	Fatal bool         `json:"fatal,omitempty"`

	// err carries the typed cause alongside its wire form, so in-process
	// listeners keep errors.Is working.
	err error
}

// ── Offloaded strategy ──────────────────────────────────────────────────────

// offloadedStrategy classifies on a dedicated worker goroutine, keeping the
// capture goroutine free to drain the source. Chosen on multi-core hosts.
//
// If the worker dies, the strategy reports the death once and degrades to
// synchronous classification on the capture goroutine. The strategy object
// itself is never replaced, so the session's selected kind stays fixed.
type offloadedStrategy struct {
	engine    *Engine
	gate      *skipGate
	coll      *statsCollector
	emit      func(Event)
	reportErr func(*PipelineError)
	log       *slog.Logger

	in  chan workerMessage
	out chan workerMessage

	// workerDead is closed by the worker goroutine as its last action.
	// Observing the close is what licenses the capture goroutine to take
	// over the engine.
	workerDead chan struct{}
	degraded   atomic.Bool
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu         sync.Mutex
	workerSeen RawStats
}

var _ strategy = (*offloadedStrategy)(nil)

func newOffloadedStrategy(engine *Engine, gate *skipGate, emit func(Event), reportErr func(*PipelineError), log *slog.Logger) *offloadedStrategy {
	s := &offloadedStrategy{
		engine:     engine,
		gate:       gate,
		coll:       newStatsCollector(),
		emit:       emit,
		reportErr:  reportErr,
		log:        log,
		in:         make(chan workerMessage, workerQueueDepth),
		out:        make(chan workerMessage, workerQueueDepth),
		workerDead: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.runWorker()
	go s.supervise()
	return s
}

func (s *offloadedStrategy) kind() StrategyKind { return StrategyOffloaded }

func (s *offloadedStrategy) submit(frame FrameSample) {
	if s.gate.skip() {
		s.coll.recordSkip()
		return
	}
	if s.degraded.Load() {
		classify(frame, s.engine, s.coll, s.emit, s.reportErr)
		return
	}
	select {
	case <-s.workerDead:
		s.degraded.Store(true)
		classify(frame, s.engine, s.coll, s.emit, s.reportErr)
		return
	default:
	}
	select {
	case s.in <- workerMessage{Type: msgFrame, Frame: &frame}:
	default:
		s.coll.recordDrop()
	}
}

func (s *offloadedStrategy) stats() RawStats {
	local := s.coll.snapshot()
	s.mu.Lock()
	worker := s.workerSeen
	s.mu.Unlock()

	merged := RawStats{
		FramesProcessed:   local.FramesProcessed + worker.FramesProcessed,
		FramesSkipped:     local.FramesSkipped + worker.FramesSkipped,
		FramesDropped:     local.FramesDropped + worker.FramesDropped,
		RecoverableErrors: local.RecoverableErrors + worker.RecoverableErrors,
		StateTransitions:  local.StateTransitions + worker.StateTransitions,
		AvgProcessTime:    worker.AvgProcessTime,
		P95ProcessTime:    worker.P95ProcessTime,
	}
	if local.FramesProcessed > 0 {
		merged.AvgProcessTime = local.AvgProcessTime
		merged.P95ProcessTime = local.P95ProcessTime
	}
	return merged
}

func (s *offloadedStrategy) close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case s.in <- workerMessage{Type: msgTerminate}:
		case <-s.workerDead:
		case <-ctx.Done():
			err = fmt.Errorf("vad: worker terminate: %w", ctx.Err())
			return
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("vad: worker shutdown: %w", ctx.Err())
		}
	})
	return err
}

// runWorker owns the engine while the worker lives. On a classification
// panic it posts final metrics and a fatal error, then hands the engine
// over by closing workerDead.
func (s *offloadedStrategy) runWorker() {
	defer s.wg.Done()
	defer close(s.out)

	crashed := s.workerLoop()
	close(s.workerDead)
	if !crashed {
		return
	}
	// Frames already queued can no longer be classified without racing the
	// capture goroutine for the engine, so they are counted as lost.
	for {
		select {
		case msg := <-s.in:
			if msg.Type == msgFrame {
				s.coll.recordDrop()
			}
		default:
			return
		}
	}
}

// workerLoop processes messages until terminated. Returns true when it exits
// by panic rather than by protocol.
func (s *offloadedStrategy) workerLoop() (crashed bool) {
	coll := newStatsCollector()
	emitErr := func(pe *PipelineError) {
		s.out <- workerMessage{Type: msgError, Error: pe.Err.Error(), err: pe.Err}
	}
	pushStats := func() {
		snap := coll.snapshot()
		s.out <- workerMessage{Type: msgMetrics, Stats: &snap}
	}

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			pushStats()
			s.out <- workerMessage{
				Type:  msgError,
				Error: fmt.Sprint(r),
				Fatal: true,
				err:   fmt.Errorf("%w: %v", ErrWorkerTerminated, r),
			}
		}
	}()

	sincePush := 0
	for msg := range s.in {
		switch msg.Type {
		case msgTerminate:
			pushStats()
			return false
		case msgFrame:
			classify(*msg.Frame, s.engine, coll, s.emit, emitErr)
			sincePush++
			if sincePush >= metricsPushEvery {
				sincePush = 0
				pushStats()
			}
		}
	}
	return false
}

// supervise consumes the worker's outbound messages: metrics snapshots are
// cached for stats, errors are forwarded to the pipeline's listeners.
func (s *offloadedStrategy) supervise() {
	defer s.wg.Done()
	for msg := range s.out {
		switch msg.Type {
		case msgMetrics:
			if msg.Stats != nil {
				s.mu.Lock()
				s.workerSeen = *msg.Stats
				s.mu.Unlock()
			}
		case msgError:
			if msg.Fatal {
				s.log.Error("classification worker died, continuing synchronously", "cause", msg.Error)
				s.reportErr(&PipelineError{Class: ClassWorkerFatal, Op: "worker", Err: msg.err})
				continue
			}
			s.reportErr(&PipelineError{Class: ClassRecoverable, Op: "classify", Err: msg.err})
		}
	}
}
