package vad

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// defaultReportInterval is the performance report cadence.
const defaultReportInterval = time.Second

// aggregator assembles a full pipeline snapshot on a fixed cadence and hands
// it to a dedicated delivery goroutine. Delivery is decoupled through a
// one-deep channel: when listeners cannot keep up, whole reports are dropped
// and counted, never queued or reordered.
type aggregator struct {
	interval time.Duration
	strat    strategy
	gov      *Governor
	bufSize  *atomic.Int64
	readMem  bool
	emit     func(PerformanceReport)
	log      *slog.Logger

	deliver  chan PerformanceReport
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the run goroutine.
	dropped  int64
	peakHeap uint64
}

func newAggregator(interval time.Duration, strat strategy, gov *Governor, bufSize *atomic.Int64, readMem bool, emit func(PerformanceReport), log *slog.Logger) *aggregator {
	if interval <= 0 {
		interval = defaultReportInterval
	}
	a := &aggregator{
		interval: interval,
		strat:    strat,
		gov:      gov,
		bufSize:  bufSize,
		readMem:  readMem,
		emit:     emit,
		log:      log,
		deliver:  make(chan PerformanceReport, 1),
		done:     make(chan struct{}),
	}
	a.wg.Add(2)
	go a.run()
	go a.deliverLoop()
	return a
}

func (a *aggregator) run() {
	defer a.wg.Done()
	defer close(a.deliver)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			report := a.assemble()
			select {
			case a.deliver <- report:
			default:
				a.dropped++
				a.log.Debug("report dropped, listeners behind", "dropped_total", a.dropped)
			}
		}
	}
}

func (a *aggregator) deliverLoop() {
	defer a.wg.Done()
	for report := range a.deliver {
		a.emit(report)
	}
}

// assemble builds one complete snapshot. Every report stands alone so a
// consumer that missed dropped reports never needs to reconstruct deltas.
func (a *aggregator) assemble() PerformanceReport {
	stats := a.strat.stats()
	report := PerformanceReport{
		Timestamp:        time.Now(),
		Strategy:         a.strat.kind(),
		BufferSize:       int(a.bufSize.Load()),
		FramesProcessed:  stats.FramesProcessed,
		FramesSkipped:    stats.FramesSkipped,
		FramesDropped:    stats.FramesDropped,
		StateTransitions: stats.StateTransitions,
		ErrorCount:       stats.RecoverableErrors,
		DroppedReports:   a.dropped,
		AvgProcessTime:   stats.AvgProcessTime,
		P95ProcessTime:   stats.P95ProcessTime,
		LowPower:         a.gov.LowPower(),
		BatteryLevel:     a.gov.BatteryLevel(),
		Charging:         a.gov.Charging(),
	}
	if a.readMem {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.HeapAlloc > a.peakHeap {
			a.peakHeap = m.HeapAlloc
		}
		report.PeakMemoryBytes = a.peakHeap
	}
	return report
}

// stop halts the cadence and waits for in-flight delivery to finish.
// Idempotent.
func (a *aggregator) stop() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}
