package observe

import (
	"context"
	"sync"

	"github.com/sibilant-audio/sibilant/pkg/vad"
)

// ReportRecorder feeds pipeline performance reports into the metric
// instruments. Report counters are cumulative over a session, while OTel
// counters want increments, so the recorder keeps the previous snapshot and
// records the difference. A counter that goes backwards means the session
// restarted and reset its counters; the whole new value is the increment then.
type ReportRecorder struct {
	met *Metrics

	mu   sync.Mutex
	last vad.PerformanceReport
}

// NewReportRecorder creates a recorder that writes into met.
func NewReportRecorder(met *Metrics) *ReportRecorder {
	return &ReportRecorder{met: met}
}

// Record translates one report into metric updates.
func (r *ReportRecorder) Record(ctx context.Context, rep vad.PerformanceReport) {
	r.mu.Lock()
	processed := delta(rep.FramesProcessed, r.last.FramesProcessed)
	skipped := delta(rep.FramesSkipped, r.last.FramesSkipped)
	dropped := delta(rep.FramesDropped, r.last.FramesDropped)
	droppedReports := delta(rep.DroppedReports, r.last.DroppedReports)
	transitions := delta(rep.StateTransitions, r.last.StateTransitions)
	r.last = rep
	r.mu.Unlock()

	if processed > 0 {
		r.met.FramesProcessed.Add(ctx, processed)
	}
	if skipped > 0 {
		r.met.FramesSkipped.Add(ctx, skipped)
	}
	if dropped > 0 {
		r.met.FramesDropped.Add(ctx, dropped)
	}
	if droppedReports > 0 {
		r.met.ReportsDropped.Add(ctx, droppedReports)
	}
	if transitions > 0 {
		r.met.StateTransitions.Add(ctx, transitions)
	}

	if rep.AvgProcessTime > 0 {
		r.met.FrameProcessDuration.Record(ctx, rep.AvgProcessTime.Seconds())
	}
	r.met.BufferSize.Record(ctx, int64(rep.BufferSize))
	// Negative means the battery state is unknown; don't gauge it.
	if rep.BatteryLevel >= 0 {
		r.met.BatteryLevel.Record(ctx, rep.BatteryLevel)
	}
}

// Reset forgets the previous snapshot. Call it after tearing down a pipeline
// so the next session's first report is not compared against the old one.
func (r *ReportRecorder) Reset() {
	r.mu.Lock()
	r.last = vad.PerformanceReport{}
	r.mu.Unlock()
}

// delta returns cur-prev, or cur alone when the counter went backwards.
func delta(cur, prev int64) int64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
