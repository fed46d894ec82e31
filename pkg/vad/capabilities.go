package vad

import (
	"runtime"
	"runtime/metrics"

	"github.com/sibilant-audio/sibilant/pkg/power"
)

// ProbeCapabilities inspects the host exactly once and returns the result as
// plain data. Capabilities never change mid-session; a host that grows a
// second core or a battery is picked up on the next initialize cycle.
//
// batt may be nil, in which case the host is treated as battery-less.
func ProbeCapabilities(batt power.Source) DeviceCapabilities {
	caps := DeviceCapabilities{
		Mobile:   runtime.GOOS == "android" || runtime.GOOS == "ios",
		CPUCores: runtime.NumCPU(),
	}

	// Offloading classification to a second goroutine only pays off when a
	// spare core can run it.
	caps.HasWorker = caps.CPUCores > 1

	caps.HasPerfMetrics = len(metrics.All()) > 0

	if batt != nil {
		if _, err := batt.Read(); err == nil {
			caps.HasBattery = true
		}
	}
	return caps
}

// SelectStrategy maps probed capabilities to a processing strategy. The
// choice holds for the whole session; strategies are never swapped live.
func SelectStrategy(caps DeviceCapabilities) StrategyKind {
	if caps.HasWorker {
		return StrategyOffloaded
	}
	return StrategyInline
}
