// Package power defines the battery-status abstraction consumed by the
// detection pipeline's power governor.
//
// The primary abstraction is [Source]: a one-shot [Source.Read] for probing
// and a [Source.Subscribe] change feed for steering runtime behavior.
// Machines without a battery (desktops, servers, containers) are the normal
// case, not an error case — callers probe once and silently run without
// power awareness when the source reports [ErrUnavailable].
//
// Implementations are provided by platform-specific packages (power/sysfs for
// Linux laptops, power/mock for tests). This package lives under pkg/ because
// embedders on other platforms are expected to implement [Source] themselves.
package power

import "errors"

// ErrUnavailable indicates the host exposes no readable battery.
var ErrUnavailable = errors.New("power: no battery available")

// State is a snapshot of the host battery.
type State struct {
	// Level is the remaining charge in [0, 1].
	Level float64

	// Charging reports whether the battery is currently drawing external
	// power. Implementations should treat "unknown" as charging so that
	// power-save behavior never engages on bad data.
	Charging bool
}

// Source exposes host battery status.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Read returns the current battery state. Returns [ErrUnavailable] when
	// the host has no readable battery; any other error indicates a transient
	// read failure.
	Read() (State, error)

	// Subscribe registers fn to be called whenever the battery state changes.
	// The returned cancel function unregisters fn and is safe to call more
	// than once. fn is invoked on an internal goroutine and must not block.
	Subscribe(fn func(State)) (cancel func(), err error)
}
