package vad

import (
	"errors"
	"fmt"
)

// ErrorClass sorts pipeline failures by recovery posture.
type ErrorClass int

const (
	// ClassFatalInit marks initialization failures. The pipeline is left
	// disposed and the error is returned to the caller.
	ClassFatalInit ErrorClass = iota

	// ClassDegraded marks a capability loss the session survives with
	// reduced function, such as a battery source that stops answering.
	ClassDegraded

	// ClassRecoverable marks per-frame failures. The frame is counted and
	// skipped; the session continues.
	ClassRecoverable

	// ClassWorkerFatal marks the death of the processing worker. The
	// session falls back to synchronous classification.
	ClassWorkerFatal
)

// String returns the class name used in logs and error text.
func (c ErrorClass) String() string {
	switch c {
	case ClassFatalInit:
		return "fatal-init"
	case ClassDegraded:
		return "degraded-capability"
	case ClassRecoverable:
		return "recoverable-runtime"
	case ClassWorkerFatal:
		return "worker-fatal"
	default:
		return "unknown"
	}
}

// PipelineError carries a classified failure. Errors of class
// [ClassFatalInit] come back from [Pipeline.Initialize]; all other classes
// reach registered error listeners.
type PipelineError struct {
	// Class is the recovery posture.
	Class ErrorClass

	// Op names the operation that failed, e.g. "classify" or "worker".
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("vad: %s: %s: %v", e.Op, e.Class, e.Err)
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *PipelineError) Unwrap() error {
	return e.Err
}

var (
	// ErrMalformedFrame reports a frame with no samples or non-finite
	// amplitudes. Such frames are counted and skipped, never classified.
	ErrMalformedFrame = errors.New("vad: malformed frame")

	// ErrWorkerTerminated reports that the processing worker exited without
	// being asked to.
	ErrWorkerTerminated = errors.New("vad: worker terminated unexpectedly")
)
