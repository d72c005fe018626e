package engine

import "errors"

// Start-time errors (spec.md §4.1, §7).
var (
	ErrAlreadyRunning        = errors.New("engine: a run is already active")
	ErrNoChambersEnabled     = errors.New("engine: no chambers enabled")
	ErrConfigInvalid         = errors.New("engine: test configuration invalid")
	ErrHardwareSelfCheckFailed = errors.New("engine: hardware self-check failed")
)

// Runtime conditions raised after Start has accepted a run. A fill
// timeout or sensor fault ends the run as a failure; the regulation and
// stability timeouts only log a warning; ErrPersistenceFailed is
// returned by ResultSink.Commit.
var (
	ErrFillTimeout       = errors.New("engine: fill timeout exceeded")
	ErrRegulationTimeout = errors.New("engine: regulation timeout exceeded (non-fatal)")
	ErrStabilityTimeout  = errors.New("engine: stability timeout exceeded (non-fatal)")
	ErrSensorFault       = errors.New("engine: consecutive sensor read failures exceeded budget")
	ErrPersistenceFailed = errors.New("engine: result persistence failed after retries")
)
