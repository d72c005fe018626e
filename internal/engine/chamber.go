package engine

// ChamberState is the per-chamber runtime state. It is owned
// exclusively by its ChamberController; the Engine holds a mutable
// reference for the run's duration, and observers only ever see
// snapshots copied out of it, never the live struct (spec.md §5).
type ChamberState struct {
	Config ChamberConfig

	Phase            ChamberPhase
	CurrentPressure  Pressure
	StartPressure    Pressure
	FinalPressure    Pressure
	MeanPressure     Pressure
	PressureStd      Pressure

	RegulationMode RegulationMode
	RegulationBand RegulationBand

	ConsecutiveStable int

	Result     bool
	ResultSet  bool // true once Result holds a verdict: first Testing sample, fill timeout, or Freeze
	StabilityAchieved bool

	samples    *ring // Stabilizing readings, then Testing readings (reset on entering Testing); capacity >= 1000, FIFO eviction
	rateWindow *ring // capacity 10, mbar/s

	lastRateSample  float32
	haveLastSample  bool

	// inletOpen/outletOpen mirror the last commands issued through
	// ValveGate for this chamber; used only for invariant checks in
	// tests, never read by ValveGate itself (ValveGate is authoritative).
	inletOpen  bool
	outletOpen bool
}

const sampleBufferCapacity = 1000
const rateWindowCapacity = 10

// ChamberController transforms ChamberState in response to samples and
// phase queries. It has no direct hardware access — every method is a
// pure function of the current state and its argument.
type ChamberController struct {
	State ChamberState
}

// NewChamberController creates a controller seeded with the given
// static configuration, in phase Idle.
func NewChamberController(cfg ChamberConfig) *ChamberController {
	return &ChamberController{
		State: ChamberState{
			Config:     cfg,
			Phase:      PhaseIdle,
			samples:    newRing(sampleBufferCapacity),
			rateWindow: newRing(rateWindowCapacity),
		},
	}
}

// OnSample records a new pressure reading, updates the rate-of-change
// window, and — if Complete has not been reached — advances the
// running current pressure. Complete chambers are frozen (invariant 3
// in spec.md §3): OnSample is a no-op once Phase == Complete.
func (c *ChamberController) OnSample(p Pressure, dtSeconds float32) {
	s := &c.State
	if s.Phase == PhaseComplete {
		return
	}
	s.CurrentPressure = p

	if s.haveLastSample && dtSeconds > 0 {
		rate := (float32(p) - s.lastRateSample) / dtSeconds
		s.rateWindow.push(rate)
	}
	s.lastRateSample = float32(p)
	s.haveLastSample = true
}

// MeanRate returns the mean mbar/s over the retained rate window.
func (c *ChamberController) MeanRate() float32 {
	return c.State.rateWindow.mean()
}

// ShouldExitFilling reports whether the chamber has reached or
// exceeded its target and should leave Filling.
func (c *ChamberController) ShouldExitFilling() bool {
	s := &c.State
	return s.CurrentPressure >= s.Config.TargetMbar
}

// ShouldExitRegulation reports whether the chamber has held within
// tolerance for StabilityStreak consecutive samples. It also updates
// the consecutive-stable counter as a side effect of being polled once
// per regulation iteration — callers must call it exactly once per
// sample to keep the streak accurate.
func (c *ChamberController) ShouldExitRegulation() bool {
	s := &c.State
	err := float32(s.Config.TargetMbar) - float32(s.CurrentPressure)
	if abs32(err) <= float32(s.Config.ToleranceMbar) {
		s.ConsecutiveStable++
	} else {
		s.ConsecutiveStable = 0
	}
	return s.ConsecutiveStable >= StabilityStreak
}

// IsStable reports whether the last `window` samples all fall within
// tolerance of their own mean — the Stabilizing-phase criterion.
func (c *ChamberController) IsStable(window int) bool {
	s := &c.State
	recent := s.samples.last(window)
	if len(recent) < window {
		return false
	}
	var sum float32
	for _, v := range recent {
		sum += v
	}
	mean := sum / float32(len(recent))
	tol := float32(s.Config.ToleranceMbar)
	for _, v := range recent {
		if abs32(v-mean) > tol {
			return false
		}
	}
	return true
}

// RecordStabilitySample appends a reading to the retained sample ring
// during Stabilizing, so IsStable can judge the last `window` readings.
// It does not touch FinalPressure or Result — those are Testing-phase
// only.
func (c *ChamberController) RecordStabilitySample(p Pressure) {
	c.State.samples.push(float32(p))
}

// RecordTestSample appends a sample to the retained ring buffer during
// Testing, updates FinalPressure, and latches Result to false the
// first time the pressure drops below threshold. A later recovery does
// not flip the latch back (spec.md §4.1 Testing, boundary behavior).
func (c *ChamberController) RecordTestSample(p Pressure) {
	s := &c.State
	s.samples.push(float32(p))
	s.FinalPressure = p
	if !s.ResultSet {
		s.Result = true
	}
	if p < s.Config.ThresholdMbar {
		s.Result = false
	}
	s.ResultSet = true
	s.MeanPressure = Pressure(s.samples.mean())
	s.PressureStd = Pressure(s.samples.stddev())
}

// EnterPhase transitions the chamber to a new phase. It enforces phase
// monotonicity (spec.md invariant 2): a chamber only moves to a later
// phase, except that Emptying is reachable from any non-terminal phase
// (the Emergency jump). A request for an earlier phase, or any request
// once Complete, is ignored.
func (c *ChamberController) EnterPhase(p ChamberPhase) {
	s := &c.State
	if s.Phase == PhaseComplete {
		return
	}
	if p < s.Phase && p != PhaseEmptying {
		return
	}
	if p == PhaseTesting {
		s.StartPressure = s.CurrentPressure
		// Stabilizing-phase readings must not pollute the test-phase
		// mean/stddev used for the persisted summary.
		s.samples.reset()
	}
	s.Phase = p
}

// Freeze marks the chamber Complete with its final pass/fail result.
// No field may be mutated after this call (spec.md invariant 3).
func (c *ChamberController) Freeze(result bool) {
	s := &c.State
	s.Phase = PhaseComplete
	if s.ResultSet {
		// A latched failure during Testing is never overwritten.
		if !s.Result {
			result = false
		}
	}
	s.Result = result
	s.ResultSet = true
}

// TestSamples returns a copy of the retained Testing-phase pressure
// readings, oldest first, for export and reporting. Safe to call at
// any point in or after Testing.
func (c *ChamberController) TestSamples() []float32 {
	return c.State.samples.last(c.State.samples.len())
}

// Summary produces the positional record for persistence.
func (c *ChamberController) Summary() ChamberSummary {
	s := &c.State
	return ChamberSummary{
		Enabled:           s.Config.Enabled,
		PressureTarget:    s.Config.TargetMbar,
		PressureThreshold: s.Config.ThresholdMbar,
		PressureTolerance: s.Config.ToleranceMbar,
		StartPressure:     s.StartPressure,
		FinalPressure:     s.FinalPressure,
		MeanPressure:      s.MeanPressure,
		PressureStd:       s.PressureStd,
		Result:            s.Enabled() && s.Result,
	}
}

// Enabled is a convenience accessor mirroring the config flag.
func (s *ChamberState) Enabled() bool { return s.Config.Enabled }

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
