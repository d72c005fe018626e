// Package engine implements the multi-chamber pneumatic leak test
// execution engine: the phase-sequenced state machine that drives
// valves, reads pressures, regulates toward a target, and verifies a
// hold without falling below a failure threshold.
package engine

import "time"

// Pressure is a physical quantity in millibar. Using a named type
// instead of a bare float32 keeps calibration offsets, targets, and
// raw sensor counts from being mixed up at call sites.
type Pressure float32

// Tunable constants with the defaults from the pneumatic rig's
// commissioning data. All are var, not const, so a deployment can
// override them at process start without forking the package.
var (
	MaxSensorPressure     Pressure = 2000 // mbar, sensor validity ceiling
	MaxTargetPressure     Pressure = 600  // mbar, target ceiling
	FillTimeout                    = 60 * time.Second
	RegulationTimeout              = 60 * time.Second
	StabilityDuration              = 25 * time.Second
	StabilityStreak                = 5
	StabilityWindow                = 20
	EmptyTimeout                   = 10 * time.Second
	EmptyPressure          Pressure = 5
	ValveDeadTime                   = 50 * time.Millisecond
	SamplePeriodActive              = 100 * time.Millisecond
	SamplePeriodMonitor             = 50 * time.Millisecond
	SensorRetryMax                  = 3
	SensorRetryBackoff              = 100 * time.Millisecond
	MaxConsecutiveSensorErrors      = 5
	StoreRetryMax                   = 3
	StoreRetryBackoff               = 1 * time.Second
)

// NumChambers is the fixed chamber count the rig wires. Not a var:
// the rig is physically three chambers, not a configurable fleet size.
const NumChambers = 3

// TestMode selects where chamber parameters came from.
type TestMode int

const (
	ModeManual TestMode = iota
	ModeReference
)

func (m TestMode) String() string {
	if m == ModeReference {
		return "reference"
	}
	return "manual"
}

// ChamberConfig is the per-chamber static configuration for one run.
type ChamberConfig struct {
	Enabled       bool
	TargetMbar    Pressure
	ThresholdMbar Pressure
	ToleranceMbar Pressure
	OffsetMbar    float32 // calibration offset; not read by the engine, and not applied by hwbus or simrig
}

// Validate checks the per-chamber invariants from spec.md §3. Disabled
// chambers are never validated — their fields are meaningless.
func (c ChamberConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TargetMbar == 0 || c.TargetMbar > MaxTargetPressure {
		return ErrConfigInvalid
	}
	if c.ThresholdMbar >= c.TargetMbar {
		return ErrConfigInvalid
	}
	if c.ToleranceMbar <= 0 {
		return ErrConfigInvalid
	}
	return nil
}

// TestConfig is the resolved input to one run. It is frozen for the
// duration of the run and discarded once ResultSink completes.
type TestConfig struct {
	Chambers       [NumChambers]ChamberConfig
	TestDuration   time.Duration
	Mode           TestMode
	Reference      string // barcode; empty unless Mode == ModeReference
	OperatorID     string
	OperatorName   string
}

// AnyEnabled reports whether at least one chamber is enabled.
func (c TestConfig) AnyEnabled() bool {
	for _, ch := range c.Chambers {
		if ch.Enabled {
			return true
		}
	}
	return false
}

// Validate checks the run-level invariants from spec.md §3.
func (c TestConfig) Validate() error {
	if !c.AnyEnabled() {
		return ErrNoChambersEnabled
	}
	if c.TestDuration < time.Second {
		return ErrConfigInvalid
	}
	for _, ch := range c.Chambers {
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ChamberPhase is the per-chamber position in the test sequence.
type ChamberPhase int

const (
	PhaseIdle ChamberPhase = iota
	PhaseFilling
	PhaseRegulating
	PhaseStabilizing
	PhaseTesting
	PhaseEmptying
	PhaseComplete
)

func (p ChamberPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFilling:
		return "filling"
	case PhaseRegulating:
		return "regulating"
	case PhaseStabilizing:
		return "stabilizing"
	case PhaseTesting:
		return "testing"
	case PhaseEmptying:
		return "emptying"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// RegulationMode is the valve posture a chamber's regulator last chose.
type RegulationMode int

const (
	RegulationIdle RegulationMode = iota
	RegulationFilling
	RegulationVenting
	RegulationStable
)

func (m RegulationMode) String() string {
	switch m {
	case RegulationFilling:
		return "filling"
	case RegulationVenting:
		return "venting"
	case RegulationStable:
		return "stable"
	default:
		return "idle"
	}
}

// RegulationBand is the AdaptiveRegulator's last chosen band, surfaced
// for diagnostics only — it is not part of the chamber phase state
// machine (see SPEC_FULL.md §6 Open Question resolution).
type RegulationBand int

const (
	BandNone RegulationBand = iota
	BandFast
	BandMedium
	BandFine
)

func (b RegulationBand) String() string {
	switch b {
	case BandFast:
		return "fast"
	case BandMedium:
		return "medium"
	case BandFine:
		return "fine"
	default:
		return "none"
	}
}

// ChamberSummary is the persisted, positional per-chamber record.
type ChamberSummary struct {
	Enabled           bool
	PressureTarget    Pressure
	PressureThreshold Pressure
	PressureTolerance Pressure
	StartPressure     Pressure
	FinalPressure     Pressure
	MeanPressure      Pressure
	PressureStd       Pressure
	Result            bool
}

// RunRecord is the persisted summary of one completed run.
type RunRecord struct {
	ID           string
	Timestamp    time.Time
	OperatorID   string
	OperatorName string
	Reference    string
	Mode         TestMode
	DurationS    int
	OverallPass  bool
	SensorFault  bool
	FillTimedOut bool
	Chambers     [NumChambers]ChamberSummary
}
