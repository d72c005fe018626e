package engine

import "time"

// ValveCommand is the pulse-width command the AdaptiveRegulator
// produces for one chamber on one regulation iteration.
type ValveCommand struct {
	InletPulse  time.Duration
	OutletPulse time.Duration
	Rest        time.Duration
	Band        RegulationBand
	Mode        RegulationMode
}

// AdaptiveRegulator computes a three-band pulse-width valve command
// from a chamber's current error and recent rate of change.
type AdaptiveRegulator struct{}

// NewAdaptiveRegulator creates a regulator. It is stateless — all
// inputs are passed to Compute.
func NewAdaptiveRegulator() *AdaptiveRegulator { return &AdaptiveRegulator{} }

type band struct {
	onPulse, offPulse time.Duration
}

var (
	fastBand   = band{100 * time.Millisecond, 50 * time.Millisecond}
	mediumBand = band{50 * time.Millisecond, 100 * time.Millisecond}
	fineBand   = band{20 * time.Millisecond, 200 * time.Millisecond}
)

// Compute returns the valve command for a chamber given its signed
// error (target - current) and its mean rate of change (mbar/s,
// positive = rising). tolerance is the chamber's regulation band
// half-width.
func (r *AdaptiveRegulator) Compute(errMbar, meanRate float32, tolerance Pressure) ValveCommand {
	if abs32(errMbar) <= float32(tolerance) {
		return ValveCommand{Mode: RegulationStable, Band: BandNone}
	}

	absErr := abs32(errMbar)
	var b band
	var bandName RegulationBand
	switch {
	case absErr > 10:
		b, bandName = fastBand, BandFast
	case absErr >= 2:
		b, bandName = mediumBand, BandMedium
	default:
		b, bandName = fineBand, BandFine
	}

	onPulse, offPulse := b.onPulse, b.offPulse

	// Rate-predictive adjustment: project 0.5s ahead using the mean
	// rate. If pressure is already moving the right way and the
	// projection shrinks the error, ease off.
	projected := errMbar - meanRate*0.5
	movingRightWay := abs32(projected) < absErr
	if movingRightWay {
		rateFactor := meanRate
		if rateFactor < 0 {
			rateFactor = -rateFactor
		}
		if rateFactor > 10 {
			rateFactor = 10
		}
		rateFactor /= 10
		onPulse = time.Duration(float64(onPulse) * 0.7)
		offPulse = time.Duration(float64(offPulse) * (1 + 0.5*float64(rateFactor)))
	}

	mode := RegulationFilling
	inlet, outlet := onPulse, time.Duration(0)
	if errMbar < 0 {
		// Current pressure above target: vent. Venting pulses use
		// 1.5x the on-time of filling pulses to compensate for
		// slower depressurization.
		mode = RegulationVenting
		inlet, outlet = time.Duration(0), time.Duration(float64(onPulse)*1.5)
	}

	return ValveCommand{
		InletPulse:  inlet,
		OutletPulse: outlet,
		Rest:        offPulse,
		Band:        bandName,
		Mode:        mode,
	}
}
