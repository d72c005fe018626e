package engine

import (
	"context"
	"errors"
	"log"
)

// maxActuatorErrorsPerPhase bounds how many times a single chamber may
// fail a valve command within one phase before the run escalates to
// Emptying -> Error. A single transient failure is tolerated; the same
// chamber failing again in the same phase is treated as a hardware
// fault rather than noise.
const maxActuatorErrorsPerPhase = 1

// noteActuatorError records an actuator failure for chamber within the
// current phase and reports whether it has recurred enough to
// escalate to a fault.
func (run *runState) noteActuatorError(chamber int) bool {
	run.actuatorErrCount[chamber]++
	return run.actuatorErrCount[chamber] > maxActuatorErrorsPerPhase
}

func (run *runState) resetActuatorErrors() {
	for i := range run.actuatorErrCount {
		run.actuatorErrCount[i] = 0
	}
}

// sampleAll pulls one reading through the SampleBus and feeds it to
// every enabled chamber's controller, computing each one's per-tick dt
// from the bus's nominal sample period. A failed Sample is tried again;
// only ErrSensorFault, which the bus returns once
// MaxConsecutiveSensorErrors samples in a row have failed, is returned
// as an error, and it marks the run's sensor fault.
func (e *Engine) sampleAll(ctx context.Context, run *runState, period float32) ([NumChambers]Pressure, error) {
	var readings [NumChambers]Pressure
	for {
		var err error
		readings, err = e.bus.Sample(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrSensorFault) {
			run.sensorFault = true
			return readings, err
		}
		log.Printf("engine: %v, sampling again", err)
	}
	for i, c := range run.chambers {
		if !c.State.Enabled() {
			continue
		}
		c.OnSample(readings[i], period)
	}
	e.publishStatus()
	return readings, nil
}

// runFilling drives every enabled chamber's inlet open until it
// reaches its target pressure, or until FillTimeout elapses — an
// absolute deadline computed once at phase entry so sensor/actuator
// jitter cannot shorten the phase (spec.md §4.1 Filling).
func (e *Engine) runFilling(ctx context.Context, run *runState) runOutcome {
	deadline := e.clock.Now().Add(FillTimeout)
	period := float32(SamplePeriodActive.Seconds())
	run.resetActuatorErrors()

	for {
		if run.checkStop() {
			return outcomeStopRequested
		}

		allFilled := true
		for i, c := range run.chambers {
			if !c.State.Enabled() || c.State.Phase == PhaseComplete {
				continue
			}
			if c.ShouldExitFilling() {
				if err := e.gate.Set(ctx, i, false, false); err != nil {
					log.Printf("engine: filling close chamber %d: %v", i, err)
					if run.noteActuatorError(i) {
						return outcomeFault
					}
				}
				continue
			}
			allFilled = false
			if err := e.gate.Set(ctx, i, true, false); err != nil {
				log.Printf("engine: filling open chamber %d: %v", i, err)
				if run.noteActuatorError(i) {
					return outcomeFault
				}
			}
		}

		if allFilled {
			break
		}

		if !e.clock.Now().Before(deadline) {
			run.fillTimedOut = true
			log.Printf("engine: %v, closing all chambers", ErrFillTimeout)
			for i, c := range run.chambers {
				if !c.State.Enabled() || c.ShouldExitFilling() {
					continue
				}
				_ = e.gate.Set(ctx, i, false, false)
				c.State.Result = false
				c.State.ResultSet = true
			}
			return outcomeFault
		}

		e.clock.Sleep(SamplePeriodActive)
		if _, err := e.sampleAll(ctx, run, period); err != nil {
			return outcomeFault
		}
	}

	for _, c := range run.chambers {
		if c.State.Enabled() {
			c.EnterPhase(PhaseRegulating)
		}
	}
	run.setPhase(PhaseRegulating)
	e.publishStatus()
	return outcomeContinue
}

// runRegulating drives the three-band adaptive regulator per chamber
// until every enabled chamber has held within tolerance for
// StabilityStreak consecutive samples, or RegulationTimeout elapses.
// A regulation timeout is non-fatal: the run proceeds to Stabilizing
// with whatever pressure each chamber has reached.
func (e *Engine) runRegulating(ctx context.Context, run *runState) runOutcome {
	deadline := e.clock.Now().Add(RegulationTimeout)
	period := float32(SamplePeriodActive.Seconds())
	run.resetActuatorErrors()

	for {
		if run.checkStop() {
			return outcomeStopRequested
		}

		e.clock.Sleep(SamplePeriodActive)
		if _, err := e.sampleAll(ctx, run, period); err != nil {
			return outcomeFault
		}

		allStable := true
		for i, c := range run.chambers {
			if !c.State.Enabled() {
				continue
			}
			stable := c.ShouldExitRegulation()
			if stable {
				c.State.RegulationMode = RegulationStable
				c.State.RegulationBand = BandNone
				if err := e.gate.Set(ctx, i, false, false); err != nil {
					log.Printf("engine: regulating rest chamber %d: %v", i, err)
					if run.noteActuatorError(i) {
						return outcomeFault
					}
				}
				continue
			}
			allStable = false

			errMbar := float32(c.State.Config.TargetMbar) - float32(c.State.CurrentPressure)
			cmd := e.regulator.Compute(errMbar, c.MeanRate(), c.State.Config.ToleranceMbar)
			c.State.RegulationMode = cmd.Mode
			c.State.RegulationBand = cmd.Band

			switch cmd.Mode {
			case RegulationFilling:
				if err := e.gate.Set(ctx, i, true, false); err != nil {
					log.Printf("engine: regulating fill pulse chamber %d: %v", i, err)
					if run.noteActuatorError(i) {
						return outcomeFault
					}
					continue
				}
				e.clock.Sleep(cmd.InletPulse)
			case RegulationVenting:
				if err := e.gate.Set(ctx, i, false, true); err != nil {
					log.Printf("engine: regulating vent pulse chamber %d: %v", i, err)
					if run.noteActuatorError(i) {
						return outcomeFault
					}
					continue
				}
				e.clock.Sleep(cmd.OutletPulse)
			}
			if err := e.gate.Set(ctx, i, false, false); err != nil {
				log.Printf("engine: regulating rest-after-pulse chamber %d: %v", i, err)
				if run.noteActuatorError(i) {
					return outcomeFault
				}
				continue
			}
			e.clock.Sleep(cmd.Rest)
		}

		if allStable {
			break
		}

		if !e.clock.Now().Before(deadline) {
			log.Printf("engine: %v, proceeding to Stabilizing regardless", ErrRegulationTimeout)
			break
		}
	}

	for _, c := range run.chambers {
		if c.State.Enabled() {
			c.EnterPhase(PhaseStabilizing)
		}
	}
	run.setPhase(PhaseStabilizing)
	e.publishStatus()
	return outcomeContinue
}

// runStabilizing confirms the hold is settled before Testing begins:
// every enabled chamber's last StabilityWindow samples must fall
// within tolerance of their own mean. StabilityTimeout is non-fatal —
// the run proceeds to Testing with whatever stability was reached, and
// the chamber's StabilityAchieved flag records whether the criterion
// was actually met.
func (e *Engine) runStabilizing(ctx context.Context, run *runState) runOutcome {
	deadline := e.clock.Now().Add(StabilityDuration)
	period := float32(SamplePeriodActive.Seconds())
	run.resetActuatorErrors()

	for {
		if run.checkStop() {
			return outcomeStopRequested
		}

		for i := range run.chambers {
			if !run.chambers[i].State.Enabled() {
				continue
			}
			if err := e.gate.Set(ctx, i, false, false); err != nil {
				log.Printf("engine: stabilizing hold chamber %d: %v", i, err)
				if run.noteActuatorError(i) {
					return outcomeFault
				}
			}
		}

		e.clock.Sleep(SamplePeriodActive)
		readings, err := e.sampleAll(ctx, run, period)
		if err != nil {
			return outcomeFault
		}
		for i, c := range run.chambers {
			if !c.State.Enabled() {
				continue
			}
			c.RecordStabilitySample(readings[i])
		}

		allStable := true
		for _, c := range run.chambers {
			if !c.State.Enabled() {
				continue
			}
			if c.IsStable(StabilityWindow) {
				c.State.StabilityAchieved = true
			} else {
				allStable = false
			}
		}

		if allStable {
			break
		}
		if !e.clock.Now().Before(deadline) {
			log.Printf("engine: %v, proceeding to Testing regardless", ErrStabilityTimeout)
			break
		}
	}

	for _, c := range run.chambers {
		if c.State.Enabled() {
			c.EnterPhase(PhaseTesting)
		}
	}
	run.setPhase(PhaseTesting)
	e.publishStatus()
	return outcomeContinue
}

// runTesting holds every enabled chamber sealed (no valve movement)
// for the configured TestDuration, recording samples and latching a
// per-chamber pass/fail the first time pressure drops below threshold.
func (e *Engine) runTesting(ctx context.Context, run *runState) runOutcome {
	deadline := e.clock.Now().Add(run.config.TestDuration)
	period := float32(SamplePeriodActive.Seconds())
	run.resetActuatorErrors()

	for i := range run.chambers {
		if !run.chambers[i].State.Enabled() {
			continue
		}
		if err := e.gate.Set(ctx, i, false, false); err != nil {
			log.Printf("engine: testing seal chamber %d: %v", i, err)
			if run.noteActuatorError(i) {
				return outcomeFault
			}
		}
	}

	for e.clock.Now().Before(deadline) {
		if run.checkStop() {
			return outcomeStopRequested
		}

		e.clock.Sleep(SamplePeriodActive)
		readings, err := e.sampleAll(ctx, run, period)
		if err != nil {
			return outcomeFault
		}
		for i, c := range run.chambers {
			if !c.State.Enabled() {
				continue
			}
			c.RecordTestSample(readings[i])
		}
	}

	run.setPhase(PhaseEmptying)
	return outcomeContinue
}

// runEmptying is the mandatory exit path for every run regardless of
// how it got here (normal completion, stop request, or fault): every
// enabled chamber's outlet is opened until its pressure falls below
// EmptyPressure or EmptyTimeout elapses, then every valve is closed.
// Emptying itself cannot fault the run — a stuck vent is logged, not
// escalated, since the alternative (leaving valves in an unknown
// state) is worse.
func (e *Engine) runEmptying(ctx context.Context, run *runState) {
	deadline := e.clock.Now().Add(EmptyTimeout)
	period := float32(SamplePeriodMonitor.Seconds())

	for _, c := range run.chambers {
		if c.State.Enabled() {
			c.EnterPhase(PhaseEmptying)
		}
	}

	for {
		allEmpty := true
		for i, c := range run.chambers {
			if !c.State.Enabled() {
				continue
			}
			if c.State.CurrentPressure <= EmptyPressure {
				continue
			}
			allEmpty = false
			if err := e.gate.Set(ctx, i, false, true); err != nil {
				log.Printf("engine: emptying chamber %d: %v", i, err)
			}
		}
		if allEmpty || !e.clock.Now().Before(deadline) {
			break
		}
		e.clock.Sleep(SamplePeriodMonitor)
		if _, err := e.sampleAll(ctx, run, period); err != nil {
			log.Printf("engine: emptying sample failed: %v", err)
			break
		}
	}

	if err := e.gate.CloseAll(ctx); err != nil {
		log.Printf("engine: final close_all failed: %v", err)
	}
}
