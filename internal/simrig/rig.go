// Package simrig simulates a three-chamber pneumatic leak rig: opening
// an inlet drives pressure exponentially toward a supply ceiling,
// opening an outlet drives it exponentially toward atmospheric, and an
// optional per-chamber leak rate bleeds pressure down even while
// sealed. It implements engine.ValveActuator and engine.PressureSource
// directly, in-process, for local demos and integration tests that
// don't have real hardware attached.
package simrig

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/holla2040/leakrig/internal/engine"
)

const (
	supplyPressure   = 800.0 // mbar, regulator supply ceiling
	fillTau          = 1.2   // seconds, exponential time constant while filling
	ventTau          = 0.8   // seconds, exponential time constant while venting
	noiseAmplitude   = 0.3   // mbar, sensor noise added to each read
)

// ChamberLeak configures one chamber's simulated leak, in mbar/s, bled
// off continuously whenever its valves are both closed — the behavior
// a real leak rig is built to detect during Testing.
type ChamberLeak struct {
	RateMbarPerSec float64
}

// Rig is an in-process simulated rig.
type Rig struct {
	mu sync.Mutex

	pressure   [engine.NumChambers]float64
	inletOpen  [engine.NumChambers]bool
	outletOpen [engine.NumChambers]bool
	leak       [engine.NumChambers]ChamberLeak
	lastUpdate time.Time

	rand func() float64
}

// New creates a Rig with all chambers starting at atmospheric pressure
// and no leak.
func New() *Rig {
	return &Rig{lastUpdate: time.Now()}
}

// SetLeak configures chamber's simulated leak rate. It takes the rig's
// lock, so it may be called while SetChamberValves/ReadAll are in use.
func (r *Rig) SetLeak(chamber int, rateMbarPerSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leak[chamber] = ChamberLeak{RateMbarPerSec: rateMbarPerSec}
}

// SetChamberValves implements engine.ValveActuator.
func (r *Rig) SetChamberValves(ctx context.Context, chamber int, inlet, outlet bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	r.inletOpen[chamber] = inlet
	r.outletOpen[chamber] = outlet
	return nil
}

// ReadAll implements engine.PressureSource.
func (r *Rig) ReadAll(ctx context.Context) ([engine.NumChambers]engine.Pressure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()

	var out [engine.NumChambers]engine.Pressure
	for i, p := range r.pressure {
		noisy := p + (r.noise()-0.5)*2*noiseAmplitude
		if noisy < 0 {
			noisy = 0
		}
		out[i] = engine.Pressure(noisy)
	}
	return out, nil
}

// advanceLocked integrates every chamber's pressure from lastUpdate to
// now, given its current valve posture and leak rate. Callers must
// hold r.mu.
func (r *Rig) advanceLocked() {
	now := time.Now()
	dt := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now
	if dt <= 0 {
		return
	}

	for i := range r.pressure {
		p := r.pressure[i]
		switch {
		case r.inletOpen[i]:
			p = exponentialDecay(p, supplyPressure, dt, fillTau)
		case r.outletOpen[i]:
			p = exponentialDecay(p, 0, dt, ventTau)
		default:
			p -= r.leak[i].RateMbarPerSec * dt
		}
		if p < 0 {
			p = 0
		}
		r.pressure[i] = p
	}
}

func (r *Rig) noise() float64 {
	if r.rand != nil {
		return r.rand()
	}
	return 0.5 // deterministic midpoint when no generator is wired
}

// exponentialDecay moves current toward target along an exponential
// curve with time constant tau, the same curve shape the fleet's
// simulated device state transitions use for temperature and pressure
// ramps.
func exponentialDecay(current, target, dt, tau float64) float64 {
	return target + (current-target)*math.Exp(-dt/tau)
}
