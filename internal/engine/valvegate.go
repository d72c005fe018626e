package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// ValveActuator is the capability interface the core consumes for
// driving physical solenoids. Implementations (e.g. a Redis-backed
// bus to remote hardware, or an in-process simulator) are called only
// through ValveGate, one call at a time.
type ValveActuator interface {
	SetChamberValves(ctx context.Context, chamber int, inlet, outlet bool) error
}

// ValveGate is the sole enforcer of valve mutual exclusion and
// sequencing. Every actuator write in the system flows through it.
// Calls are serialized by one mutex held for the whole call, across all
// chambers, so no two writes are ever in flight concurrently, mirroring
// how PausableRouter funnels every executor command through one inner
// router call at a time. There is no separate worker goroutine, and
// callers waiting on the mutex are not guaranteed to be served in
// arrival order.
type ValveGate struct {
	actuator ValveActuator
	clock    Clock

	mu sync.Mutex // serializes Set/CloseAll across all chambers
}

// NewValveGate creates a ValveGate wrapping the given actuator.
func NewValveGate(actuator ValveActuator, clock Clock) *ValveGate {
	return &ValveGate{actuator: actuator, clock: clock}
}

// Set drives chamber to the requested valve posture. inlet && outlet
// is rejected by forcing inlet to false and logging a warning — the
// mutual-exclusion invariant is non-negotiable (spec.md invariant 1).
// When opening the inlet, the gate first drives (false,false) for
// ValveDeadTime to guarantee the outlet is physically closed before
// the inlet opens.
func (g *ValveGate) Set(ctx context.Context, chamber int, inlet, outlet bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if inlet && outlet {
		log.Printf("valvegate: chamber %d requested inlet+outlet open simultaneously; forcing inlet closed", chamber)
		inlet = false
	}

	if inlet {
		if err := g.actuator.SetChamberValves(ctx, chamber, false, false); err != nil {
			g.bestEffortClose(ctx, chamber)
			return fmt.Errorf("valvegate: dead-time close chamber %d: %w", chamber, err)
		}
		g.clock.Sleep(ValveDeadTime)
	}

	if err := g.actuator.SetChamberValves(ctx, chamber, inlet, outlet); err != nil {
		g.bestEffortClose(ctx, chamber)
		return fmt.Errorf("valvegate: set chamber %d: %w", chamber, err)
	}
	return nil
}

// CloseAll drives every chamber to (false,false). Idempotent and safe
// to call even after earlier failures — used on shutdown, stop, and
// fatal error paths.
func (g *ValveGate) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for i := 0; i < NumChambers; i++ {
		if err := g.actuator.SetChamberValves(ctx, i, false, false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("valvegate: close_all chamber %d: %w", i, err)
		}
	}
	return firstErr
}

// bestEffortClose tries once more to close both valves after a failed
// write, swallowing any further error — the caller already has one to
// report.
func (g *ValveGate) bestEffortClose(ctx context.Context, chamber int) {
	if err := g.actuator.SetChamberValves(ctx, chamber, false, false); err != nil {
		log.Printf("valvegate: best-effort close chamber %d also failed: %v", chamber, err)
	}
}
