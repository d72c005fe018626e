// Package estop manages emergency-stop state for the rig and wires it
// into the engine's cooperative cancellation path, adapted from the
// fleet's e-stop coordinator.
package estop

import (
	"fmt"
	"sync"
	"time"

	"github.com/holla2040/leakrig/internal/engine"
	"github.com/holla2040/leakrig/internal/protocol"
)

// State represents the current emergency stop state.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
	Initiator   string    `json:"initiator,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Coordinator manages emergency stop state for one Engine. A trigger
// calls Engine.Stop(), which only latches the cooperative stop flag —
// the run still unwinds through runEmptying rather than halting
// instantly, since the rig cannot skip venting a pressurized chamber
// even in an emergency.
type Coordinator struct {
	mu    sync.RWMutex
	state State
	eng   *engine.Engine

	onEstop func(State)
}

// New creates a Coordinator that stops eng whenever it is triggered.
// The onEstop callback fires on every trigger and acknowledge; it may
// be nil.
func New(eng *engine.Engine, onEstop func(State)) *Coordinator {
	return &Coordinator{
		eng:     eng,
		onEstop: onEstop,
	}
}

// HandleMessage parses an EmergencyStopPayload from a protocol message
// and triggers the e-stop. Returns an error if the payload cannot be
// parsed.
func (c *Coordinator) HandleMessage(msg *protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return fmt.Errorf("estop: invalid message envelope: %w", err)
	}
	p, err := protocol.ParseEmergencyStop(msg)
	if err != nil {
		return err
	}
	c.Trigger(p.Reason, p.Description, p.Initiator)
	return nil
}

// Trigger activates the e-stop, requests the engine stop the active
// run (a no-op if none is running), and returns the new state.
func (c *Coordinator) Trigger(reason, description, initiator string) State {
	c.mu.Lock()
	c.state = State{
		Active:      true,
		Reason:      reason,
		Description: description,
		Initiator:   initiator,
		TriggeredAt: time.Now(),
	}
	s := c.state
	cb := c.onEstop
	c.mu.Unlock()

	c.eng.Stop()

	if cb != nil {
		cb(s)
	}
	return s
}

// Acknowledge clears the e-stop, returning to an inactive state. It
// does not restart or otherwise affect the engine; a fresh run can
// only be started once the stopped run's Done channel closes.
func (c *Coordinator) Acknowledge() {
	c.mu.Lock()
	c.state = State{}
	cb := c.onEstop
	c.mu.Unlock()

	if cb != nil {
		cb(State{})
	}
}

// GetState returns a copy of the current state.
func (c *Coordinator) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
