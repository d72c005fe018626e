package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Engine drives one test from start to completion or abort. It owns
// the run loop and the stop latch; it is the sole authority that may
// transition a chamber into Emptying (spec.md §7 propagation policy).
//
// Only one run may be active at a time, mirroring the teacher's
// TestManager keyed-by-station session map, collapsed here to a
// single station (the rig is one set of three chambers, not a fleet).
type Engine struct {
	actuator  ValveActuator
	source    PressureSource
	clock     Clock
	store     ResultStore
	printer   Printer
	observers []StatusObserver

	gate      *ValveGate
	bus       *SampleBus
	regulator *AdaptiveRegulator

	mu          sync.Mutex
	active      bool
	run         *runState
	lastSamples [NumChambers][]float32
}

// Options bundles the external collaborators an Engine needs.
type Options struct {
	Actuator  ValveActuator
	Source    PressureSource
	Store     ResultStore
	Printer   Printer          // optional
	Observers []StatusObserver // optional
	Clock     Clock            // optional, defaults to SystemClock
}

// New creates an Engine over the given collaborators.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		actuator:  opts.Actuator,
		source:    opts.Source,
		clock:     clock,
		store:     opts.Store,
		printer:   opts.Printer,
		observers: opts.Observers,
		gate:      NewValveGate(opts.Actuator, clock),
		bus:       NewSampleBus(opts.Source, clock),
		regulator: NewAdaptiveRegulator(),
	}
}

// runState holds everything mutable for the lifetime of one run. It is
// created fresh in Start and discarded once ResultSink completes.
type runState struct {
	config    TestConfig
	chambers  [NumChambers]*ChamberController
	startedAt time.Time

	stopRequested atomic.Bool
	phase         atomic.Value // ChamberPhase, overall engine phase
	sensorFault   bool
	fillTimedOut  bool

	actuatorErrCount [NumChambers]int

	cancel context.CancelFunc
	doneCh chan struct{}
}

func (r *runState) setPhase(p ChamberPhase) { r.phase.Store(p) }

func (r *runState) getPhase() ChamberPhase {
	if v, ok := r.phase.Load().(ChamberPhase); ok {
		return v
	}
	return PhaseIdle
}

// RunHandle is returned by Start; it lets the caller wait for or
// inspect the run it started without exposing the Engine's internals.
type RunHandle struct {
	engine *Engine
	done   <-chan struct{}
}

// Done returns a channel closed when the run completes.
func (h RunHandle) Done() <-chan struct{} { return h.done }

// Start validates config, performs the hardware self-check, and
// spawns the run as a background goroutine. It rejects a second
// concurrent run.
func (e *Engine) Start(ctx context.Context, config TestConfig) (RunHandle, error) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return RunHandle{}, ErrAlreadyRunning
	}
	e.mu.Unlock()

	if err := config.Validate(); err != nil {
		return RunHandle{}, err
	}

	if err := e.selfCheck(ctx); err != nil {
		return RunHandle{}, err
	}

	run := &runState{
		config:    config,
		startedAt: e.clock.Now(),
		doneCh:    make(chan struct{}),
	}
	run.setPhase(PhaseFilling)
	for i, cfg := range config.Chambers {
		run.chambers[i] = NewChamberController(cfg)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	e.mu.Lock()
	e.active = true
	e.run = run
	e.mu.Unlock()

	go e.runLoop(runCtx, run)

	return RunHandle{engine: e, done: run.doneCh}, nil
}

// selfCheck closes every chamber's valves and takes one pressure
// reading before any run begins. Any actuator or sampling error aborts
// start with ErrHardwareSelfCheckFailed.
func (e *Engine) selfCheck(ctx context.Context) error {
	for i := 0; i < NumChambers; i++ {
		if err := e.gate.Set(ctx, i, false, false); err != nil {
			return ErrHardwareSelfCheckFailed
		}
	}
	if _, err := e.bus.Sample(ctx); err != nil {
		return ErrHardwareSelfCheckFailed
	}
	return nil
}

// Stop requests graceful termination. It is idempotent: calling it
// twice, or calling it when no run is active, is a no-op. It does not
// itself block for completion — callers that need that use the
// RunHandle returned from Start, or poll Status.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()

	if run == nil {
		return
	}
	run.stopRequested.Store(true)
}

// Status is a non-blocking read of the current run (or the last
// completed one, while a new one has not yet started).
func (e *Engine) Status() StatusSnapshot {
	e.mu.Lock()
	run := e.run
	active := e.active
	e.mu.Unlock()

	if run == nil {
		return StatusSnapshot{Phase: PhaseIdle}
	}

	snap := StatusSnapshot{
		Phase:       run.getPhase(),
		Elapsed:     e.clock.Now().Sub(run.startedAt),
		SensorFault: run.sensorFault,
	}
	for i, c := range run.chambers {
		if c == nil {
			continue
		}
		s := &c.State
		snap.Chambers[i] = ChamberStatus{
			Enabled:         s.Config.Enabled,
			Phase:           s.Phase,
			CurrentPressure: s.CurrentPressure,
			RegulationMode:  s.RegulationMode,
			RegulationBand:  s.RegulationBand,
			Result:          s.Result,
			ResultSet:       s.ResultSet,
		}
	}
	if !active && snap.Phase == PhaseComplete {
		snap.OverallPass = computeOverallPass(run)
	}
	return snap
}

// LastSamples returns the retained Testing-phase pressure readings
// from the most recently completed run, oldest first per chamber. It
// is empty until the first run finishes.
func (e *Engine) LastSamples() [NumChambers][]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSamples
}

// publishStatus fans the current snapshot out to every registered
// observer. It is called once at run start, after every phase
// transition, and on every sample tick during active phases, so a
// dashboard is pushed updates at a cadence well under one second
// without polling Status itself (spec.md §6).
func (e *Engine) publishStatus() {
	if len(e.observers) == 0 {
		return
	}
	snap := e.Status()
	for _, obs := range e.observers {
		obs.OnStatus(snap)
	}
}

// runLoop is the single cooperative task that sequences phases for
// this run. Suspension points are exactly: sleeping after a valve
// pulse, awaiting the next sample, and awaiting the actuator worker's
// completion of a serialized command (spec.md §5).
func (e *Engine) runLoop(ctx context.Context, run *runState) {
	defer func() {
		run.cancel()
		e.mu.Lock()
		e.active = false
		e.mu.Unlock()
		close(run.doneCh)
	}()

	e.publishStatus()

	var fault bool

	if outcome := e.runFilling(ctx, run); outcome == outcomeFault {
		fault = true
	}

	if !fault && run.getPhase() == PhaseRegulating {
		if outcome := e.runRegulating(ctx, run); outcome == outcomeFault {
			fault = true
		}
	}

	if !fault && run.getPhase() == PhaseStabilizing {
		if outcome := e.runStabilizing(ctx, run); outcome == outcomeFault {
			fault = true
		}
	}

	if !fault && run.getPhase() == PhaseTesting {
		if outcome := e.runTesting(ctx, run); outcome == outcomeFault {
			fault = true
		}
	}

	run.setPhase(PhaseEmptying)
	e.publishStatus()
	e.runEmptying(ctx, run)

	overallPass := computeOverallPass(run)
	for _, c := range run.chambers {
		c.Freeze(c.State.Enabled() && c.State.Result)
	}
	run.setPhase(PhaseComplete)
	e.publishStatus()

	var samples [NumChambers][]float32
	for i, c := range run.chambers {
		samples[i] = c.TestSamples()
	}
	e.mu.Lock()
	e.lastSamples = samples
	e.mu.Unlock()

	record := e.buildRecord(run, overallPass, fault)
	sink := NewResultSink(e.store, e.printer, e.observers)
	if err := sink.Commit(ctx, e.clock, record, CommitOptions{PrintOnPass: true}); err != nil {
		log.Printf("engine: result commit failed for run: %v", err)
	}
}

type runOutcome int

const (
	outcomeContinue runOutcome = iota
	outcomeStopRequested
	outcomeFault
)

// checkStop reports whether a stop has been requested; it is checked
// at every loop iteration boundary and suspension point, per spec.md §5.
func (run *runState) checkStop() bool { return run.stopRequested.Load() }

func computeOverallPass(run *runState) bool {
	pass := true
	any := false
	for _, c := range run.chambers {
		if !c.State.Enabled() {
			continue
		}
		any = true
		if !c.State.Result {
			pass = false
		}
	}
	return any && pass
}

func (e *Engine) buildRecord(run *runState, overallPass, fault bool) RunRecord {
	rec := RunRecord{
		Timestamp:    e.clock.Now(),
		OperatorID:   run.config.OperatorID,
		OperatorName: run.config.OperatorName,
		Reference:    run.config.Reference,
		Mode:         run.config.Mode,
		DurationS:    int(run.config.TestDuration / time.Second),
		OverallPass:  overallPass && !fault,
		SensorFault:  run.sensorFault,
		FillTimedOut: run.fillTimedOut,
	}
	// A UUIDv4 id fixed before Commit, so every Save attempt for this run
	// carries the same id and the store's primary key can reject a repeat.
	var id [16]byte
	if _, err := rand.Read(id[:]); err == nil {
		id[6] = id[6]&0x0f | 0x40
		id[8] = id[8]&0x3f | 0x80
		rec.ID = fmt.Sprintf("%x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
	}
	if rec.OperatorID == "" {
		rec.OperatorID = "N/A"
	}
	if rec.OperatorName == "" {
		rec.OperatorName = "N/A"
	}
	if rec.Reference == "" {
		rec.Reference = "N/A"
	}
	for i, c := range run.chambers {
		rec.Chambers[i] = c.Summary()
	}
	return rec
}
