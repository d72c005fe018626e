package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func threeChamberConfig(duration time.Duration) TestConfig {
	ch := ChamberConfig{
		Enabled:       true,
		TargetMbar:    300,
		ThresholdMbar: 280,
		ToleranceMbar: 5,
	}
	return TestConfig{
		Chambers:     [NumChambers]ChamberConfig{ch, ch, ch},
		TestDuration: duration,
		Mode:         ModeManual,
		OperatorID:   "op1",
	}
}

// settledSource always reports every chamber already at its target, so
// Filling/Regulating/Stabilizing all clear on their first samples and
// the run reaches Testing deterministically without any wall-clock
// dependency.
type settledSource struct{ pressure Pressure }

func (s *settledSource) ReadAll(ctx context.Context) ([NumChambers]Pressure, error) {
	return [NumChambers]Pressure{s.pressure, s.pressure, s.pressure}, nil
}

func TestEngineStartRejectsInvalidConfig(t *testing.T) {
	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   &settledSource{pressure: 300},
		Store:    &fakeStore{},
		Clock:    newFakeClock(),
	})
	_, err := e.Start(context.Background(), TestConfig{})
	if !errors.Is(err, ErrNoChambersEnabled) {
		t.Fatalf("err = %v, want ErrNoChambersEnabled", err)
	}
}

func TestEngineStartRejectsConcurrentRun(t *testing.T) {
	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   &settledSource{pressure: 300},
		Store:    &fakeStore{},
		Clock:    newFakeClock(),
	})
	cfg := threeChamberConfig(2 * time.Second)
	h, err := e.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := e.Start(context.Background(), cfg); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	<-h.Done()
}

func TestEngineSelfCheckFailureAbortsStart(t *testing.T) {
	act := newFakeActuator()
	act.failWith[0] = errors.New("stuck valve")
	e := New(Options{
		Actuator: act,
		Source:   &settledSource{pressure: 300},
		Store:    &fakeStore{},
		Clock:    newFakeClock(),
	})
	_, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if !errors.Is(err, ErrHardwareSelfCheckFailed) {
		t.Fatalf("err = %v, want ErrHardwareSelfCheckFailed", err)
	}
}

func TestEngineHappyPathReachesCompleteAndPasses(t *testing.T) {
	store := &fakeStore{}
	obs := &fakeObserver{}
	e := New(Options{
		Actuator:  newFakeActuator(),
		Source:    &settledSource{pressure: 300},
		Store:     store,
		Observers: []StatusObserver{obs},
		Clock:     newFakeClock(),
	})

	h, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete in time")
	}

	if len(store.records) != 1 {
		t.Fatalf("store got %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if !rec.OverallPass {
		t.Fatalf("expected overall pass, got record %+v", rec)
	}
	for i, c := range rec.Chambers {
		if !c.Result {
			t.Fatalf("chamber %d failed, want pass: %+v", i, c)
		}
	}
	if len(obs.seen) == 0 {
		t.Fatal("expected at least one published status snapshot")
	}
}

func TestEngineTestingPhaseLatchesFailureBelowThreshold(t *testing.T) {
	act := newFakeActuator()
	store := &fakeStore{}

	// A custom source that settles at target through the self-check,
	// Filling, Regulating, and Stabilizing (1 + 1 + StabilityStreak +
	// StabilityWindow = 27 reads), then leaks below threshold once
	// Testing begins.
	src := &leakingSource{settleAt: 300, leakAfterCalls: 27, leakTo: 270}
	e := New(Options{
		Actuator: act,
		Source:   src,
		Store:    store,
		Clock:    newFakeClock(),
	})

	h, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Done()

	if len(store.records) != 1 {
		t.Fatalf("store got %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.OverallPass {
		t.Fatal("expected overall failure once a chamber leaks below threshold")
	}
}

// leakingSource reports settleAt pressure for the first leakAfterCalls
// reads, then drops to leakTo and stays there.
type leakingSource struct {
	settleAt       Pressure
	leakAfterCalls int
	leakTo         Pressure

	calls int
}

func (s *leakingSource) ReadAll(ctx context.Context) ([NumChambers]Pressure, error) {
	s.calls++
	p := s.settleAt
	if s.calls > s.leakAfterCalls {
		p = s.leakTo
	}
	return [NumChambers]Pressure{p, p, p}, nil
}

func TestEngineStopRequestSkipsToEmptyingWithoutError(t *testing.T) {
	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   &settledSource{pressure: 0}, // never reaches target, stays in Filling
		Store:    &fakeStore{},
		Clock:    newFakeClock(),
	})

	h, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Stop()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after Stop")
	}

	status := e.Status()
	if status.Phase != PhaseComplete {
		t.Fatalf("phase = %v, want Complete after stop", status.Phase)
	}
}

func TestEngineStopIsIdempotentAndSafeWithNoActiveRun(t *testing.T) {
	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   &settledSource{pressure: 300},
		Store:    &fakeStore{},
		Clock:    newFakeClock(),
	})
	e.Stop() // no run yet; must not panic
	e.Stop()
}

// erroringAfterSource reports settleAt pressure for the first okCalls
// raw ReadAll calls, then fails every call after that — enough
// successes to clear self-check and Filling, then a sustained sensor
// outage.
type erroringAfterSource struct {
	settleAt Pressure
	okCalls  int

	calls int
}

func (s *erroringAfterSource) ReadAll(ctx context.Context) ([NumChambers]Pressure, error) {
	s.calls++
	if s.calls <= s.okCalls {
		return [NumChambers]Pressure{s.settleAt, s.settleAt, s.settleAt}, nil
	}
	return [NumChambers]Pressure{}, errors.New("erroringAfterSource: sensor read failed")
}

// S4: a sustained run of sensor read failures during Regulating escalates
// to ErrSensorFault, which the Engine must turn into a SensorFault record
// and an unconditional path through Emptying to Complete, never a pass.
func TestEngineSensorFaultEscalatesThroughEmptyingToFailedRecord(t *testing.T) {
	store := &fakeStore{}
	src := &erroringAfterSource{settleAt: 300, okCalls: 4}
	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   src,
		Store:    store,
		Clock:    newFakeClock(),
	})

	h, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete in time")
	}

	status := e.Status()
	if status.Phase != PhaseComplete {
		t.Fatalf("phase = %v, want Complete after sensor fault", status.Phase)
	}

	if len(store.records) != 1 {
		t.Fatalf("store got %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if !rec.SensorFault {
		t.Fatal("expected SensorFault to be latched on the record")
	}
	if rec.OverallPass {
		t.Fatal("a sensor fault must never produce an overall pass")
	}
}

// S5: a chamber that never reaches target pressure runs out the Filling
// deadline, which must force every enabled chamber closed and fail the
// run rather than let it continue into Regulating.
func TestEngineFillTimeoutClosesAllChambersAndFailsRun(t *testing.T) {
	store := &fakeStore{}
	act := newFakeActuator()
	e := New(Options{
		Actuator: act,
		Source:   &settledSource{pressure: 0}, // never reaches target, stays in Filling
		Store:    store,
		Clock:    newFakeClock(),
	})

	h, err := e.Start(context.Background(), threeChamberConfig(time.Second))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete in time")
	}

	if len(store.records) != 1 {
		t.Fatalf("store got %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if !rec.FillTimedOut {
		t.Fatal("expected FillTimedOut to be latched on the record")
	}
	if rec.OverallPass {
		t.Fatal("a fill timeout must never produce an overall pass")
	}
	for i, c := range rec.Chambers {
		if c.Result {
			t.Fatalf("chamber %d result = true, want false after fill timeout", i)
		}
	}
	for i := 0; i < NumChambers; i++ {
		if act.inlet[i] || act.outlet[i] {
			t.Fatalf("chamber %d valves = (inlet=%v, outlet=%v), want both closed after fill timeout", i, act.inlet[i], act.outlet[i])
		}
	}
}

// S6: a disabled chamber must never count toward the overall pass/fail
// verdict, even though it sits in its untouched zero-value state the
// whole run.
func TestEngineDisabledChamberExcludedFromOverallPass(t *testing.T) {
	store := &fakeStore{}
	cfg := threeChamberConfig(time.Second)
	cfg.Chambers[2].Enabled = false

	e := New(Options{
		Actuator: newFakeActuator(),
		Source:   &settledSource{pressure: 300},
		Store:    store,
		Clock:    newFakeClock(),
	})

	h, err := e.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete in time")
	}

	if len(store.records) != 1 {
		t.Fatalf("store got %d records, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.Chambers[2].Enabled {
		t.Fatal("chamber 2 should remain disabled in the record")
	}
	if rec.Chambers[2].Result {
		t.Fatal("a disabled chamber's zero-value Result must be false")
	}
	if !rec.OverallPass {
		t.Fatalf("expected overall pass since the only enabled chambers passed, got record %+v", rec)
	}
}
