package engine

import (
	"context"
	"errors"
	"testing"
)

func TestSampleBusHappyPath(t *testing.T) {
	src := &fakeSource{script: [][NumChambers]Pressure{{100, 200, 300}}}
	b := NewSampleBus(src, newFakeClock())
	readings, err := b.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if readings != [NumChambers]Pressure{100, 200, 300} {
		t.Fatalf("readings = %v", readings)
	}
}

func TestSampleBusClampsOutOfRange(t *testing.T) {
	src := &fakeSource{script: [][NumChambers]Pressure{
		{3000, 200, 300}, // first attempt out of range, retried
		{100, 200, 300},
	}}
	b := NewSampleBus(src, newFakeClock())
	readings, err := b.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if readings[0] != 100 {
		t.Fatalf("expected retry to recover a valid reading, got %v", readings)
	}
}

func TestSampleBusFatalAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{err: errors.New("bus down")}
	b := NewSampleBus(src, newFakeClock())
	var lastErr error
	for i := 0; i < MaxConsecutiveSensorErrors; i++ {
		_, lastErr = b.Sample(context.Background())
	}
	if !errors.Is(lastErr, ErrSensorFault) {
		t.Fatalf("expected ErrSensorFault after %d consecutive failures, got %v", MaxConsecutiveSensorErrors, lastErr)
	}
}

func TestSampleBusResetsConsecutiveCountOnSuccess(t *testing.T) {
	src := &fakeSource{err: errors.New("bus down")}
	b := NewSampleBus(src, newFakeClock())
	b.Sample(context.Background())
	b.Sample(context.Background())

	src.err = nil
	src.script = [][NumChambers]Pressure{{100, 100, 100}}
	if _, err := b.Sample(context.Background()); err != nil {
		t.Fatalf("expected success to reset the failure count: %v", err)
	}
	if b.consecutiveErrors != 0 {
		t.Fatalf("consecutiveErrors = %d, want 0 after a success", b.consecutiveErrors)
	}
}
