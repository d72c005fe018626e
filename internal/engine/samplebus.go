package engine

import (
	"context"
	"fmt"
	"log"
)

// PressureSource is the capability interface the core consumes for
// reading all chamber pressures in one call. Implementations return
// calibrated mbar — the engine applies no calibration offset itself
// (see SPEC_FULL.md §6).
type PressureSource interface {
	ReadAll(ctx context.Context) ([NumChambers]Pressure, error)
}

// SampleBus owns the sensors exclusively; every other component reads
// samples through it rather than touching PressureSource directly,
// mirroring how TempMonitor is the sole reader of the raw DeviceRouter
// for temperature queries while everything else goes through the
// pausable one.
type SampleBus struct {
	source PressureSource
	clock  Clock

	consecutiveErrors int
}

// NewSampleBus creates a SampleBus over the given source.
func NewSampleBus(source PressureSource, clock Clock) *SampleBus {
	return &SampleBus{source: source, clock: clock}
}

// Sample acquires one reading of all three chamber pressures, retrying
// transient failures up to SensorRetryMax times with SensorRetryBackoff
// between attempts. Any out-of-[0,2000] reading is clamped to 0 and
// counted as an error toward both the retry budget and the consecutive-
// failure budget. After MAX_CONSECUTIVE_SENSOR_ERRORS consecutive
// failed Sample calls, ErrSensorFault is returned — fatal, to be
// escalated by the Engine into Emptying -> Error.
func (b *SampleBus) Sample(ctx context.Context) ([NumChambers]Pressure, error) {
	var readings [NumChambers]Pressure
	var lastErr error

	for attempt := 0; attempt <= SensorRetryMax; attempt++ {
		if attempt > 0 {
			b.clock.Sleep(SensorRetryBackoff)
		}

		raw, err := b.source.ReadAll(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		valid := true
		for i, v := range raw {
			if v < 0 || v > MaxSensorPressure {
				raw[i] = 0
				valid = false
			}
		}
		readings = raw
		if !valid {
			lastErr = fmt.Errorf("sample out of range")
			continue
		}

		b.consecutiveErrors = 0
		return readings, nil
	}

	b.consecutiveErrors++
	if b.consecutiveErrors >= MaxConsecutiveSensorErrors {
		log.Printf("samplebus: %d consecutive sensor failures, last error: %v", b.consecutiveErrors, lastErr)
		return readings, ErrSensorFault
	}
	return readings, fmt.Errorf("samplebus: sample failed after %d retries: %w", SensorRetryMax, lastErr)
}
