// Package store persists completed leak-test runs to a local SQLite
// database, adapted from the fleet's test-run store but keyed on one
// run record per chamber-set rather than per-device measurements.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/holla2040/leakrig/internal/engine"
)

// Store is a sqlite-backed engine.ResultStore.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. Use ":memory:" for
// an ephemeral store in tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	// SQLite requires single-connection mode for :memory: databases
	// (each pool connection otherwise gets its own in-memory DB), and
	// it avoids "database is locked" errors against a file too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    operator_id TEXT NOT NULL,
    operator_name TEXT NOT NULL,
    reference TEXT NOT NULL,
    mode TEXT NOT NULL,
    duration_s INTEGER NOT NULL,
    overall_pass INTEGER NOT NULL,
    sensor_fault INTEGER NOT NULL,
    fill_timed_out INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_chambers (
    run_id TEXT NOT NULL REFERENCES runs(id),
    chamber_index INTEGER NOT NULL,
    enabled INTEGER NOT NULL,
    pressure_target REAL NOT NULL,
    pressure_threshold REAL NOT NULL,
    pressure_tolerance REAL NOT NULL,
    start_pressure REAL NOT NULL,
    final_pressure REAL NOT NULL,
    mean_pressure REAL NOT NULL,
    pressure_std REAL NOT NULL,
    result INTEGER NOT NULL,
    PRIMARY KEY (run_id, chamber_index)
);
`

// Save implements engine.ResultStore. It assigns a UUIDv4 run id when
// record.ID is empty, and inserts the run and its per-chamber rows in
// one transaction — the sqlite PRIMARY KEY on runs.id is what makes a
// retried Save of the same already-committed id a conflict rather than
// a duplicate row, backstopping ResultSink's in-memory at-most-once
// latch across process restarts.
func (s *Store) Save(ctx context.Context, record engine.RunRecord) (string, error) {
	id := record.ID
	if id == "" {
		id = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, timestamp, operator_id, operator_name, reference, mode, duration_s, overall_pass, sensor_fault, fill_timed_out)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, record.Timestamp.UTC().Format(time.RFC3339), record.OperatorID, record.OperatorName,
		record.Reference, record.Mode.String(), record.DurationS, boolToInt(record.OverallPass), boolToInt(record.SensorFault),
		boolToInt(record.FillTimedOut),
	)
	if err != nil {
		return "", fmt.Errorf("store: insert run: %w", err)
	}

	for i, c := range record.Chambers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_chambers (run_id, chamber_index, enabled, pressure_target, pressure_threshold,
				pressure_tolerance, start_pressure, final_pressure, mean_pressure, pressure_std, result)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, boolToInt(c.Enabled), c.PressureTarget, c.PressureThreshold, c.PressureTolerance,
			c.StartPressure, c.FinalPressure, c.MeanPressure, c.PressureStd, boolToInt(c.Result),
		)
		if err != nil {
			return "", fmt.Errorf("store: insert chamber %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// Load retrieves one persisted run by id, for report export and the
// operator-facing history view.
func (s *Store) Load(ctx context.Context, id string) (engine.RunRecord, error) {
	var rec engine.RunRecord
	var ts, mode string
	var overallPass, sensorFault, fillTimedOut int

	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, operator_id, operator_name, reference, mode, duration_s, overall_pass, sensor_fault, fill_timed_out
		FROM runs WHERE id = ?`, id)
	if err := row.Scan(&rec.ID, &ts, &rec.OperatorID, &rec.OperatorName, &rec.Reference, &mode,
		&rec.DurationS, &overallPass, &sensorFault, &fillTimedOut); err != nil {
		return rec, fmt.Errorf("store: load run %s: %w", id, err)
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return rec, fmt.Errorf("store: parse timestamp for run %s: %w", id, err)
	}
	rec.Timestamp = parsed
	rec.OverallPass = overallPass != 0
	rec.SensorFault = sensorFault != 0
	rec.FillTimedOut = fillTimedOut != 0
	if mode == engine.ModeReference.String() {
		rec.Mode = engine.ModeReference
	} else {
		rec.Mode = engine.ModeManual
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chamber_index, enabled, pressure_target, pressure_threshold, pressure_tolerance,
			start_pressure, final_pressure, mean_pressure, pressure_std, result
		FROM run_chambers WHERE run_id = ? ORDER BY chamber_index`, id)
	if err != nil {
		return rec, fmt.Errorf("store: load chambers for run %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx, enabled, result int
		var c engine.ChamberSummary
		if err := rows.Scan(&idx, &enabled, &c.PressureTarget, &c.PressureThreshold, &c.PressureTolerance,
			&c.StartPressure, &c.FinalPressure, &c.MeanPressure, &c.PressureStd, &result); err != nil {
			return rec, fmt.Errorf("store: scan chamber row for run %s: %w", id, err)
		}
		c.Enabled = enabled != 0
		c.Result = result != 0
		if idx >= 0 && idx < engine.NumChambers {
			rec.Chambers[idx] = c
		}
	}
	return rec, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
