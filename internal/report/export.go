package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/holla2040/leakrig/internal/engine"
)

// ExportCSV writes one row per retained Testing-phase sample across
// all enabled chambers: elapsed sample index, then one pressure column
// per chamber. samples[i] is chamber i's retained readings, oldest
// first — typically engine.ChamberController.TestSamples() called
// immediately after a run completes, before its state is discarded.
// Only retained samples are written: at most the last 1000 per chamber,
// so a long test's earliest readings are absent from the export.
func ExportCSV(w io.Writer, record engine.RunRecord, samples [engine.NumChambers][]float32) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"sample"}
	for i, c := range record.Chambers {
		if c.Enabled {
			header = append(header, fmt.Sprintf("chamber_%d_mbar", i))
		}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}

	maxLen := 0
	for i, c := range record.Chambers {
		if c.Enabled && len(samples[i]) > maxLen {
			maxLen = len(samples[i])
		}
	}

	for row := 0; row < maxLen; row++ {
		rec := []string{strconv.Itoa(row)}
		for i, c := range record.Chambers {
			if !c.Enabled {
				continue
			}
			if row < len(samples[i]) {
				rec = append(rec, strconv.FormatFloat(float64(samples[i][row]), 'f', 2, 32))
			} else {
				rec = append(rec, "")
			}
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("report: write csv row %d: %w", row, err)
		}
	}
	return cw.Error()
}

// jsonExport is the on-disk shape ExportJSON writes.
type jsonExport struct {
	Run      engine.RunRecord        `json:"run"`
	Chambers [engine.NumChambers]jsonChamber `json:"chambers"`
}

type jsonChamber struct {
	Enabled bool      `json:"enabled"`
	Summary engine.ChamberSummary `json:"summary"`
	Samples []float32 `json:"samples,omitempty"`
}

// ExportJSON writes the full run record plus each enabled chamber's
// retained samples as a single JSON document.
func ExportJSON(w io.Writer, record engine.RunRecord, samples [engine.NumChambers][]float32) error {
	out := jsonExport{Run: record}
	for i, c := range record.Chambers {
		jc := jsonChamber{Enabled: c.Enabled, Summary: c}
		if c.Enabled {
			jc.Samples = samples[i]
		}
		out.Chambers[i] = jc
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("report: encode json export: %w", err)
	}
	return nil
}
