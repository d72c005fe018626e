package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/holla2040/leakrig/internal/engine"
)

func sampleRecord() engine.RunRecord {
	return engine.RunRecord{
		OverallPass: true,
		Chambers: [engine.NumChambers]engine.ChamberSummary{
			{Enabled: true, Result: true},
			{Enabled: false},
			{Enabled: true, Result: true},
		},
	}
}

func TestExportCSVOmitsDisabledChambers(t *testing.T) {
	var buf bytes.Buffer
	samples := [engine.NumChambers][]float32{
		{300, 299, 298},
		nil,
		{150, 149},
	}
	if err := ExportCSV(&buf, sampleRecord(), samples); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "chamber_1") {
		t.Fatalf("disabled chamber 1 should not appear in header: %s", out)
	}
	if !strings.Contains(out, "chamber_0_mbar") || !strings.Contains(out, "chamber_2_mbar") {
		t.Fatalf("expected headers for chambers 0 and 2: %s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 { // header + 3 rows (max sample count)
		t.Fatalf("got %d lines, want 4: %s", len(lines), out)
	}
}

func TestExportJSONRoundTripsSummary(t *testing.T) {
	var buf bytes.Buffer
	samples := [engine.NumChambers][]float32{{300}, nil, {150}}
	if err := ExportJSON(&buf, sampleRecord(), samples); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if !strings.Contains(buf.String(), `"OverallPass": true`) {
		t.Fatalf("expected OverallPass to round-trip through json encoding: %s", buf.String())
	}
}
