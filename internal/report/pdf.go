// Package report implements engine.Printer as a PDF pass/fail banner,
// and exports a completed run's chamber data to CSV and JSON for
// customer-facing artifacts, adapted from the fleet's RMA PDF report
// generator.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/holla2040/leakrig/internal/engine"
)

// PDFPrinter renders a one-page pass/fail banner to w each time
// Print is called. It implements engine.Printer.
type PDFPrinter struct {
	open func() (io.WriteCloser, error)
}

// NewPDFPrinter creates a printer that opens a fresh destination via
// open for every print job — typically a spool file or a direct write
// to an attached label/receipt printer's device file.
func NewPDFPrinter(open func() (io.WriteCloser, error)) *PDFPrinter {
	return &PDFPrinter{open: open}
}

// Print implements engine.Printer.
func (p *PDFPrinter) Print(ctx context.Context, job engine.PrintJob) error {
	w, err := p.open()
	if err != nil {
		return fmt.Errorf("report: open print destination: %w", err)
	}
	defer w.Close()

	pdf := fpdf.New("P", "mm", "A6", "")
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 24)
	color := [3]int{0, 128, 0}
	if job.PassBanner != "PASS" {
		color = [3]int{180, 0, 0}
	}
	pdf.SetTextColor(color[0], color[1], color[2])
	pdf.CellFormat(0, 16, job.PassBanner, "", 1, "C", false, 0, "")

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Arial", "", 10)
	rows := []struct{ label, value string }{
		{"Operator", job.OperatorID},
		{"Reference", job.Reference},
		{"Date", job.Date},
		{"Time", job.Time},
	}
	for _, r := range rows {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(25, 7, r.label+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, r.value, "", 1, "L", false, 0, "")
	}

	return pdf.Output(w)
}

// FileOpener builds a PDFPrinter open func that writes each job to a
// new timestamped file under dir, so repeated print jobs never
// collide or overwrite each other.
func FileOpener(dir string) func() (io.WriteCloser, error) {
	return func() (io.WriteCloser, error) {
		name := fmt.Sprintf("run-%s.pdf", time.Now().Format("20060102-150405.000"))
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("report: create print file: %w", err)
		}
		return f, nil
	}
}
