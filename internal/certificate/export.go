package certificate

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"DeviceId", "Timestamp", "GasType", "Passed", "CertificateFilePath", "CertificateHash"}

// Sink accepts persisted records for export and returns where they went.
type Sink interface {
	Export(ctx context.Context, records []Record) (string, error)
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.DeviceID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.GasType,
			strconv.FormatBool(r.Passed),
			r.CertificatePath,
			r.Digest,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVSink writes one timestamped CSV file per export into Dir.
type CSVSink struct {
	Dir string
	now func() time.Time
}

func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{Dir: dir, now: time.Now}
}

func (s *CSVSink) Export(ctx context.Context, records []Record) (string, error) {
	name := fmt.Sprintf("certificates-%s.csv", s.now().Format("20060102150405"))
	return writeExport(ctx, s.Dir, name, func(w io.Writer) error {
		return WriteCSV(w, records)
	})
}

// Summary counts records by result.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

func Summarize(records []Record) Summary {
	summary := Summary{Total: len(records)}
	for _, r := range records {
		if r.Passed {
			summary.Passed++
		}
	}
	summary.Failed = summary.Total - summary.Passed
	return summary
}

var pdfEscaper = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)

// WriteSummaryPDF renders the summary as a single-page PDF in Helvetica.
func WriteSummaryPDF(w io.Writer, summary Summary, generated time.Time) error {
	lines := []string{
		"Certificate Compliance Summary",
		"Generated: " + generated.UTC().Format(time.RFC3339),
		fmt.Sprintf("Total Records: %d", summary.Total),
		fmt.Sprintf("Pass: %d", summary.Passed),
		fmt.Sprintf("Fail: %d", summary.Failed),
	}
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 16 TL 50 760 Td")
	for _, line := range lines {
		fmt.Fprintf(&content, " (%s) Tj T*", pdfEscaper.Replace(line))
	}
	content.WriteString(" ET")

	objects := []string{
		"1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj",
		"2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj",
		"3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >> endobj",
		fmt.Sprintf("4 0 obj << /Length %d >> stream\n%s\nendstream endobj", content.Len(), content.String()),
		"5 0 obj << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> endobj",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		buf.WriteString(obj)
		buf.WriteByte('\n')
	}

	xref := buf.Len()
	// each xref entry is exactly 20 bytes
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, offset := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buf, "trailer << /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)

	_, err := w.Write(buf.Bytes())
	return err
}

// SummarySink writes one timestamped PDF summary per export into Dir.
type SummarySink struct {
	Dir string
	now func() time.Time
}

func NewSummarySink(dir string) *SummarySink {
	return &SummarySink{Dir: dir, now: time.Now}
}

func (s *SummarySink) Export(ctx context.Context, records []Record) (string, error) {
	now := s.now()
	name := fmt.Sprintf("certificates-summary-%s.pdf", now.Format("20060102150405"))
	return writeExport(ctx, s.Dir, name, func(w io.Writer) error {
		return WriteSummaryPDF(w, Summarize(records), now)
	})
}

// writeExport writes through a temp file and renames it into place.
func writeExport(ctx context.Context, dir, name string, write func(io.Writer) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, name)

	f, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := write(f); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to publish export file: %w", err)
	}
	return path, nil
}
