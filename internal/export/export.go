// Package export writes run history as CSV or XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// Formats accepted by Write.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const (
	runsSheet    = "Runs"
	summarySheet = "Summary"
	timeLayout   = "2006-01-02 15:04:05"
)

// RunRow is the flat export shape of a ScrapeRun.
type RunRow struct {
	ID              string  `csv:"id"`
	Kind            string  `csv:"kind"`
	Trigger         string  `csv:"trigger"`
	Status          string  `csv:"status"`
	StartedAt       string  `csv:"started_at"`
	FinishedAt      string  `csv:"finished_at"`
	DurationSeconds float64 `csv:"duration_seconds"`
	Attempts        int     `csv:"attempts"`
	ItemsFound      int     `csv:"items_found"`
	ItemsSaved      int     `csv:"items_saved"`
	ItemsUpdated    int     `csv:"items_updated"`
	ItemsFailed     int     `csv:"items_failed"`
	Error           string  `csv:"error"`
}

var headers = []any{
	"ID", "Kind", "Trigger", "Status", "Started (UTC)", "Finished (UTC)", "Duration (s)",
	"Attempts", "Found", "Saved", "Updated", "Failed", "Error",
}

// Rows flattens runs. Timestamps are UTC.
func Rows(runs []domain.ScrapeRun) []RunRow {
	out := make([]RunRow, len(runs))
	for i, r := range runs {
		row := RunRow{
			ID:              r.ID,
			Kind:            string(r.Kind),
			Trigger:         string(r.Trigger),
			Status:          string(r.Status),
			StartedAt:       r.StartedAt.UTC().Format(timeLayout),
			DurationSeconds: r.DurationSeconds,
			Attempts:        r.Attempts,
			ItemsFound:      r.Counts.Found,
			ItemsSaved:      r.Counts.Saved,
			ItemsUpdated:    r.Counts.Updated,
			ItemsFailed:     r.Counts.Failed,
			Error:           r.ErrorMessage,
		}
		if r.FinishedAt != nil {
			row.FinishedAt = r.FinishedAt.UTC().Format(timeLayout)
		}
		out[i] = row
	}
	return out
}

// Write encodes runs to w in the given format.
func Write(w io.Writer, format string, runs []domain.ScrapeRun) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, runs)
	case FormatXLSX:
		return WriteXLSX(w, runs)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// WriteCSV writes a header line followed by one line per run.
func WriteCSV(w io.Writer, runs []domain.ScrapeRun) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(RunRow{}); err != nil {
		return fmt.Errorf("encode csv header: %w", err)
	}
	if rows := Rows(runs); len(rows) > 0 {
		if err := enc.Encode(rows); err != nil {
			return fmt.Errorf("encode csv rows: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes a workbook with a Runs sheet and a per-kind Summary sheet.
func WriteXLSX(w io.Writer, runs []domain.ScrapeRun) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", runsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(runsSheet, "A1", &headers); err != nil {
		return err
	}
	for i, r := range Rows(runs) {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			r.ID, r.Kind, r.Trigger, r.Status, r.StartedAt, r.FinishedAt, r.DurationSeconds,
			r.Attempts, r.ItemsFound, r.ItemsSaved, r.ItemsUpdated, r.ItemsFailed, r.Error,
		}
		if err := f.SetSheetRow(runsSheet, cell, &values); err != nil {
			return err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(runsSheet, "A1", lastHeader, bold); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	if err := f.SetColWidth(runsSheet, "A", lastCol, 20); err != nil {
		return err
	}

	if err := writeSummary(f, runs, bold); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// writeSummary adds run totals per kind and status.
func writeSummary(f *excelize.File, runs []domain.ScrapeRun, headerStyle int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	header := []any{"Kind", "Runs", "Success", "Failed", "Skipped", "Running", "Last Started (UTC)"}
	if err := f.SetSheetRow(summarySheet, "A1", &header); err != nil {
		return err
	}

	type totals struct {
		runs, success, failed, skipped, running int
		last                                    time.Time
	}
	byKind := make(map[domain.JobKind]*totals)
	for _, r := range runs {
		t, ok := byKind[r.Kind]
		if !ok {
			t = &totals{}
			byKind[r.Kind] = t
		}
		t.runs++
		switch r.Status {
		case domain.RunSuccess:
			t.success++
		case domain.RunFailed:
			t.failed++
		case domain.RunSkipped:
			t.skipped++
		case domain.RunRunning:
			t.running++
		}
		if r.StartedAt.After(t.last) {
			t.last = r.StartedAt
		}
	}

	row := 2
	for _, kind := range domain.JobKinds() {
		t, ok := byKind[kind]
		if !ok {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []any{string(kind), t.runs, t.success, t.failed, t.skipped, t.running, t.last.UTC().Format(timeLayout)}
		if err := f.SetSheetRow(summarySheet, cell, &values); err != nil {
			return err
		}
		row++
	}
	if err := f.SetCellStyle(summarySheet, "A1", "G1", headerStyle); err != nil {
		return err
	}
	return f.SetColWidth(summarySheet, "A", "G", 18)
}
