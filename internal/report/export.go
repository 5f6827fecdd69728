package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

// WriteCSV writes the snapshot history as CSV, one row per snapshot.
// Timestamps are unix seconds.
func WriteCSV(w io.Writer, history []store.Snapshot) error {
	cw := csv.NewWriter(w)

	header := []string{
		"recorded_at", "variant_id", "conversions", "visits",
		"conversion_rate", "unsubscribe_rate", "complaint_rate",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, snap := range history {
		rate := 0.0
		if snap.Visits > 0 {
			rate = float64(snap.Conversions) / float64(snap.Visits)
		}
		row := []string{
			strconv.FormatInt(snap.RecordedAt.Unix(), 10),
			snap.VariantID,
			strconv.FormatInt(snap.Conversions, 10),
			strconv.FormatInt(snap.Visits, 10),
			strconv.FormatFloat(rate, 'f', 6, 64),
			formatRate(snap.UnsubscribeRate),
			formatRate(snap.ComplaintRate),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatRate(r *float64) string {
	if r == nil {
		return ""
	}
	return strconv.FormatFloat(*r, 'f', 6, 64)
}

type jsonExport struct {
	Experiment *experiment.Experiment `json:"experiment"`
	Snapshots  []store.Snapshot       `json:"snapshots"`
	Aggregates []VariantAggregate     `json:"aggregates"`
	Decision   *engine.Decision       `json:"decision,omitempty"`
}

// WriteJSON writes the experiment, its snapshot history, per-variant
// aggregates, and the latest decision (if any) as indented JSON.
func WriteJSON(w io.Writer, exp *experiment.Experiment, history []store.Snapshot, decision *engine.Decision) error {
	export := jsonExport{
		Experiment: exp,
		Snapshots:  history,
		Aggregates: Aggregates(history),
		Decision:   decision,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// WriteXLSX writes an Excel workbook with three sheets: Summary,
// Snapshots, and Aggregates.
func WriteXLSX(path string, exp *experiment.Experiment, history []store.Snapshot, decision *engine.Decision) error {
	f := excelize.NewFile()
	defer f.Close()

	const (
		summarySheet    = "Summary"
		snapshotSheet   = "Snapshots"
		aggregatesSheet = "Aggregates"
	)

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{snapshotSheet, aggregatesSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	summary := [][]any{
		{"Experiment", exp.Name},
		{"Campaign", exp.CampaignID},
		{"Status", string(exp.Status)},
		{"Control", exp.ControlID},
		{"Treatments", strings.Join(exp.Treatments, ", ")},
		{"Primary metric", exp.PrimaryMetric},
		{"Winner", exp.Winner},
	}
	if decision != nil {
		summary = append(summary,
			[]any{"Recommendation", string(decision.Recommendation.Action)},
			[]any{"Significant winner", decision.SignificantWinner},
			[]any{"Guardrails", string(decision.GuardrailStatus)},
		)
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	snapHeader := []any{
		"recorded_at", "variant_id", "conversions", "visits",
		"conversion_rate", "unsubscribe_rate", "complaint_rate",
	}
	if err := setRow(f, snapshotSheet, 1, snapHeader); err != nil {
		return err
	}
	for i, snap := range history {
		rate := 0.0
		if snap.Visits > 0 {
			rate = float64(snap.Conversions) / float64(snap.Visits)
		}
		row := []any{
			snap.RecordedAt.Format(time.RFC3339),
			snap.VariantID,
			snap.Conversions,
			snap.Visits,
			rate,
			rateCell(snap.UnsubscribeRate),
			rateCell(snap.ComplaintRate),
		}
		if err := setRow(f, snapshotSheet, i+2, row); err != nil {
			return err
		}
	}

	aggHeader := []any{
		"variant_id", "snapshots", "mean_rate", "median_rate",
		"stddev_rate", "min_rate", "max_rate",
	}
	if err := setRow(f, aggregatesSheet, 1, aggHeader); err != nil {
		return err
	}
	for i, agg := range Aggregates(history) {
		row := []any{
			agg.VariantID, agg.Snapshots, agg.MeanRate, agg.MedianRate,
			agg.StdDevRate, agg.MinRate, agg.MaxRate,
		}
		if err := setRow(f, aggregatesSheet, i+2, row); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}

func rateCell(r *float64) any {
	if r == nil {
		return nil
	}
	return *r
}
