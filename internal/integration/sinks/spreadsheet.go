// Package sinks implements the built-in integration sinks.
package sinks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// SpreadsheetSink appends a run's structured output to an xlsx workbook.
// Each output category gets its own sheet; rows accumulate across runs.
type SpreadsheetSink struct {
	dir    string
	logger *zap.Logger
}

// NewSpreadsheetSink writes workbooks under dir.
func NewSpreadsheetSink(dir string, logger *zap.Logger) *SpreadsheetSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpreadsheetSink{dir: dir, logger: logger}
}

// Deliver appends one row block per output category to the target workbook.
func (s *SpreadsheetSink) Deliver(_ context.Context, task robot.IntegrationTask, run robot.Run) error {
	if len(run.StructuredOutput) == 0 {
		return nil
	}
	path := filepath.Join(s.dir, filepath.Base(task.Target))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create workbook dir: %w", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		f = excelize.NewFile()
	}
	defer func() { _ = f.Close() }()

	categories := make([]string, 0, len(run.StructuredOutput))
	for category := range run.StructuredOutput {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		if err := s.appendCategory(f, category, run, run.StructuredOutput[category]); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook %s: %w", path, err)
	}
	s.logger.Debug("spreadsheet updated",
		zap.String("workbook", path),
		zap.String("run_id", run.ID),
	)
	return nil
}

func (s *SpreadsheetSink) appendCategory(f *excelize.File, category string, run robot.Run, value any) error {
	sheet := sheetName(category)
	index, err := f.GetSheetIndex(sheet)
	if err != nil {
		return fmt.Errorf("look up sheet %s: %w", sheet, err)
	}
	if index < 0 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("create sheet %s: %w", sheet, err)
		}
		if err := f.SetSheetRow(sheet, "A1", &[]any{"run_id", "value"}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	next := len(rows) + 1

	for _, item := range flatten(value) {
		cell, err := excelize.CoordinatesToCellName(1, next)
		if err != nil {
			return fmt.Errorf("compute cell: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &[]any{run.ID, item}); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
		next++
	}
	return nil
}

// flatten turns a structured output value into printable rows. Values arrive
// either as native slices or as []any after a JSON round trip.
func flatten(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// sheetName bounds the category to excelize's 31-char sheet name limit.
func sheetName(category string) string {
	if len(category) > 31 {
		return category[:31]
	}
	return category
}
