package audit

import (
	"fmt"
	"io"

	"adward/pkg/storage"

	"github.com/xuri/excelize/v2"
)

// exportSheet names the worksheet written by ExportXLSX
const exportSheet = "Audit"

// ExportXLSX writes records to w as a single-sheet workbook with the same
// columns as the CSV log.
func ExportXLSX(w io.Writer, records []storage.Record) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}
	if err := sw.SetRow("A1", []interface{}{"time", "action", "domain"}); err != nil {
		return err
	}
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{storage.FormatTimestamp(rec.Timestamp), string(rec.Action), rec.Domain}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
