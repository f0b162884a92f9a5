// Package report renders the statistics sink to an .xlsx workbook for
// operators who want a point-in-time throughput breakdown without
// scraping Prometheus.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/flowctl/throttlegate/internal/stats"
)

const sheetName = "Throughput"

var headerRow = []string{"IO Type", "Operation", "Admitted Bytes", "Admitted (human)"}

// Write renders snap (typically sink.FetchAll()) to an .xlsx workbook at
// path, one row per (io_type, op) pair, sorted for a stable diff between
// successive reports.
func Write(path string, snaps []stats.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for col, title := range headerRow {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheetName, cell, title)
	}

	sorted := make([]stats.Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type.String() < sorted[j].Type.String()
		}
		return sorted[i].Op.String() < sorted[j].Op.String()
	})

	printer := message.NewPrinter(language.English)
	for i, snap := range sorted {
		row := i + 2
		f.SetCellValue(sheetName, cellAt(1, row), snap.Type.String())
		f.SetCellValue(sheetName, cellAt(2, row), snap.Op.String())
		f.SetCellValue(sheetName, cellAt(3, row), snap.Bytes)
		f.SetCellValue(sheetName, cellAt(4, row), printer.Sprintf("%d", snap.Bytes))
	}

	if err := f.AutoFilter(sheetName, fmt.Sprintf("A1:D%d", len(sorted)+1), nil); err != nil {
		return fmt.Errorf("set autofilter: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook %s: %w", path, err)
	}
	return nil
}

func cellAt(col, row int) string {
	cell, _ := excelize.CoordinatesToCellName(col, row)
	return cell
}

// DefaultPath returns a timestamped report path under dir, so periodic
// exports never clobber one another.
func DefaultPath(dir string, now time.Time) string {
	return fmt.Sprintf("%s/throttlegate-stats-%s.xlsx", dir, now.Format("20060102T150405"))
}
