package httpapi

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"stockreport/backend/internal/domain"
)

const recordsSheet = "Records"

var exportHeadings = []string{
	"submission_id",
	"submitted_at",
	"distributor_name",
	"town",
	"super_stockist",
	"state",
	"entered_by",
	"mobile",
	"item_name",
	"opening_stock",
	"purchase",
	"sale",
	"closing_stock",
}

// exportRows flattens reports into one row per item, in view order.
func exportRows(records []domain.Submission) [][]any {
	rows := make([][]any, 0, len(records))
	for _, record := range records {
		for _, item := range record.Items {
			rows = append(rows, []any{
				record.ID,
				record.SubmittedAt.UTC().Format(time.RFC3339),
				record.DistributorName,
				record.Town,
				record.SuperStockist,
				record.State,
				record.EnteredBy,
				record.Mobile,
				item.ItemName,
				item.OpeningStock,
				item.Purchase,
				item.Sale,
				item.ClosingStock,
			})
		}
	}
	return rows
}

func recordsToCSV(records []domain.Submission) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(exportHeadings); err != nil {
		return nil, err
	}

	for _, row := range exportRows(records) {
		line := make([]string, len(row))
		for i, value := range row {
			switch v := value.(type) {
			case string:
				line[i] = escapeFormula(v)
			case int64:
				line[i] = strconv.FormatInt(v, 10)
			default:
				line[i] = fmt.Sprint(v)
			}
		}
		if err := writer.Write(line); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// escapeFormula keeps spreadsheet apps from evaluating user text as a
// formula when they open the CSV.
func escapeFormula(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

func recordsToXLSX(records []domain.Submission) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := append([][]any{headingRow()}, exportRows(records)...)
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(recordsSheet, cell, value); err != nil {
				return nil, fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headingRow() []any {
	row := make([]any, len(exportHeadings))
	for i, h := range exportHeadings {
		row[i] = h
	}
	return row
}
