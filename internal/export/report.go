package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"focusdeck/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Failed operations"

// BuildFailedReport renders the parked queue as an xlsx workbook, one row
// per operation, so a user can see exactly which writes never made it out.
func BuildFailedReport(ops []models.WriteOperation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"ID", "Entity", "Operation", "Entity ID", "Retries", "Last error", "Queued at", "Next retry at"}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheetName, cell, header)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	_ = f.SetCellStyle(sheetName, "A1", "H1", headerStyle)

	for rowIdx, op := range ops {
		row := rowIdx + 2
		lastError := ""
		if op.LastError != nil {
			lastError = *op.LastError
		}
		nextRetry := ""
		if op.NextRetryAt != nil {
			nextRetry = op.NextRetryAt.Format(time.RFC3339)
		}
		values := []any{
			op.ID,
			string(op.EntityType),
			string(op.Op),
			op.EntityID,
			op.RetryCount,
			lastError,
			op.CreatedAt.Format(time.RFC3339),
			nextRetry,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheetName, cell, value)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "D", 18)
	_ = f.SetColWidth(sheetName, "F", "H", 32)
	_ = f.DeleteSheet("Sheet1")

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveFailedReport writes the report into the exports directory and returns
// the file path.
func SaveFailedReport(dir string, ops []models.WriteOperation) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	data, err := BuildFailedReport(ops)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("failed-operations-%s.xlsx", time.Now().Format("2006-01-02_15-04-05")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	return path, nil
}
