package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/example/errand-matching/internal/models"
)

const tasksSheet = "Tasks"

var taskHeaders = []string{"ID", "Kind", "Status", "Customer", "Worker", "Pickup", "Dropoff", "Description", "Round", "Created", "Updated"}

// TasksXLSX writes an audit workbook with one row per task.
func TasksXLSX(w io.Writer, tasks []*models.Task) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(tasksSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	// NewFile always starts with Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	for i, header := range taskHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(tasksSheet, cell, header); err != nil {
			return err
		}
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(taskHeaders), 1)
		_ = f.SetCellStyle(tasksSheet, "A1", last, style)
	}

	for i, t := range tasks {
		dropoff := ""
		if t.Dropoff != nil {
			dropoff = coord(*t.Dropoff)
		}
		row := []any{
			t.ID,
			string(t.Kind),
			string(t.Status),
			t.CustomerID,
			t.WorkerID,
			coord(t.Pickup),
			dropoff,
			t.Description,
			t.Round,
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.UpdatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(tasksSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	_ = f.SetColWidth(tasksSheet, "A", "A", 38)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func coord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
