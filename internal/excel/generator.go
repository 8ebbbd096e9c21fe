package excel

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/monkeysworks/settlement/internal/model"
)

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) Generate(doc model.TimesheetDocument) ([]byte, error) {
	file := excelize.NewFile()

	sheet := "Timesheet"
	file.SetSheetName("Sheet1", sheet)

	set := func(cell string, value interface{}) {
		_ = file.SetCellValue(sheet, cell, value)
	}

	set("A1", "Contract")
	set("B1", doc.Contract.Title)
	set("A2", "Week start")
	set("B2", formatDate(doc.Timesheet.WeekStart))
	set("A3", "Week end")
	set("B3", formatDate(doc.Timesheet.WeekEnd.AddDate(0, 0, -1)))
	set("A4", "Status")
	set("B4", string(doc.Timesheet.Status))
	set("A5", "Hourly rate")
	set("B5", doc.Timesheet.HourlyRate.StringFixed(2))
	set("A6", "Total hours")
	set("B6", formatHours(doc.Timesheet.TotalMinutes))
	set("A7", "Billable hours")
	set("B7", formatHours(doc.Timesheet.BillableMinutes))
	set("A8", "Total amount")
	set("B8", fmt.Sprintf("%s %s", doc.Timesheet.TotalAmount.StringFixed(2), doc.Timesheet.Currency))

	tableRow := 10
	headers := []string{
		"Started",
		"Ended",
		"Minutes",
		"Task",
		"Description",
		"Manual",
		"Billable",
		"Activity %",
		"Status",
		"Amount",
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, tableRow)
		set(cell, header)
	}

	for i, entry := range doc.Entries {
		row := tableRow + 1 + i
		set(fmt.Sprintf("A%d", row), formatDateTime(entry.StartedAt))
		set(fmt.Sprintf("B%d", row), formatEndTime(entry.EndedAt))
		set(fmt.Sprintf("C%d", row), entry.DurationMinutes)
		set(fmt.Sprintf("D%d", row), formatString(entry.TaskLabel))
		set(fmt.Sprintf("E%d", row), formatString(entry.Description))
		set(fmt.Sprintf("F%d", row), formatBool(entry.IsManual))
		set(fmt.Sprintf("G%d", row), formatBool(entry.IsBillable))
		set(fmt.Sprintf("H%d", row), formatActivity(entry.ActivityScore))
		set(fmt.Sprintf("I%d", row), string(entry.Status))
		set(fmt.Sprintf("J%d", row), entry.Amount.StringFixed(2))
	}

	_ = file.SetColWidth(sheet, "A", "B", 20)
	_ = file.SetColWidth(sheet, "C", "C", 10)
	_ = file.SetColWidth(sheet, "D", "E", 32)
	_ = file.SetColWidth(sheet, "F", "I", 12)
	_ = file.SetColWidth(sheet, "J", "J", 14)

	file.SetActiveSheet(0)
	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatEndTime(t *time.Time) string {
	if t == nil {
		return "running"
	}
	return formatDateTime(*t)
}

func formatString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func formatBool(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func formatActivity(score *decimal.Decimal) string {
	if score == nil {
		return ""
	}
	return score.StringFixed(2)
}

func formatHours(minutes int) string {
	return fmt.Sprintf("%.2f", float64(minutes)/60)
}
