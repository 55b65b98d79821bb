package export

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	telemetry "power-desk/internal/telemetry/domain"
)

// maxPDFValueBytes caps how much of each payload is printed in a PDF row.
const maxPDFValueBytes = 24

// Row is one history entry. Channel is nil for protector rows.
type Row struct {
	Timestamp int64
	Channel   *int
	Values    []byte
}

// Report is the history of one device and kind over a time range.
type Report struct {
	DeviceID string
	Kind     telemetry.Kind
	From     int64
	To       int64
	Rows     []Row
}

// SeriesRows converts series items to report rows.
func SeriesRows(items []telemetry.SeriesItem) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		channel := item.Channel
		rows = append(rows, Row{Timestamp: item.Timestamp, Channel: &channel, Values: item.Values})
	}
	return rows
}

// ProtectorRows converts protector items to report rows.
func ProtectorRows(items []telemetry.ProtectorItem) []Row {
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		rows = append(rows, Row{Timestamp: item.Timestamp, Values: item.Values})
	}
	return rows
}

// BuildHistoryPDF renders a minimal PDF for a history report.
func BuildHistoryPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Device History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", report.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Kind: %s", report.Kind))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s - %s", formatMillis(report.From), formatMillis(report.To)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d", len(report.Rows)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 6, "Time", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Channel", "1", 0, "C", false, 0, "")
	pdf.CellFormat(110, 6, "Values (hex)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Courier", "", 8)
	for _, row := range report.Rows {
		values := row.Values
		suffix := ""
		if len(values) > maxPDFValueBytes {
			values = values[:maxPDFValueBytes]
			suffix = "..."
		}
		pdf.CellFormat(50, 6, formatMillis(row.Timestamp), "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, channelText(row.Channel), "1", 0, "C", false, 0, "")
		pdf.CellFormat(110, 6, hex.EncodeToString(values)+suffix, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders a history report as a workbook with a summary
// sheet and one row per item.
func BuildHistoryXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	rowsSheet := "rows"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Device History")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", report.DeviceID)
	_ = f.SetCellValue(summarySheet, "A4", "Kind")
	_ = f.SetCellValue(summarySheet, "B4", string(report.Kind))
	_ = f.SetCellValue(summarySheet, "A5", "From")
	_ = f.SetCellValue(summarySheet, "B5", formatMillis(report.From))
	_ = f.SetCellValue(summarySheet, "A6", "To")
	_ = f.SetCellValue(summarySheet, "B6", formatMillis(report.To))
	_ = f.SetCellValue(summarySheet, "A7", "Rows")
	_ = f.SetCellValue(summarySheet, "B7", len(report.Rows))

	_ = f.SetCellValue(rowsSheet, "A1", "Timestamp (ms)")
	_ = f.SetCellValue(rowsSheet, "B1", "Time")
	_ = f.SetCellValue(rowsSheet, "C1", "Channel")
	_ = f.SetCellValue(rowsSheet, "D1", "Values (hex)")
	for i, row := range report.Rows {
		line := i + 2
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("A%d", line), row.Timestamp)
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("B%d", line), formatMillis(row.Timestamp))
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("C%d", line), channelText(row.Channel))
		_ = f.SetCellValue(rowsSheet, fmt.Sprintf("D%d", line), hex.EncodeToString(row.Values))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func channelText(channel *int) string {
	if channel == nil {
		return ""
	}
	return strconv.Itoa(*channel)
}
