// Package export renders batch certificates for download.
package export

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"pravardha-anchor/internal/domain"
)

const (
	CertificateSheet = "Certificate"
	WindowsSheet     = "Windows"

	// ContentType xlsx MIME
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// WindowsHeader 窗口明细表头
var WindowsHeader = []string{
	"Window Start",
	"Window End",
	"Samples",
	"Temperature Avg",
	"Humidity Avg",
	"Pressure Avg",
	"Gas ADC Avg",
	"Merkle Root",
	"Anchored",
	"Anchor Tx",
	"Anchor Address",
	"Anchored At",
}

var windowsColumnWidths = []float64{22, 22, 10, 16, 14, 14, 14, 68, 10, 40, 68, 22}

// CertificateFilename returns the attachment name for a batch certificate.
func CertificateFilename(batchID string) string {
	return "batch-" + batchID + "-certificate.xlsx"
}

// GenerateCertificate 生成批次认证 Excel（概要 + 窗口明细）
// 内容完全来自实时验证结果，不读取批次 status 之外的存储字段。
func GenerateCertificate(v *domain.Verification) ([]byte, error) {
	if v == nil || v.Batch == nil {
		return nil, fmt.Errorf("verification with batch is required")
	}

	f := excelize.NewFile()

	index, err := f.NewSheet(CertificateSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(WindowsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSummary(f, v, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeWindows(f, v.Windows, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	// WriteTo 之前文件必须保持打开
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSummary 概要页：两列 Field / Value
func writeSummary(f *excelize.File, v *domain.Verification, headerStyle int) error {
	b := v.Batch
	rows := [][2]any{
		{"Field", "Value"},
		{"Batch ID", b.ID},
		{"Batch Name", b.Name},
		{"Device ID", b.DeviceID},
		{"Start", formatTime(b.StartTS)},
		{"End", formatTime(b.EndTS)},
		{"Status", string(b.Status)},
		{"Verdict", string(v.Verdict)},
		{"Anchored Windows", v.AnchoredCount},
		{"Total Windows", v.TotalWindows},
		{"Checked At", formatTime(v.CheckedAt)},
	}
	if v.Device != nil {
		rows = append(rows, [2]any{"Calibration Hash", hex.EncodeToString(v.Device.CalibrationHash[:])})
	}
	if v.NoData {
		rows = append(rows, [2]any{"Note", "no windows in range"})
	}
	if s := v.Summary; s != nil {
		rows = append(rows, [2]any{"Total Samples", s.TotalSamples})
		rows = append(rows, channelRows("Temperature", s.Temperature)...)
		rows = append(rows, channelRows("Humidity", s.Humidity)...)
		rows = append(rows, channelRows("Pressure", s.Pressure)...)
		rows = append(rows, channelRows("Gas ADC", s.GasADC)...)
	}

	for i, row := range rows {
		for j, value := range row {
			if err := setCellValue(f, CertificateSheet, j+1, i+1, value); err != nil {
				return fmt.Errorf("failed to set cell value at row %d, col %d: %w", i+1, j+1, err)
			}
		}
	}
	if err := f.SetCellStyle(CertificateSheet, "A1", "B1", headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(CertificateSheet, "A", "A", 22); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(CertificateSheet, "B", "B", 68); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	return nil
}

func channelRows(name string, c domain.ChannelStats) [][2]any {
	return [][2]any{
		{name + " Min", formatFloat(c.Min)},
		{name + " Max", formatFloat(c.Max)},
		{name + " Avg", formatFloat(c.Avg)},
	}
}

// writeWindows 窗口明细页
func writeWindows(f *excelize.File, windows []*domain.AggregateWindow, headerStyle int) error {
	for col, header := range WindowsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(WindowsSheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(WindowsSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	for i, width := range windowsColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(WindowsSheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, w := range windows {
		row := i + 2
		anchored := "No"
		if w.IsAnchored {
			anchored = "Yes"
		}
		anchoredAt := ""
		if w.AnchoredAt != nil {
			anchoredAt = formatTime(*w.AnchoredAt)
		}
		values := []any{
			formatTime(w.WindowStart),
			formatTime(w.WindowEnd),
			w.Stats.SampleCount,
			formatFloat(w.Stats.Temperature.Avg),
			formatFloat(w.Stats.Humidity.Avg),
			formatFloat(w.Stats.Pressure.Avg),
			formatFloat(w.Stats.GasADC.Avg),
			hex.EncodeToString(w.MerkleRoot),
			anchored,
			w.AnchorTxRef,
			w.AnchorAddress,
			anchoredAt,
		}
		for col, value := range values {
			if value == "" {
				continue
			}
			if err := setCellValue(f, WindowsSheet, col+1, row, value); err != nil {
				return fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(WindowsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

// setCellValue 设置单元格值
func setCellValue(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatFloat 缺失值输出空串，不写 0
func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
