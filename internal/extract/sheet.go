package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// sheetText renders the first sheetRows rows of every sheet as
// tab-separated text, one sheet after another in workbook order.
func (e *Extractor) sheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var sb strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			e.logger.Warn("reading sheet rows failed", "sheet", sheet, "error", err)
			continue
		}

		n := len(rows)
		if n > e.sheetRows {
			n = e.sheetRows
		}
		if n == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(sheet)
		sb.WriteString(":\n")
		for _, row := range rows[:n] {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
