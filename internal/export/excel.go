// Package export renders query results into an Excel workbook suitable
// for delivery as a message attachment.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/fintrak/fintrak/internal/invoices"
)

const sheetName = "Sheet1"

// Column headers get friendlier labels in the rendered sheet.
var headerLabels = map[string]string{
	"identity": "WhatsApp Number",
	"raw_path": "Download Link",
}

// BuildWorkbook renders the result into an xlsx file. Values in any
// raw_path column must already be presigned URLs; they render as styled
// "Download" hyperlinks. Identity values that differ from the first row's
// owner are blanked so a stray join can never leak another user's number.
func BuildWorkbook(result *invoices.QueryResult) ([]byte, error) {
	if result == nil || len(result.Columns) == 0 {
		return nil, fmt.Errorf("export: empty result")
	}

	f := excelize.NewFile()
	defer f.Close()

	linkStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "0000FF", Underline: "single"},
	})
	if err != nil {
		return nil, fmt.Errorf("export: link style: %w", err)
	}

	identityCol, linkCol := -1, -1
	for i, col := range result.Columns {
		label := col
		if l, ok := headerLabels[col]; ok {
			label = l
		}
		switch col {
		case "identity":
			identityCol = i
		case "raw_path":
			linkCol = i
		}
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, fmt.Errorf("export: header cell: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, label); err != nil {
			return nil, fmt.Errorf("export: write header: %w", err)
		}
	}

	var owner any
	if identityCol >= 0 && len(result.Rows) > 0 && identityCol < len(result.Rows[0]) {
		owner = result.Rows[0][identityCol]
	}

	for r, row := range result.Rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, fmt.Errorf("export: cell name: %w", err)
			}
			if c == identityCol && r > 0 && value != owner {
				continue
			}
			if c == linkCol {
				url, ok := value.(string)
				if !ok || url == "" {
					continue
				}
				if err := f.SetCellValue(sheetName, cell, "Download"); err != nil {
					return nil, fmt.Errorf("export: write link cell: %w", err)
				}
				if err := f.SetCellHyperLink(sheetName, cell, url, "External"); err != nil {
					return nil, fmt.Errorf("export: set hyperlink: %w", err)
				}
				if err := f.SetCellStyle(sheetName, cell, cell, linkStyle); err != nil {
					return nil, fmt.Errorf("export: style link: %w", err)
				}
				continue
			}
			if value == nil {
				continue
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, fmt.Errorf("export: write cell: %w", err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("export: serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}
