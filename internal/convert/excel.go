package convert

import (
	"os"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// convertXLSX extracts the first sheet of an XLSX workbook as CSV.
// Only the first sheet is taken; multi-sheet workbooks are treated as
// one dataset per upload, matching how sources publish them.
func convertXLSX(path string) (string, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return "", wrapMaterializer("xlsx: open", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return "", materializerErrorf("xlsx: workbook has no sheets")
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return "", wrapMaterializer("xlsx: read rows", err)
	}
	return writeRowsCSV(path, rows)
}

// convertXLS extracts the first sheet of a legacy OLE workbook as CSV.
func convertXLS(path string) (string, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return "", wrapMaterializer("xls: open", err)
	}
	rows := wb.ReadAllCells(1 << 20)
	if len(rows) == 0 {
		return "", materializerErrorf("xls: workbook has no rows")
	}
	return writeRowsCSV(path, rows)
}

// writeRowsCSV writes a rectangularized row matrix as CSV. Excel
// readers return ragged rows (trailing empties dropped); padding to
// the widest row keeps the output parseable.
func writeRowsCSV(path string, rows [][]string) (string, error) {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 {
		return "", materializerErrorf("excel: empty sheet")
	}

	f, bw, cw, out, err := newOutput(path, "csv")
	if err != nil {
		return "", err
	}
	padded := make([]string, width)
	for _, r := range rows {
		copy(padded, r)
		for i := len(r); i < width; i++ {
			padded[i] = ""
		}
		if err := cw.Write(padded); err != nil {
			f.Close()
			os.Remove(out)
			return "", err
		}
	}
	if err := closeOutput(f, bw, cw); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}
