package rowsource

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/idresolve/internal/model"
)

// XLSXOptions selects the sheet holding the rows. The first row of the
// sheet is the header.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// ReadXLSX reads rows from a workbook. Header cells are mapped with
// CanonicalHeader; unknown columns are ignored. Fully empty rows are
// skipped.
func ReadXLSX(ctx context.Context, path string, opts XLSXOptions) ([]model.Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	columns := make(map[int]string)
	for j, cell := range sheet.Rows[0].Cells {
		if col, ok := CanonicalHeader(cell.String()); ok {
			columns[j] = col
		}
	}
	if len(columns) == 0 {
		return nil, eris.Errorf("xlsx: sheet %q has no recognized header columns", sheet.Name)
	}

	var rows []model.Row
	for i, r := range sheet.Rows[1:] {
		if i%1000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xlsx: context cancelled")
		}
		var row model.Row
		for j, cell := range r.Cells {
			if col, ok := columns[j]; ok {
				setField(&row, col, cell.String())
			}
		}
		if row == (model.Row{}) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}
