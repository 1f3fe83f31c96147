package stages

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

func isWorkbook(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

// readWorkbook returns the raw cell values of the first sheet.
func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, engine.NewValidationError("cannot open workbook "+path, err).
			WithCode(engine.ErrCodeSchema).
			WithPath(path)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, engine.NewValidationError("workbook has no sheets", nil).
			WithCode(engine.ErrCodeSchema).
			WithPath(path)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

// readWorkbookTable loads the first sheet with its first non-blank row as
// the header.
func readWorkbookTable(path string) (*table.Table, error) {
	rows, err := readWorkbook(path)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if !blankRow(row) {
			return sheetTable(rows, i), nil
		}
	}
	return nil, engine.NewValidationError("table is empty", nil).
		WithCode(engine.ErrCodeSchema).
		WithPath(path)
}

func sheetTable(rows [][]string, header int) *table.Table {
	cols := make([]string, len(rows[header]))
	for i, c := range rows[header] {
		cols[i] = strings.TrimSpace(c)
	}
	t := table.New(cols...)
	for _, row := range rows[header+1:] {
		if !blankRow(row) {
			t.Append(row...)
		}
	}
	return t
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var yearHeader = regexp.MustCompile(`^(\d{4})`)

// departmentAliases maps folded INEI department labels to dimension names.
var departmentAliases = map[string]string{
	"PROV CONST DEL CALLAO":        "CALLAO",
	"PROVINCIA DE LIMA":            "LIMA",
	"REGION LIMA":                  "LIMA",
	"REGION METROPOLITANA DE LIMA": "LIMA",
}

// headerSearchRows bounds the scan for the INEI header row.
const headerSearchRows = 40

// departmentalPIB parses the INEI departmental output workbook: a
// "Departamentos" header row followed by one row per department and one
// column per year. Values are summed per department code and year.
func departmentalPIB(rows [][]string, depByName map[string]string) (map[string]map[int]float64, int, error) {
	header := -1
	for i := 0; i < len(rows) && i < headerSearchRows; i++ {
		for _, c := range rows[i] {
			if strings.TrimSpace(c) == "Departamentos" {
				header = i
				break
			}
		}
		if header >= 0 {
			break
		}
	}
	if header < 0 {
		return nil, 0, engine.NewValidationError("INEI PBI: header row not found", nil).
			WithCode(engine.ErrCodeSchema)
	}

	years := make(map[int]int)
	for i, c := range rows[header] {
		if m := yearHeader.FindStringSubmatch(strings.TrimSpace(c)); m != nil {
			y, _ := strconv.Atoi(m[1])
			years[i] = y
		}
	}
	if len(years) == 0 {
		return nil, 0, engine.NewValidationError("INEI PBI: year columns not found", nil).
			WithCode(engine.ErrCodeSchema)
	}

	out := make(map[string]map[int]float64)
	unmatched := 0
	for _, row := range rows[header+1:] {
		if len(row) == 0 {
			continue
		}
		label := strings.TrimSpace(row[0])
		if label == "" || strings.Contains(strings.ToUpper(label), "TOTAL") {
			continue
		}
		name := table.NormalizeName(label)
		if alias, ok := departmentAliases[name]; ok {
			name = alias
		}
		dep, ok := depByName[name]
		if !ok {
			unmatched++
			continue
		}
		for col, year := range years {
			if col >= len(row) {
				continue
			}
			v, ok := table.ParseFloat(row[col])
			if !ok {
				continue
			}
			if out[dep] == nil {
				out[dep] = make(map[int]float64)
			}
			out[dep][year] += v
		}
	}
	return out, unmatched, nil
}
