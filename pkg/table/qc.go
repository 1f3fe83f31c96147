package table

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/fsutil"
)

// ColumnMissing counts empty cells in one column.
type ColumnMissing struct {
	Missing    int     `json:"missing"`
	MissingPct float64 `json:"missing_pct"`
}

// Missingness counts empty cells per column.
type Missingness struct {
	Columns map[string]ColumnMissing `json:"columns"`
	Rows    int                      `json:"rows"`
}

// Uniqueness counts rows repeating an earlier key.
type Uniqueness struct {
	Duplicates    int      `json:"duplicates"`
	DuplicatesPct float64  `json:"duplicates_pct"`
	Keys          []string `json:"keys"`
	Rows          int      `json:"rows"`
}

// Schema reports required columns absent from a table.
type Schema struct {
	MissingColumns []string `json:"missing_columns"`
	Valid          bool     `json:"valid"`
}

// Report is the QC document written for a cleaned table. Fields are declared
// in key order so the JSON output is sorted.
type Report struct {
	Missingness *Missingness `json:"missingness,omitempty"`
	Schema      *Schema      `json:"schema,omitempty"`
	Uniqueness  *Uniqueness  `json:"uniqueness,omitempty"`
}

// MissingnessReport counts empty cells per column.
func MissingnessReport(t *Table) *Missingness {
	m := &Missingness{Rows: t.Len(), Columns: make(map[string]ColumnMissing, len(t.Header))}
	for i, h := range t.Header {
		n := 0
		for _, row := range t.Rows {
			if isMissing(row[i]) {
				n++
			}
		}
		m.Columns[h] = ColumnMissing{Missing: n, MissingPct: ratio(n, t.Len())}
	}
	return m
}

func isMissing(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "nan", "na", "null", "none":
		return true
	}
	return false
}

// UniquenessReport counts rows whose key columns repeat an earlier row.
func UniquenessReport(t *Table, keys ...string) *Uniqueness {
	seen := make(map[string]bool, t.Len())
	dups := 0
	for r := range t.Rows {
		k := t.key(r, keys)
		if seen[k] {
			dups++
			continue
		}
		seen[k] = true
	}
	return &Uniqueness{
		Rows:          t.Len(),
		Keys:          append([]string{}, keys...),
		Duplicates:    dups,
		DuplicatesPct: ratio(dups, t.Len()),
	}
}

// SchemaReport checks required columns without failing.
func SchemaReport(t *Table, required ...string) *Schema {
	missing := t.Missing(required...)
	if missing == nil {
		missing = []string{}
	}
	return &Schema{MissingColumns: missing, Valid: len(missing) == 0}
}

// Over returns the columns whose missing share exceeds threshold, sorted.
func (m *Missingness) Over(threshold float64) []string {
	var cols []string
	for c, v := range m.Columns {
		if v.MissingPct > threshold {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// WriteQC writes a report as indented JSON.
func WriteQC(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
