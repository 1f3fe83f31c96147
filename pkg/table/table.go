// Package table is the tabular layer shared by the build stages: CSV tables
// keyed by territorial code and year, column alias mapping, schema checks,
// numeric helpers and the QC reports written next to every cleaned table.
package table

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/engine"
)

// Table is an in-memory table of string cells with a named header.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	t := &Table{Header: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		if _, dup := t.index[h]; !dup {
			t.index[h] = i
		}
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Col returns the position of a column, or -1.
func (t *Table) Col(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Has reports whether every named column exists.
func (t *Table) Has(names ...string) bool {
	for _, n := range names {
		if t.Col(n) < 0 {
			return false
		}
	}
	return true
}

// Get returns a cell, or "" when the column does not exist.
func (t *Table) Get(row int, name string) string {
	i := t.Col(name)
	if i < 0 || i >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][i]
}

// Set writes a cell, adding the column when needed.
func (t *Table) Set(row int, name, value string) {
	i := t.Col(name)
	if i < 0 {
		i = t.addColumn(name)
	}
	t.Rows[row][i] = value
}

// Append adds a row. Missing trailing cells are left empty.
func (t *Table) Append(values ...string) {
	row := make([]string, len(t.Header))
	copy(row, values)
	t.Rows = append(t.Rows, row)
}

func (t *Table) addColumn(name string) int {
	t.Header = append(t.Header, name)
	t.index[name] = len(t.Header) - 1
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], "")
	}
	return len(t.Header) - 1
}

// AddColumn sets column name to fn(row) for every row.
func (t *Table) AddColumn(name string, fn func(row int) string) {
	i := t.Col(name)
	if i < 0 {
		i = t.addColumn(name)
	}
	for r := range t.Rows {
		t.Rows[r][i] = fn(r)
	}
}

// RenameColumns maps column names through aliases. Lookups are exact first,
// then case-insensitive. When several columns map to the same name the first
// one wins and the others keep their original names.
func (t *Table) RenameColumns(aliases map[string]string) {
	folded := make(map[string]string, len(aliases))
	for from, to := range aliases {
		folded[strings.ToLower(from)] = to
	}

	taken := make(map[string]bool, len(t.Header))
	for _, h := range t.Header {
		if _, aliased := aliases[h]; !aliased {
			if _, aliased := folded[strings.ToLower(h)]; !aliased {
				taken[h] = true
			}
		}
	}
	for i, h := range t.Header {
		to, ok := aliases[h]
		if !ok {
			to, ok = folded[strings.ToLower(h)]
		}
		if !ok || to == h {
			taken[h] = true
			continue
		}
		if taken[to] {
			continue
		}
		t.Header[i] = to
		taken[to] = true
	}
	t.reindex()
}

// RequireColumns fails with a schema error naming every missing column.
func (t *Table) RequireColumns(names ...string) error {
	missing := t.Missing(names...)
	if len(missing) == 0 {
		return nil
	}
	return engine.NewValidationError(fmt.Sprintf("missing required columns: [%s]", strings.Join(missing, ", ")), nil).
		WithCode(engine.ErrCodeSchema).
		WithDetail("missing", missing)
}

// Missing returns the named columns that do not exist, in argument order.
func (t *Table) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if t.Col(n) < 0 {
			missing = append(missing, n)
		}
	}
	return missing
}

// Select returns a new table with only the named columns, in that order.
func (t *Table) Select(names ...string) (*Table, error) {
	if err := t.RequireColumns(names...); err != nil {
		return nil, err
	}
	out := New(names...)
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = t.Col(n)
	}
	out.Rows = make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		sel := make([]string, len(idx))
		for i, j := range idx {
			sel[i] = row[j]
		}
		out.Rows = append(out.Rows, sel)
	}
	return out, nil
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(row int) bool) *Table {
	out := New(t.Header...)
	for r, row := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, append([]string(nil), row...))
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	return t.Filter(func(int) bool { return true })
}

// Concat appends the rows of other, aligning columns by name.
func (t *Table) Concat(other *Table) {
	for r := range other.Rows {
		row := make([]string, len(t.Header))
		for i, h := range t.Header {
			row[i] = other.Get(r, h)
		}
		t.Rows = append(t.Rows, row)
	}
}

// SortBy stable-sorts rows by the named columns. Cells that parse as numbers
// compare numerically.
func (t *Table) SortBy(names ...string) {
	idx := make([]int, 0, len(names))
	for _, n := range names {
		if i := t.Col(n); i >= 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(t.Rows, func(a, b int) bool {
		for _, i := range idx {
			if c := compareCells(t.Rows[a][i], t.Rows[b][i]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func compareCells(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// Groups partitions row indexes by the value of a column, returning the keys
// in first-appearance order.
func (t *Table) Groups(name string) ([]string, map[string][]int) {
	var keys []string
	groups := make(map[string][]int)
	for r := range t.Rows {
		k := t.Get(r, name)
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	return keys, groups
}

// Distinct returns the distinct values of a column in first-appearance order.
func (t *Table) Distinct(name string) []string {
	keys, _ := t.Groups(name)
	return keys
}

// LeftJoin adds the non-key columns of right to t, matching rows on keys.
// Unmatched rows get empty cells. When right has duplicate keys the first
// row wins. Columns already present in t are not overwritten.
func (t *Table) LeftJoin(right *Table, keys ...string) error {
	if err := right.RequireColumns(keys...); err != nil {
		return err
	}
	if err := t.RequireColumns(keys...); err != nil {
		return err
	}

	lookup := make(map[string]int, right.Len())
	for r := range right.Rows {
		k := right.key(r, keys)
		if _, seen := lookup[k]; !seen {
			lookup[k] = r
		}
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var cols []string
	for _, h := range right.Header {
		if !isKey[h] && t.Col(h) < 0 {
			cols = append(cols, h)
		}
	}

	for _, c := range cols {
		src := right.Col(c)
		t.AddColumn(c, func(r int) string {
			if m, ok := lookup[t.key(r, keys)]; ok {
				return right.Rows[m][src]
			}
			return ""
		})
	}
	return nil
}

func (t *Table) key(row int, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = t.Get(row, c)
	}
	return strings.Join(parts, "\x1f")
}

// Float parses a cell. Empty and NaN-like cells report false.
func (t *Table) Float(row int, name string) (float64, bool) {
	return ParseFloat(t.Get(row, name))
}

// Int parses a cell holding an integer, accepting "2020.0".
func (t *Table) Int(row int, name string) (int, bool) {
	f, ok := t.Float(row, name)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// ParseFloat parses a numeric cell. Empty, NaN and NA cells report false.
func ParseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "n/a", "null", "none", "-":
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// FormatFloat renders a float cell. NaN and infinities render empty.
func FormatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
