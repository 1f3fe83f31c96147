package stages

import (
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/agendaterritorial/agenda/pkg/table"
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

func ftoa(f float64) string {
	return table.FormatFloat(f)
}

// floats returns the column values of rows, NaN where a cell is missing.
func floats(t *table.Table, rows []int, col string) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		if v, ok := t.Float(r, col); ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

func allRows(t *table.Table) []int {
	rows := make([]int, t.Len())
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// divide returns a/b, NaN when b is zero or either side is NaN.
func divide(a, b float64) float64 {
	if b == 0 || math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	return a / b
}

func sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		if !math.IsNaN(x) {
			s += x
		}
	}
	return s
}

// present drops NaN values.
func present(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

// mean skips NaN values. It is NaN when nothing is left.
func mean(xs []float64) float64 {
	vals := present(xs)
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, nil)
}

// stdPop is the population standard deviation, skipping NaN values.
func stdPop(xs []float64) float64 {
	vals := present(xs)
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.PopStdDev(vals, nil)
}

// zscores standardizes xs with the population standard deviation.
func zscores(xs []float64) []float64 {
	m, sd := mean(xs), stdPop(xs)
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = divide(x-m, sd)
	}
	return out
}

// quantile interpolates linearly between closest ranks (position
// q*(n-1) over the sorted values), skipping NaN. stat.Quantile only offers
// the empirical and the q*n interpolations.
func quantile(xs []float64, q float64) float64 {
	vals := present(xs)
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	pos := q * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return vals[lo]
	}
	return vals[lo] + (vals[hi]-vals[lo])*(pos-float64(lo))
}

// pctRank returns percentile ranks in (0, 1], averaging ties. NaN values
// keep a NaN rank.
func pctRank(xs []float64) []float64 {
	idx := make([]int, 0, len(xs))
	for i, x := range xs {
		if !math.IsNaN(x) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	out := make([]float64, len(xs))
	for i := range out {
		out[i] = math.NaN()
	}
	n := float64(len(idx))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			out[idx[k]] = avg / n
		}
		i = j + 1
	}
	return out
}

// spearman is the rank correlation of the pairs where both values are
// present. It is NaN with fewer than two pairs.
func spearman(xs, ys []float64) float64 {
	var a, b []float64
	for i := range xs {
		if !math.IsNaN(xs[i]) && !math.IsNaN(ys[i]) {
			a = append(a, xs[i])
			b = append(b, ys[i])
		}
	}
	if len(a) < 2 {
		return math.NaN()
	}
	return stat.Correlation(pctRank(a), pctRank(b), nil)
}

// descendingOrder returns positions of xs sorted by value, largest first,
// NaN last, ties kept in input order.
func descendingOrder(xs []float64) []int {
	order := make([]int, len(xs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		xa, xb := xs[order[a]], xs[order[b]]
		if math.IsNaN(xb) {
			return !math.IsNaN(xa)
		}
		if math.IsNaN(xa) {
			return false
		}
		return xa > xb
	})
	return order
}
