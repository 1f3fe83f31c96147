package stages

import (
	"context"
	"math"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

// topShares are the leading fractions of districts whose share of output
// is reported per year.
var topShares = []struct {
	column string
	share  float64
}{
	{"top_1_pct", 0.01},
	{"top_5_pct", 0.05},
	{"top_10_pct", 0.10},
}

func modelDefinitions(d Deps) []engine.StageDefinition {
	return []engine.StageDefinition{
		{
			Name:      "model.concentracion",
			Flag:      "enable_models",
			DependsOn: []string{"build.panel_analitico"},
			Target:    d.outputs("tables", "concentracion_topshares.csv"),
			Produce:   d.modelConcentracion,
		},
		{
			Name:      "model.contribucion",
			Flag:      "enable_models",
			DependsOn: []string{"build.panel_analitico"},
			Target:    d.outputs("tables", "contribucion_crecimiento.csv"),
			Produce:   d.modelContribucion,
		},
	}
}

// topShare is the share of total output held by the largest n districts,
// n being the given fraction of districts and at least one.
func topShare(pib []float64, share float64) float64 {
	if len(pib) == 0 {
		return math.NaN()
	}
	n := int(float64(len(pib)) * share)
	if n < 1 {
		n = 1
	}
	order := descendingOrder(pib)
	top := make([]float64, 0, n)
	for _, i := range order[:n] {
		top = append(top, pib[i])
	}
	return divide(sum(top), sum(pib))
}

// hhi is the Herfindahl-Hirschman index of the output shares.
func hhi(pib []float64) float64 {
	total := sum(pib)
	if total == 0 {
		return math.NaN()
	}
	h := 0.0
	for _, v := range pib {
		if !math.IsNaN(v) {
			s := v / total
			h += s * s
		}
	}
	return h
}

// modelConcentracion reports per year the output share of the top 1, 5 and
// 10 percent of districts and the Herfindahl-Hirschman index.
func (d Deps) modelConcentracion(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	panelPath := d.processed("panel_analitico.csv")
	panel, err := readInput(sc, panelPath)
	if err != nil {
		return nil, err
	}
	if err := panel.RequireColumns("anio", "pib"); err != nil {
		return nil, err
	}
	panel.SortBy("anio")

	header := []string{"anio"}
	for _, ts := range topShares {
		header = append(header, ts.column)
	}
	out := table.New(append(header, "hhi")...)

	years, groups := panel.Groups("anio")
	for _, y := range years {
		pib := floats(panel, groups[y], "pib")
		row := []string{y}
		for _, ts := range topShares {
			row = append(row, ftoa(topShare(pib, ts.share)))
		}
		out.Append(append(row, ftoa(hhi(pib)))...)
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.outputs("tables", "concentracion_topshares.csv"),
		source: "modelos_concentracion",
		notes:  "top shares",
		inputs: []string{panelPath},
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// modelContribucion attributes each year's output change to districts.
func (d Deps) modelContribucion(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	panelPath := d.processed("panel_analitico.csv")
	panel, err := readInput(sc, panelPath)
	if err != nil {
		return nil, err
	}
	t, err := panel.Select("ubigeo", "anio", "pib")
	if err != nil {
		return nil, err
	}
	t.SortBy("ubigeo", "anio")

	pib := floats(t, allRows(t), "pib")
	delta := make([]float64, t.Len())
	_, byUbigeo := t.Groups("ubigeo")
	for _, idx := range byUbigeo {
		for k, r := range idx {
			delta[r] = math.NaN()
			if k >= 1 {
				delta[r] = pib[r] - pib[idx[k-1]]
			}
		}
	}

	growth := make([]float64, t.Len())
	_, byYear := t.Groups("anio")
	for _, idx := range byYear {
		vals := make([]float64, len(idx))
		for i, r := range idx {
			vals[i] = delta[r]
		}
		total := sum(vals)
		for _, r := range idx {
			growth[r] = divide(delta[r], total)
		}
	}

	out := table.New("ubigeo", "anio", "delta_pib", "share_growth")
	for r := range t.Rows {
		out.Append(t.Get(r, "ubigeo"), t.Get(r, "anio"), ftoa(delta[r]), ftoa(growth[r]))
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.outputs("tables", "contribucion_crecimiento.csv"),
		source: "modelos_contribucion_crecimiento",
		notes:  "territorial growth contributions",
		inputs: []string{panelPath},
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}
