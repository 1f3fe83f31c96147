package stages

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

// Scenario is a targeting rule simulated over the last study year.
type Scenario struct {
	ID       string
	Rule     string
	Impact   float64
	Horizon  int
	Quantile float64
	MinYears int
}

// Scenarios are the simulated policy scenarios.
var Scenarios = []Scenario{
	{ID: "A", Rule: "bottom_tail", Impact: 0.01, Horizon: 5, Quantile: 0.2},
	{ID: "B", Rule: "persistencia", Impact: 0.015, Horizon: 5, Quantile: 0.2, MinYears: 8},
}

func (s Scenario) file() string {
	return fmt.Sprintf("escenario_%s_beneficiarios.csv", s.ID)
}

func policyDefinitions(d Deps) []engine.StageDefinition {
	defs := []engine.StageDefinition{
		{
			Name:      "policy.indice",
			Flag:      "enable_policy",
			DependsOn: []string{"build.panel_analitico"},
			Target:    d.processed("indice_vulnerabilidad.csv"),
			Produce:   d.policyIndice,
		},
	}
	defs = append(defs, engine.StageDefinition{
		Name:      "policy.sensibilidad",
		Flag:      "enable_policy",
		DependsOn: []string{"policy.indice"},
		Target:    d.outputs("tables", "sensibilidad_indice.csv"),
		Produce:   d.policySensibilidad,
	})
	evalDeps := make([]string, 0, len(Scenarios))
	for _, s := range Scenarios {
		name := "policy.escenario_" + strings.ToLower(s.ID)
		defs = append(defs, engine.StageDefinition{
			Name:      name,
			Flag:      "enable_policy",
			DependsOn: []string{"policy.indice"},
			Target:    d.outputs("policy", s.file()),
			Produce:   d.policyEscenario(s),
		})
		evalDeps = append(evalDeps, name)
	}
	defs = append(defs, engine.StageDefinition{
		Name:      "policy.evaluacion",
		Flag:      "enable_policy",
		DependsOn: evalDeps,
		Produce:   d.policyEvaluacion,
	})
	return defs
}

// absOrZero returns |x| for a numeric cell, zero otherwise.
func absOrZero(t *table.Table, row int, col string) float64 {
	if v, ok := t.Float(row, col); ok {
		return math.Abs(v)
	}
	return 0
}

// policyIndice combines a level component (low output per capita and per
// km2, by percentile rank) with a shock component (climate anomalies and
// terms-of-trade shocks amplified by mining exposure).
func (d Deps) policyIndice(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	panelPath := d.processed("panel_analitico.csv")
	panel, err := readInput(sc, panelPath)
	if err != nil {
		return nil, err
	}
	if err := panel.RequireColumns("ubigeo", "anio", "pib_pc", "pib_km2"); err != nil {
		return nil, err
	}

	rows := allRows(panel)
	rankPC := pctRank(floats(panel, rows, "pib_pc"))
	rankKM2 := pctRank(floats(panel, rows, "pib_km2"))

	n := panel.Len()
	nivel := make([]float64, n)
	shock := make([]float64, n)
	vuln := make([]float64, n)
	for r := 0; r < n; r++ {
		nivel[r] = mean([]float64{1 - rankPC[r], 1 - rankKM2[r]})
		macro := absOrZero(panel, r, "dlog_tot")
		clima := absOrZero(panel, r, "precip_anom")
		mineria, ok := panel.Float(r, "mineria_expo")
		if !ok {
			mineria = 0
		}
		shock[r] = 0.5*clima + 0.5*macro*(1+mineria)
		vuln[r] = 0.5*nivel[r] + 0.5*shock[r]
	}

	rank := make([]float64, n)
	quint := make([]float64, n)
	_, byYear := panel.Groups("anio")
	for _, idx := range byYear {
		vals := make([]float64, len(idx))
		for i, r := range idx {
			vals[i] = vuln[r]
		}
		for pos, i := range descendingOrder(vals) {
			rank[idx[i]] = math.NaN()
			if !math.IsNaN(vals[i]) {
				rank[idx[i]] = float64(pos + 1)
			}
		}
		bins := quantileBins(vals, 5)
		for i, r := range idx {
			quint[r] = bins[i]
		}
	}

	out := table.New("ubigeo", "anio", "vulnerabilidad", "rank_vulnerabilidad", "quintil_vulnerabilidad", "comp_nivel", "comp_shock")
	for r := 0; r < n; r++ {
		out.Append(panel.Get(r, "ubigeo"), panel.Get(r, "anio"),
			ftoa(vuln[r]), ftoa(rank[r]), ftoa(quint[r]), ftoa(nivel[r]), ftoa(shock[r]))
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.processed("indice_vulnerabilidad.csv"),
		source: "politicas_vulnerabilidad",
		notes:  "vulnerability index",
		inputs: []string{panelPath},
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// SensitivityWeights are the (level, shock) weightings compared against the
// published index.
var SensitivityWeights = [][2]float64{
	{0.5, 0.5},
	{0.7, 0.3},
	{0.3, 0.7},
}

// policySensibilidad reweights the index components for the last study
// year and reports the rank correlation of each alternative with the
// published index.
func (d Deps) policySensibilidad(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	indicePath := d.processed("indice_vulnerabilidad.csv")
	indice, err := readInput(sc, indicePath)
	if err != nil {
		return nil, err
	}
	if err := indice.RequireColumns("anio", "vulnerabilidad"); err != nil {
		return nil, err
	}

	year := itoa(d.Config.Project.Years.End)
	last := indice.Filter(func(r int) bool { return indice.Get(r, "anio") == year })
	rows := allRows(last)
	base := floats(last, rows, "vulnerabilidad")

	out := table.New("w_level", "w_shock", "spearman")
	if last.Has("comp_nivel", "comp_shock") {
		nivel := floats(last, rows, "comp_nivel")
		shock := floats(last, rows, "comp_shock")
		for _, w := range SensitivityWeights {
			alt := make([]float64, len(rows))
			for i := range rows {
				alt[i] = w[0]*nivel[i] + w[1]*shock[i]
			}
			out.Append(ftoa(w[0]), ftoa(w[1]), ftoa(spearman(base, alt)))
		}
	} else {
		sc.Logger.Warn("index components missing; sensitivity table left empty")
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.outputs("tables", "sensibilidad_indice.csv"),
		source: "modelos_sensibilidad",
		notes:  "sensitivity of vulnerability weights",
		inputs: []string{indicePath},
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// quantileBins assigns each value to one of k equal-frequency bins, 0 being
// the lowest. Repeated bin edges are merged; NaN values get NaN.
func quantileBins(xs []float64, k int) []float64 {
	edges := make([]float64, 0, k+1)
	for i := 0; i <= k; i++ {
		e := quantile(xs, float64(i)/float64(k))
		if len(edges) == 0 || e != edges[len(edges)-1] {
			edges = append(edges, e)
		}
	}

	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.NaN()
		if math.IsNaN(x) || len(edges) < 2 {
			continue
		}
		b := sort.SearchFloat64s(edges[1:], x)
		if b > len(edges)-2 {
			b = len(edges) - 2
		}
		out[i] = float64(b)
	}
	return out
}

// bottomTail flags values at or above the (1-q) quantile.
func bottomTail(vals []float64, q float64) []bool {
	threshold := quantile(vals, 1-q)
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = !math.IsNaN(v) && v >= threshold
	}
	return out
}

// policyEscenario selects beneficiaries for the last study year and assigns
// the expected impact.
func (d Deps) policyEscenario(s Scenario) engine.Producer {
	return func(ctx context.Context, sc *engine.StageContext) ([]string, error) {
		panelPath, indicePath := d.processed("panel_analitico.csv"), d.processed("indice_vulnerabilidad.csv")
		panel, err := readInput(sc, panelPath)
		if err != nil {
			return nil, err
		}
		indice, err := readInput(sc, indicePath)
		if err != nil {
			return nil, err
		}
		if panel, err = panel.Select("ubigeo", "anio"); err != nil {
			return nil, err
		}
		if err := panel.LeftJoin(indice, "ubigeo", "anio"); err != nil {
			return nil, err
		}

		selected, err := d.selectBeneficiaries(panel, s)
		if err != nil {
			return nil, err
		}

		year := itoa(d.Config.Project.Years.End)
		out := table.New("ubigeo", "anio", "beneficiario", "impacto_esperado", "horizonte")
		for r := range panel.Rows {
			if panel.Get(r, "anio") != year {
				continue
			}
			flag, impact := "0", 0.0
			if selected[r] {
				flag, impact = "1", s.Impact
			}
			out.Append(panel.Get(r, "ubigeo"), year, flag, ftoa(impact), itoa(s.Horizon))
		}

		path, err := writeTable(ctx, sc, out, output{
			path:   d.outputs("policy", s.file()),
			source: "politicas_escenario",
			notes:  fmt.Sprintf("escenario %s regla %s", s.ID, s.Rule),
			inputs: []string{panelPath, indicePath},
		})
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
}

// selectBeneficiaries applies a scenario rule to every panel row.
// bottom_tail uses the last-year distribution; persistencia requires a
// district to be in its year's bottom tail in at least MinYears years,
// capped at the number of study years.
func (d Deps) selectBeneficiaries(panel *table.Table, s Scenario) ([]bool, error) {
	vuln := floats(panel, allRows(panel), "vulnerabilidad")
	out := make([]bool, panel.Len())

	switch s.Rule {
	case "bottom_tail":
		year := itoa(d.Config.Project.Years.End)
		var idx []int
		for r := range panel.Rows {
			if panel.Get(r, "anio") == year {
				idx = append(idx, r)
			}
		}
		vals := make([]float64, len(idx))
		for i, r := range idx {
			vals[i] = vuln[r]
		}
		for i, hit := range bottomTail(vals, s.Quantile) {
			out[idx[i]] = hit
		}
	case "persistencia":
		counts := make(map[string]int)
		years, byYear := panel.Groups("anio")
		for _, y := range years {
			idx := byYear[y]
			vals := make([]float64, len(idx))
			for i, r := range idx {
				vals[i] = vuln[r]
			}
			for i, hit := range bottomTail(vals, s.Quantile) {
				if hit {
					counts[panel.Get(idx[i], "ubigeo")]++
				}
			}
		}
		minYears := s.MinYears
		if span := d.Config.Project.Years.End - d.Config.Project.Years.Start + 1; span < minYears {
			minYears = span
		}
		for r := range panel.Rows {
			out[r] = counts[panel.Get(r, "ubigeo")] >= minYears
		}
	default:
		return nil, engine.NewConfigurationError("unknown targeting rule: "+s.Rule, nil).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return out, nil
}

// policyEvaluacion reports beneficiary coverage for every scenario.
func (d Deps) policyEvaluacion(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	var paths []string
	for _, s := range Scenarios {
		src := d.outputs("policy", s.file())
		t, err := readInput(sc, src)
		if err != nil {
			return paths, err
		}
		flags := floats(t, allRows(t), "beneficiario")
		out := table.New("beneficiarios", "total", "share")
		out.Append(ftoa(sum(flags)), itoa(t.Len()), ftoa(mean(flags)))

		path, err := writeTable(ctx, sc, out, output{
			path:   d.outputs("policy", fmt.Sprintf("escenario_%s_beneficiarios_cobertura.csv", s.ID)),
			source: "politicas_evaluacion",
			notes:  "coverage metrics",
			inputs: []string{src},
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
