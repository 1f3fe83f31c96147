package stages

import (
	"context"
	"math"
	"os"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

// cagrWindow is the horizon of the compound growth rate, in observations.
const cagrWindow = 5

// buildIndicadores derives the core indicators per district and year:
// output per capita and per km2, the activity index, log growth, five-year
// compound growth and the national share.
func (d Deps) buildIndicadores(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	pibPath, pobPath := d.processed("pib_armonizado.csv"), d.processed("poblacion.csv")
	t, err := readInput(sc, pibPath)
	if err != nil {
		return nil, err
	}
	pob, err := readInput(sc, pobPath)
	if err != nil {
		return nil, err
	}
	if t, err = t.Select("ubigeo", "anio", "pib"); err != nil {
		return nil, err
	}
	if pob, err = pob.Select("ubigeo", "anio", "pob"); err != nil {
		return nil, err
	}
	if err := t.LeftJoin(pob, "ubigeo", "anio"); err != nil {
		return nil, err
	}

	inputs := []string{pibPath, pobPath}
	terrPath := d.geo("dim_territorio.csv")
	if _, err := os.Stat(terrPath); err == nil {
		terr, err := table.ReadCSV(terrPath)
		if err != nil {
			return nil, err
		}
		if terr, err = terr.Select("ubigeo", "area_km2"); err != nil {
			return nil, err
		}
		if err := t.LeftJoin(terr, "ubigeo"); err != nil {
			return nil, err
		}
		inputs = append(inputs, terrPath)
	} else {
		t.AddColumn("area_km2", func(int) string { return "" })
	}

	t.SortBy("ubigeo", "anio")
	rows := allRows(t)
	pib := floats(t, rows, "pib")
	pobv := floats(t, rows, "pob")
	area := floats(t, rows, "area_km2")

	pc := make([]float64, len(rows))
	km2 := make([]float64, len(rows))
	for i := range rows {
		pc[i] = divide(pib[i], pobv[i])
		km2[i] = divide(pib[i], area[i])
	}

	def := strings.ToUpper(d.Config.Project.IAEDef)
	iae := make([]float64, len(rows))
	switch def {
	case "A1":
		for i := range rows {
			iae[i] = divide(km2[i], pc[i])
		}
	case "A2":
		for i := range rows {
			iae[i] = divide(pc[i], km2[i])
		}
	default:
		zpc, zkm2 := zscores(pc), zscores(km2)
		for i := range rows {
			iae[i] = math.Exp(0.5 * (zpc[i] + zkm2[i]))
		}
	}

	dlog := make([]float64, len(rows))
	cagr := make([]float64, len(rows))
	_, byUbigeo := t.Groups("ubigeo")
	for _, idx := range byUbigeo {
		for k, r := range idx {
			dlog[r], cagr[r] = math.NaN(), math.NaN()
			if k >= 1 {
				dlog[r] = math.Log(pib[r]) - math.Log(pib[idx[k-1]])
			}
			if k >= cagrWindow {
				cagr[r] = math.Pow(divide(pib[r], pib[idx[k-cagrWindow]]), 1.0/cagrWindow) - 1
			}
		}
	}

	share := make([]float64, len(rows))
	_, byYear := t.Groups("anio")
	for _, idx := range byYear {
		total := sum(floats(t, idx, "pib"))
		for _, r := range idx {
			share[r] = divide(pib[r], total)
		}
	}

	for _, col := range []struct {
		name string
		vals []float64
	}{
		{"pib_pc", pc},
		{"pib_km2", km2},
		{"iae", iae},
		{"dlog_pib", dlog},
		{"cagr_5y", cagr},
		{"share_pib_nac", share},
	} {
		vals := col.vals
		t.AddColumn(col.name, func(r int) string { return ftoa(vals[r]) })
	}

	path, err := writeTable(ctx, sc, t, output{
		path:   d.processed("indicadores_core.csv"),
		source: "features_indicadores_core",
		notes:  "IAE definition " + def,
		inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "indicadores_core", table.Report{
		Schema:      table.SchemaReport(t, panelRequired...),
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo", "anio"),
	})
	return []string{path}, err
}
