package stages

import (
	"context"
	"fmt"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

var crosswalkColumns = []string{"ubigeo_origen", "anio_origen", "ubigeo_base", "peso"}

func harmonizeDefinitions(d Deps) []engine.StageDefinition {
	return []engine.StageDefinition{
		{
			Name:      "build.crosswalk",
			DependsOn: []string{"build.dim_ubigeo"},
			Target:    d.geo("crosswalk_ubigeo.csv"),
			Produce:   d.buildCrosswalk,
		},
		{
			Name:      "build.pib_armonizado",
			DependsOn: []string{"build.pib_subnacional", "build.crosswalk"},
			Target:    d.processed("pib_armonizado.csv"),
			Produce:   d.buildPIBArmonizado,
		},
	}
}

// buildCrosswalk maps every district code of every study year onto the base
// territorial key. Codes are stable over the window, so each code maps to
// itself with weight one.
func (d Deps) buildCrosswalk(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	dimPath := d.geo("dim_ubigeo.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, err
	}
	if err := dim.RequireColumns("ubigeo"); err != nil {
		return nil, err
	}

	codes := dim.Distinct("ubigeo")
	cw := table.New(crosswalkColumns...)
	for y := d.Config.Project.Years.Start; y <= d.Config.Project.Years.End; y++ {
		for _, u := range codes {
			u = table.NormalizeUbigeo(u)
			cw.Append(u, itoa(y), u, "1")
		}
	}

	path, err := writeTable(ctx, sc, cw, output{
		path:   d.geo("crosswalk_ubigeo.csv"),
		source: "geo_crosswalk",
		notes:  "identity crosswalk",
		inputs: []string{dimPath},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "crosswalk", table.Report{
		Schema:      table.SchemaReport(cw, crosswalkColumns...),
		Missingness: table.MissingnessReport(cw),
	})
	return []string{path}, err
}

// buildPIBArmonizado reweights district output through the crosswalk and
// sums it per base code and year. Rows outside the study window are
// dropped; every remaining row must have a crosswalk entry.
func (d Deps) buildPIBArmonizado(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	pibPath, cwPath := d.staging("pib_subnacional.csv"), d.geo("crosswalk_ubigeo.csv")
	pib, err := readInput(sc, pibPath)
	if err != nil {
		return nil, err
	}
	cw, err := readInput(sc, cwPath)
	if err != nil {
		return nil, err
	}
	if err := pib.RequireColumns("ubigeo", "anio", "pib"); err != nil {
		return nil, err
	}
	if err := cw.RequireColumns(crosswalkColumns...); err != nil {
		return nil, err
	}
	normalizeKeys(pib)
	pib = pib.Filter(func(r int) bool { return d.inYears(pib, r) })

	type weight struct {
		base string
		peso float64
	}
	mapping := make(map[string][]weight)
	for r := range cw.Rows {
		y, ok := cw.Int(r, "anio_origen")
		if !ok {
			continue
		}
		peso, ok := cw.Float(r, "peso")
		if !ok {
			continue
		}
		key := table.NormalizeUbigeo(cw.Get(r, "ubigeo_origen")) + "|" + itoa(y)
		mapping[key] = append(mapping[key], weight{
			base: table.NormalizeUbigeo(cw.Get(r, "ubigeo_base")),
			peso: peso,
		})
	}

	type cell struct {
		sum     float64
		present bool
	}
	out := table.New("ubigeo", "anio", "pib")
	totals := make(map[string]*cell)
	var unmatched []string
	for r := range pib.Rows {
		u, y := pib.Get(r, "ubigeo"), pib.Get(r, "anio")
		ws, ok := mapping[u+"|"+y]
		if !ok {
			unmatched = append(unmatched, u+"/"+y)
			continue
		}
		v, hasValue := pib.Float(r, "pib")
		for _, w := range ws {
			key := w.base + "|" + y
			c, seen := totals[key]
			if !seen {
				c = &cell{}
				totals[key] = c
				out.Append(w.base, y, "")
			}
			if hasValue {
				c.sum += v * w.peso
				c.present = true
			}
		}
	}
	if len(unmatched) > 0 {
		sample := unmatched
		if len(sample) > 10 {
			sample = sample[:10]
		}
		return nil, engine.NewDataError(
			fmt.Sprintf("crosswalk has no entry for %d district-years: %v", len(unmatched), sample), nil,
		).WithCode(engine.ErrCodeUnmatchedKeys).
			WithStage(sc.Stage).
			WithPath(cwPath).
			WithDetail("unmatched", len(unmatched))
	}
	for r := range out.Rows {
		if c := totals[out.Get(r, "ubigeo")+"|"+out.Get(r, "anio")]; c.present {
			out.Set(r, "pib", ftoa(c.sum))
		}
	}
	out.SortBy("ubigeo", "anio")

	path, err := writeTable(ctx, sc, out, output{
		path:   d.processed("pib_armonizado.csv"),
		source: "geo_harmonize",
		notes:  "harmonized to base ubigeo",
		inputs: []string{pibPath, cwPath},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "pib_armonizado", table.Report{
		Missingness: table.MissingnessReport(out),
		Uniqueness:  table.UniquenessReport(out, "ubigeo", "anio"),
	})
	return []string{path}, err
}
