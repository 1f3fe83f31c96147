package stages

import (
	"context"
	"os"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

func renderDefinitions(d Deps) []engine.StageDefinition {
	return []engine.StageDefinition{
		{
			Name:      "render.concentracion",
			Flag:      "enable_figures",
			DependsOn: []string{"model.concentracion"},
			Target:    d.outputs("figures", "pib_total_por_anio.csv"),
			Produce:   d.renderConcentracion,
		},
		{
			Name:      "render.indicadores",
			Flag:      "enable_figures",
			DependsOn: []string{"build.indicadores_core"},
			Target:    d.outputs("figures", "mapa_pib_pc.csv"),
			Produce:   d.renderIndicadores,
		},
	}
}

// renderConcentracion writes the data behind the output trend figure: total
// output per year next to the top-decile share.
func (d Deps) renderConcentracion(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	panelPath, concPath := d.processed("panel_analitico.csv"), d.outputs("tables", "concentracion_topshares.csv")
	panel, err := readInput(sc, panelPath)
	if err != nil {
		return nil, err
	}
	conc, err := readInput(sc, concPath)
	if err != nil {
		return nil, err
	}
	if err := panel.RequireColumns("anio", "pib"); err != nil {
		return nil, err
	}
	panel.SortBy("anio")

	out := table.New("anio", "pib")
	years, groups := panel.Groups("anio")
	for _, y := range years {
		out.Append(y, ftoa(sum(floats(panel, groups[y], "pib"))))
	}
	if conc, err = conc.Select("anio", "top_10_pct"); err != nil {
		return nil, err
	}
	if err := out.LeftJoin(conc, "anio"); err != nil {
		return nil, err
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.outputs("figures", "pib_total_por_anio.csv"),
		source: "figuras_pib_total",
		notes:  "simple trend plot",
		inputs: []string{panelPath, concPath},
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// renderIndicadores writes the data behind the per capita output map for the
// last study year, with centroids when boundaries are available.
func (d Deps) renderIndicadores(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	indPath := d.processed("indicadores_core.csv")
	ind, err := readInput(sc, indPath)
	if err != nil {
		return nil, err
	}
	year := itoa(d.Config.Project.Years.End)
	last := ind.Filter(func(r int) bool { return ind.Get(r, "anio") == year })
	out, err := last.Select("ubigeo", "anio", "pib_pc")
	if err != nil {
		return nil, err
	}

	inputs := []string{indPath}
	terrPath := d.geo("dim_territorio.csv")
	if _, err := os.Stat(terrPath); err == nil {
		terr, err := table.ReadCSV(terrPath)
		if err != nil {
			return nil, err
		}
		if terr.Has("centroid_lon", "centroid_lat") {
			if terr, err = terr.Select("ubigeo", "centroid_lon", "centroid_lat"); err != nil {
				return nil, err
			}
			if err := out.LeftJoin(terr, "ubigeo"); err != nil {
				return nil, err
			}
			inputs = append(inputs, terrPath)
		}
	}
	out.SortBy("ubigeo")

	path, err := writeTable(ctx, sc, out, output{
		path:   d.outputs("figures", "mapa_pib_pc.csv"),
		source: "figuras_mapa",
		notes:  "map pib_pc",
		inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}
