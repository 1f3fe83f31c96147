package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

var ubigeoAliases = map[string]string{
	"UBIGEO":       "ubigeo",
	"IDDIST":       "ubigeo",
	"departamento": "dep_name",
	"provincia":    "prov_name",
	"distrito":     "dist_name",
	"NOMBDEP":      "dep_name",
	"NOMBPROV":     "prov_name",
	"NOMBDIST":     "dist_name",
}

var pibAliases = map[string]string{
	"UBIGEO": "ubigeo",
	"codigo": "ubigeo",
	"year":   "anio",
	"pbi":    "pib",
	"gdp":    "pib",
}

var poblacionAliases = map[string]string{
	"UBIGEO":     "ubigeo",
	"year":       "anio",
	"poblacion":  "pob",
	"population": "pob",
}

var limitesAliases = map[string]string{
	"UBIGEO":     "ubigeo",
	"IDDIST":     "ubigeo",
	"AREA_KM2":   "area_km2",
	"area":       "area_km2",
	"superficie": "area_km2",
	"lon":        "centroid_lon",
	"lat":        "centroid_lat",
}

func cleanDefinitions(d Deps) []engine.StageDefinition {
	return []engine.StageDefinition{
		{
			Name:      "build.ubigeo",
			DependsOn: []string{"ingest.ubigeo"},
			Target:    d.staging("ubigeo.csv"),
			Produce:   d.buildUbigeo,
		},
		{
			Name:      "build.dim_ubigeo",
			DependsOn: []string{"build.ubigeo"},
			Target:    d.geo("dim_ubigeo.csv"),
			Produce:   d.buildDimUbigeo,
		},
		{
			Name:      "build.dim_territorio",
			Flag:      "enable_geo",
			DependsOn: []string{"build.dim_ubigeo", "ingest.limites"},
			Target:    d.geo("dim_territorio.csv"),
			Produce:   d.buildDimTerritorio,
		},
		{
			Name:      "build.poblacion",
			DependsOn: []string{"ingest.poblacion"},
			After:     []string{"build.dim_ubigeo", "build.dim_territorio"},
			Target:    d.processed("poblacion.csv"),
			Produce:   d.buildPoblacion,
		},
		{
			Name:      "build.pib_subnacional",
			DependsOn: []string{"ingest.pib_subnacional", "build.ubigeo"},
			After:     []string{"build.dim_ubigeo", "build.poblacion"},
			Target:    d.staging("pib_subnacional.csv"),
			Produce:   d.buildPIB,
		},
	}
}

// readRaw loads a raw delimited file or the first sheet of a workbook.
// Legacy and geometry formats need a delimited export first.
func readRaw(path string) (*table.Table, error) {
	if isWorkbook(path) {
		return readWorkbookTable(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xls", ".dta", ".zip", ".shp", ".gpkg", ".geojson":
		return nil, engine.NewValidationError(
			fmt.Sprintf("unsupported raw format %s: provide a delimited text export", filepath.Ext(path)), nil,
		).WithCode(engine.ErrCodeSchema).WithPath(path)
	}
	return table.ReadCSV(path)
}

// buildUbigeo standardizes the territorial code list into staging.
func (d Deps) buildUbigeo(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	raw, err := d.firstRawFile(sc, "ubigeo")
	if err != nil {
		return nil, err
	}
	t, err := readRaw(raw)
	if err != nil {
		return nil, err
	}
	t.RenameColumns(ubigeoAliases)
	if err := t.RequireColumns("ubigeo"); err != nil {
		return nil, err
	}

	t = t.Filter(func(r int) bool { return strings.TrimSpace(t.Get(r, "ubigeo")) != "" })
	normalizeKeys(t)
	if !t.Has("dep", "prov", "dist") {
		t.AddColumn("dep", func(r int) string { return substr(t.Get(r, "ubigeo"), 0, 2) })
		t.AddColumn("prov", func(r int) string { return substr(t.Get(r, "ubigeo"), 2, 4) })
		t.AddColumn("dist", func(r int) string { return substr(t.Get(r, "ubigeo"), 4, 6) })
	}
	padCodes(t)

	dest := d.staging("ubigeo.csv")
	path, err := writeTable(ctx, sc, t, output{
		path:   dest,
		source: "limpieza_ubigeo",
		notes:  "cleaned and standardized",
		inputs: []string{raw},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "ubigeo", table.Report{
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo"),
	})
	return []string{path}, err
}

func substr(s string, from, to int) string {
	if from >= len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

func padCodes(t *table.Table) {
	for r := range t.Rows {
		for _, c := range []string{"dep", "prov", "dist"} {
			if v := strings.TrimSuffix(strings.TrimSpace(t.Get(r, c)), ".0"); allDigits(v) {
				t.Set(r, c, table.ZeroPad(v, 2))
			}
		}
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// buildDimUbigeo publishes the cleaned code list as the territorial dimension.
func (d Deps) buildDimUbigeo(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	src := d.staging("ubigeo.csv")
	t, err := readInput(sc, src)
	if err != nil {
		return nil, err
	}
	if err := t.RequireColumns("ubigeo", "dep", "prov", "dist"); err != nil {
		return nil, err
	}
	normalizeKeys(t)
	padCodes(t)

	path, err := writeTable(ctx, sc, t, output{
		path:   d.geo("dim_ubigeo.csv"),
		source: "geo_dim_ubigeo",
		notes:  "dim ubigeo",
		inputs: []string{src},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "dim_ubigeo", table.Report{
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo"),
	})
	return []string{path}, err
}

// buildDimTerritorio attaches district areas and centroids from a tabular
// boundaries export to the territorial dimension.
func (d Deps) buildDimTerritorio(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	raw, ok, err := d.optionalRaw(sc, "limites")
	if err != nil || !ok {
		return nil, err
	}
	dimPath := d.geo("dim_ubigeo.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, err
	}
	lim, err := readRaw(raw)
	if err != nil {
		return nil, err
	}
	lim.RenameColumns(limitesAliases)
	if err := lim.RequireColumns("ubigeo", "area_km2"); err != nil {
		return nil, err
	}
	normalizeKeys(lim)

	cols := []string{"ubigeo", "area_km2"}
	for _, c := range []string{"centroid_lon", "centroid_lat"} {
		if lim.Has(c) {
			cols = append(cols, c)
		}
	}
	lim, err = lim.Select(cols...)
	if err != nil {
		return nil, err
	}

	out, err := dim.Select("ubigeo")
	if err != nil {
		return nil, err
	}
	if err := out.LeftJoin(lim, "ubigeo"); err != nil {
		return nil, err
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.geo("dim_territorio.csv"),
		source: "geo_limites",
		notes:  "dim territorio base",
		inputs: []string{dimPath, raw},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "dim_territorio", table.Report{
		Missingness: table.MissingnessReport(out),
	})
	return []string{path}, err
}

// optionalRaw returns the first raw file of a dataset. A missing dataset is
// an error only when the stage was targeted by name.
func (d Deps) optionalRaw(sc *engine.StageContext, dataset string) (string, bool, error) {
	raw, err := d.firstRawFile(sc, dataset)
	if err == nil {
		return raw, true, nil
	}
	if engine.IsNotFound(err) && !sc.Explicit {
		sc.Logger.WithField("dataset", dataset).Infof("skip %s build: no raw data", dataset)
		return "", false, nil
	}
	return "", false, err
}

// buildPoblacion compiles district population for the study window. Years
// before the first observed year repeat the earliest observation.
func (d Deps) buildPoblacion(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	raw, err := d.firstRawFile(sc, "poblacion")
	if err != nil {
		return nil, err
	}
	t, err := readRaw(raw)
	if err != nil {
		return nil, err
	}

	inputs := []string{raw}
	if isWorldPop(t) {
		var extra []string
		t, extra, err = d.worldPopToDistricts(sc, t)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, extra...)
	} else {
		t.RenameColumns(poblacionAliases)
		if t, err = t.Select("ubigeo", "anio", "pob"); err != nil {
			return nil, err
		}
		normalizeKeys(t)
	}

	t = t.Filter(func(r int) bool {
		_, ok := t.Int(r, "anio")
		return ok
	})
	t = d.backfillYears(t)
	t = t.Filter(func(r int) bool { return d.inYears(t, r) })
	t.SortBy("ubigeo", "anio")

	path, err := writeTable(ctx, sc, t, output{
		path:   d.processed("poblacion.csv"),
		source: "features_poblacion",
		notes:  "poblacion compiled",
		inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "poblacion", table.Report{
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo", "anio"),
	})
	return []string{path}, err
}

func (d Deps) backfillYears(t *table.Table) *table.Table {
	if t.Len() == 0 {
		return t
	}
	minYear := 0
	for r := range t.Rows {
		if y, _ := t.Int(r, "anio"); r == 0 || y < minYear {
			minYear = y
		}
	}
	start := d.Config.Project.Years.Start
	if start >= minYear {
		return t
	}
	base := t.Filter(func(r int) bool {
		y, _ := t.Int(r, "anio")
		return y == minYear
	})
	for year := start; year < minYear; year++ {
		add := base.Clone()
		for r := range add.Rows {
			add.Set(r, "anio", itoa(year))
		}
		t.Concat(add)
	}
	return t
}

func isWorldPop(t *table.Table) bool {
	if !t.Has("Name") {
		return false
	}
	for _, h := range t.Header {
		if strings.HasPrefix(h, "Pop_") {
			return true
		}
	}
	return false
}

var (
	worldPopDepFixes = map[string]string{
		"CONSTITUCIONAL DEL CALLAO": "CALLAO",
	}
	worldPopProvFixes = map[string]string{
		"PUERTO":                    "PUERTO INCA",
		"PUIRA":                     "PIURA",
		"NAZCA":                     "NASCA",
		"VILCAS HUMAN":              "VILCAS HUAMAN",
		"SAN ANTIONO DE PUTINA":     "SAN ANTONIO DE PUTINA",
		"CONSTITUCIONAL DEL CALLAO": "CALLAO",
	}
)

// worldPopToDistricts spreads WorldPop province totals ("Name" is
// DEP_PROV, one Pop_YYYY column per year) over districts by area share.
func (d Deps) worldPopToDistricts(sc *engine.StageContext, t *table.Table) (*table.Table, []string, error) {
	dimPath, terrPath := d.geo("dim_ubigeo.csv"), d.geo("dim_territorio.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, nil, err
	}
	terr, err := readInput(sc, terrPath)
	if err != nil {
		return nil, nil, err
	}
	if err := dim.RequireColumns("ubigeo", "dep", "prov", "dep_name", "prov_name"); err != nil {
		return nil, nil, err
	}

	provByName := make(map[string]string)
	for r := range dim.Rows {
		key := table.NormalizeName(dim.Get(r, "dep_name")) + "|" + table.NormalizeName(dim.Get(r, "prov_name"))
		provByName[key] = table.ZeroPad(dim.Get(r, "dep"), 2) + table.ZeroPad(dim.Get(r, "prov"), 2)
	}

	provArea := make(map[string]float64)
	for r := range terr.Rows {
		if a, ok := terr.Float(r, "area_km2"); ok {
			provArea[substr(terr.Get(r, "ubigeo"), 0, 4)] += a
		}
	}
	type share struct {
		ubigeo string
		share  float64
	}
	districts := make(map[string][]share)
	for r := range terr.Rows {
		u := terr.Get(r, "ubigeo")
		a, _ := terr.Float(r, "area_km2")
		p := substr(u, 0, 4)
		districts[p] = append(districts[p], share{ubigeo: u, share: divide(a, provArea[p])})
	}

	var popCols []string
	for _, h := range t.Header {
		if strings.HasPrefix(h, "Pop_") {
			popCols = append(popCols, h)
		}
	}
	sort.Strings(popCols)

	out := table.New("ubigeo", "anio", "pob")
	unmatched := 0
	for r := range t.Rows {
		dep, prov, _ := strings.Cut(t.Get(r, "Name"), "_")
		dep = strings.ToUpper(strings.ReplaceAll(dep, "_", " "))
		prov = strings.ToUpper(strings.ReplaceAll(prov, "_", " "))
		switch strings.TrimSpace(dep) {
		case "", "NA", "N/A":
			continue
		}
		if fix, ok := worldPopDepFixes[dep]; ok {
			dep = fix
		}
		if fix, ok := worldPopProvFixes[prov]; ok {
			prov = fix
		}
		code, ok := provByName[table.NormalizeName(dep)+"|"+table.NormalizeName(prov)]
		if !ok {
			unmatched++
			continue
		}
		for _, col := range popCols {
			year := strings.TrimPrefix(col, "Pop_")
			total, ok := t.Float(r, col)
			for _, dist := range districts[code] {
				pob := ""
				if ok {
					pob = ftoa(total * dist.share)
				}
				out.Append(dist.ubigeo, year, pob)
			}
		}
	}
	if unmatched > 0 {
		return nil, nil, engine.NewDataError(
			fmt.Sprintf("WorldPop provinces not matched to ubigeo: %d", unmatched), nil,
		).WithCode(engine.ErrCodeUnmatchedKeys)
	}
	return out, []string{dimPath, terrPath}, nil
}

// buildPIB standardizes subnational output. Every territorial code must
// exist in the cleaned code list.
func (d Deps) buildPIB(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	raw, err := d.firstRawFile(sc, "pib_subnacional")
	if err != nil {
		return nil, err
	}
	refPath := d.staging("ubigeo.csv")
	ref, err := readInput(sc, refPath)
	if err != nil {
		return nil, err
	}
	t, err := readRaw(raw)
	if err != nil {
		return nil, err
	}
	t.RenameColumns(pibAliases)

	notes := "cleaned and standardized"
	inputs := []string{raw, refPath}
	if !t.Has("ubigeo", "anio", "pib") && isWorkbook(raw) {
		var extra []string
		if t, extra, err = d.allocateDepartmentalPIB(sc, raw); err != nil {
			return nil, err
		}
		notes = "INEI PBI departamental allocated to districts using population shares"
		inputs = append(inputs, extra...)
	} else {
		if err := t.RequireColumns("ubigeo", "anio", "pib"); err != nil {
			return nil, err
		}
		if t, err = t.Select("ubigeo", "anio", "pib"); err != nil {
			return nil, err
		}
	}
	normalizeKeys(t)

	known := make(map[string]bool, ref.Len())
	for r := range ref.Rows {
		known[table.NormalizeUbigeo(ref.Get(r, "ubigeo"))] = true
	}
	var unmatched []string
	for _, u := range t.Distinct("ubigeo") {
		if !known[u] {
			unmatched = append(unmatched, u)
		}
	}
	if len(unmatched) > 0 {
		sample := unmatched
		if len(sample) > 10 {
			sample = sample[:10]
		}
		return nil, engine.NewDataError(
			fmt.Sprintf("%d ubigeo codes not found in the territorial dimension: %s", len(unmatched), strings.Join(sample, ", ")), nil,
		).WithCode(engine.ErrCodeUnmatchedKeys).
			WithPath(raw).
			WithDetail("unmatched", len(unmatched))
	}

	path, err := writeTable(ctx, sc, t, output{
		path:   d.staging("pib_subnacional.csv"),
		source: "limpieza_pib_subnacional",
		notes:  notes,
		inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "pib_subnacional", table.Report{
		Schema:      table.SchemaReport(t, "ubigeo", "anio", "pib"),
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo", "anio"),
	})
	return []string{path}, err
}

// allocateDepartmentalPIB spreads departmental output over districts by
// their population share within the department and year.
func (d Deps) allocateDepartmentalPIB(sc *engine.StageContext, raw string) (*table.Table, []string, error) {
	dimPath, pobPath := d.geo("dim_ubigeo.csv"), d.processed("poblacion.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, nil, err
	}
	if err := dim.RequireColumns("dep", "dep_name"); err != nil {
		return nil, nil, err
	}
	pob, err := readInput(sc, pobPath)
	if err != nil {
		return nil, nil, err
	}
	if err := pob.RequireColumns("ubigeo", "anio", "pob"); err != nil {
		return nil, nil, err
	}

	depByName := make(map[string]string)
	for r := range dim.Rows {
		depByName[table.NormalizeName(dim.Get(r, "dep_name"))] = table.ZeroPad(dim.Get(r, "dep"), 2)
	}
	rows, err := readWorkbook(raw)
	if err != nil {
		return nil, nil, err
	}
	pibDep, unmatched, err := departmentalPIB(rows, depByName)
	if err != nil {
		return nil, nil, err
	}
	if unmatched > 0 {
		sc.Logger.WithField("departments", unmatched).Warn("INEI departments not matched to the territorial dimension")
	}

	normalizeKeys(pob)
	pobDep := make(map[string]float64)
	for r := range pob.Rows {
		if v, ok := pob.Float(r, "pob"); ok {
			pobDep[substr(pob.Get(r, "ubigeo"), 0, 2)+"|"+pob.Get(r, "anio")] += v
		}
	}

	out := table.New("ubigeo", "anio", "pib")
	for r := range pob.Rows {
		year, ok := pob.Int(r, "anio")
		if !ok || !d.inYears(pob, r) {
			continue
		}
		dep := substr(pob.Get(r, "ubigeo"), 0, 2)
		total, ok := pibDep[dep][year]
		if !ok {
			continue
		}
		v, _ := pob.Float(r, "pob")
		share := divide(v, pobDep[dep+"|"+itoa(year)])
		out.Append(pob.Get(r, "ubigeo"), itoa(year), ftoa(total*share))
	}
	out.SortBy("ubigeo", "anio")
	return out, []string{dimPath, pobPath}, nil
}
