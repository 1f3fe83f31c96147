package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/table"
)

// feature is a domain dataset reduced to one row per district and year.
type feature struct {
	name    string
	flag    string
	file    string
	aliases map[string]string

	// values are the measure columns. With anyValue a table needs only one.
	values   []string
	anyValue bool

	source string
	notes  string

	// prepare turns a raw file with a special layout into a keyed table.
	// It returns nil when the file does not have that layout.
	prepare func(d Deps, sc *engine.StageContext, raw string) (*table.Table, []string, error)
}

var features = []feature{
	{
		name:    "ntl",
		flag:    "enable_ntl",
		file:    "ntl_distrito_anual.csv",
		aliases: map[string]string{"UBIGEO": "ubigeo", "year": "anio", "lights": "ntl"},
		values:  []string{"ntl"},
		source:  "features_ntl",
		notes:   "ntl district annual",
	},
	{
		name:     "transporte",
		flag:     "enable_transporte",
		file:     "features_transporte.csv",
		aliases:  map[string]string{"UBIGEO": "ubigeo", "year": "anio"},
		values:   []string{"dist_road", "road_density"},
		anyValue: true,
		source:   "features_transporte",
		notes:    "transporte features",
	},
	{
		name:    "mineria",
		flag:    "enable_mineria",
		file:    "features_mineria.csv",
		aliases: map[string]string{"UBIGEO": "ubigeo", "year": "anio"},
		values:  []string{"mineria_expo"},
		source:  "features_mineria",
		notes:   "mineria features",
		prepare: mineriaDirectory,
	},
	{
		name: "bosques",
		flag: "enable_bosques",
		file: "features_bosques.csv",
		aliases: map[string]string{
			"UBIGEO":         "ubigeo",
			"ANIO":           "anio",
			"year":           "anio",
			"PERDIDA_BOSQUE": "deforest_ha",
		},
		values: []string{"deforest_ha"},
		source: "features_bosques",
		notes:  "bosques features",
	},
	{
		name:    "clima",
		flag:    "enable_clima",
		file:    "shock_clima.csv",
		aliases: map[string]string{"UBIGEO": "ubigeo", "year": "anio"},
		values:  []string{"precip_anom"},
		source:  "features_clima",
		notes:   "clima shocks",
		prepare: oniIndex,
	},
}

func featureDefinitions(d Deps) []engine.StageDefinition {
	defs := make([]engine.StageDefinition, 0, len(features)+3)
	defs = append(defs, engine.StageDefinition{
		Name:      "build.indicadores_core",
		DependsOn: []string{"build.pib_armonizado", "build.poblacion"},
		After:     []string{"build.dim_territorio"},
		Target:    d.processed("indicadores_core.csv"),
		Produce:   d.buildIndicadores,
	})

	after := make([]string, 0, len(features)+1)
	for _, f := range features {
		defs = append(defs, engine.StageDefinition{
			Name:      "build." + f.name,
			Flag:      f.flag,
			DependsOn: []string{"ingest." + f.name},
			After:     []string{"build.dim_ubigeo"},
			Target:    d.processed(f.file),
			Produce:   d.buildFeature(f),
		})
		after = append(after, "build."+f.name)
	}
	defs = append(defs, engine.StageDefinition{
		Name:      "build.shocks_macro",
		Flag:      "enable_shocks_macro",
		DependsOn: []string{"ingest.bcrp"},
		Target:    d.processed("shock_macro.csv"),
		Produce:   d.buildShocksMacro,
	})
	after = append(after, "build.shocks_macro")

	defs = append(defs, engine.StageDefinition{
		Name:      "build.panel_analitico",
		DependsOn: []string{"build.indicadores_core"},
		After:     after,
		Target:    d.processed("panel_analitico.csv"),
		Produce:   d.buildPanel,
	})
	return defs
}

func (d Deps) buildFeature(f feature) engine.Producer {
	return func(ctx context.Context, sc *engine.StageContext) ([]string, error) {
		raw, ok, err := d.optionalRaw(sc, f.name)
		if err != nil || !ok {
			return nil, err
		}

		inputs := []string{raw}
		var t *table.Table
		if f.prepare != nil {
			var extra []string
			if t, extra, err = f.prepare(d, sc, raw); err != nil {
				return nil, err
			}
			inputs = append(inputs, extra...)
		}
		if t == nil {
			if t, err = readRaw(raw); err != nil {
				return nil, err
			}
			t.RenameColumns(f.aliases)
		}

		cols := []string{"ubigeo", "anio"}
		if f.anyValue {
			if absent := t.Missing(f.values...); len(absent) == len(f.values) {
				return nil, engine.NewValidationError(
					fmt.Sprintf("%s data must include ubigeo, anio and one of: %s", f.name, strings.Join(f.values, ", ")), nil,
				).WithCode(engine.ErrCodeSchema).WithPath(raw)
			}
			for _, v := range f.values {
				if t.Has(v) {
					cols = append(cols, v)
				}
			}
		} else {
			cols = append(cols, f.values...)
		}
		if t, err = t.Select(cols...); err != nil {
			return nil, err
		}
		normalizeKeys(t)
		for r := range t.Rows {
			for _, v := range cols[2:] {
				val, ok := t.Float(r, v)
				if !ok {
					t.Set(r, v, "")
					continue
				}
				t.Set(r, v, ftoa(val))
			}
		}
		t = t.Filter(func(r int) bool { return d.inYears(t, r) })
		t = d.spreadSingleYear(t)
		t.SortBy("ubigeo", "anio")

		path, err := writeTable(ctx, sc, t, output{
			path:   d.processed(f.file),
			source: f.source,
			notes:  f.notes,
			inputs: inputs,
		})
		if err != nil {
			return nil, err
		}
		err = d.writeQC(sc, f.name, table.Report{
			Missingness: table.MissingnessReport(t),
			Uniqueness:  table.UniquenessReport(t, "ubigeo", "anio"),
		})
		return []string{path}, err
	}
}

// spreadSingleYear repeats a snapshot observed in one year over the whole
// study window.
func (d Deps) spreadSingleYear(t *table.Table) *table.Table {
	years := t.Distinct("anio")
	if len(years) != 1 {
		return t
	}
	start, end := d.Config.Project.Years.Start, d.Config.Project.Years.End
	if years[0] == itoa(start) && years[0] == itoa(end) {
		return t
	}
	out := table.New(t.Header...)
	for year := start; year <= end; year++ {
		add := t.Clone()
		for r := range add.Rows {
			add.Set(r, "anio", itoa(year))
		}
		out.Concat(add)
	}
	return out
}

// mineriaDirectory counts mining operations per district and year from a
// company directory keyed by place names.
func mineriaDirectory(d Deps, sc *engine.StageContext, raw string) (*table.Table, []string, error) {
	t, err := readRaw(raw)
	if err != nil {
		return nil, nil, err
	}
	if !t.Has("DEPARTAMENTO", "PROVINCIA", "DISTRITO") {
		return nil, nil, nil
	}

	dimPath := d.geo("dim_ubigeo.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, nil, err
	}
	if err := dim.RequireColumns("ubigeo", "dep_name", "prov_name", "dist_name"); err != nil {
		return nil, nil, err
	}
	byName := make(map[string]string, dim.Len())
	for r := range dim.Rows {
		byName[placeKey(dim.Get(r, "dep_name"), dim.Get(r, "prov_name"), dim.Get(r, "dist_name"))] = dim.Get(r, "ubigeo")
	}

	yearCol := ""
	for _, c := range []string{"AÑO_DAC", "anio"} {
		if t.Has(c) {
			yearCol = c
			break
		}
	}

	counts := make(map[[2]string]int)
	var order [][2]string
	missing := make(map[string]bool)
	for r := range t.Rows {
		dep, prov, dist := t.Get(r, "DEPARTAMENTO"), t.Get(r, "PROVINCIA"), t.Get(r, "DISTRITO")
		if blankName(dep) || blankName(prov) || blankName(dist) {
			continue
		}
		key := placeKey(dep, prov, dist)
		u, ok := byName[key]
		if !ok {
			missing[key] = true
			continue
		}
		year := itoa(d.Config.Project.Years.End)
		if yearCol != "" {
			if y, ok := t.Int(r, yearCol); ok {
				year = itoa(y)
			}
		}
		k := [2]string{u, year}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
	}
	if len(missing) > 0 {
		return nil, nil, engine.NewDataError(
			fmt.Sprintf("mineria: ubigeo mapping missing for %d districts", len(missing)), nil,
		).WithCode(engine.ErrCodeUnmatchedKeys).WithPath(raw)
	}

	out := table.New("ubigeo", "anio", "mineria_expo")
	for _, k := range order {
		out.Append(k[0], k[1], itoa(counts[k]))
	}
	return out, []string{dimPath}, nil
}

func placeKey(dep, prov, dist string) string {
	return table.NormalizeName(dep) + "|" + table.NormalizeName(prov) + "|" + table.NormalizeName(dist)
}

func blankName(s string) bool {
	n := table.NormalizeName(s)
	return n == "" || n == "NAN"
}

// oniIndex reads the whitespace-separated ONI series (SEAS YR TOTAL ANOM),
// averages anomalies per year and assigns them to every district.
func oniIndex(d Deps, sc *engine.StageContext, raw string) (*table.Table, []string, error) {
	f, err := os.Open(raw)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if !s.Scan() {
		return nil, nil, s.Err()
	}
	header := strings.Fields(s.Text())
	if len(header) < 4 || header[0] != "SEAS" || header[1] != "YR" {
		return nil, nil, nil
	}

	sums := make(map[int]float64)
	counts := make(map[int]int)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 4 {
			continue
		}
		year, ok := table.ParseFloat(fields[1])
		if !ok {
			continue
		}
		anom, ok := table.ParseFloat(fields[3])
		if !ok {
			continue
		}
		sums[int(year)] += anom
		counts[int(year)]++
	}
	if err := s.Err(); err != nil {
		return nil, nil, err
	}

	dimPath := d.geo("dim_ubigeo.csv")
	dim, err := readInput(sc, dimPath)
	if err != nil {
		return nil, nil, err
	}

	years := make([]int, 0, len(sums))
	for y := range sums {
		years = append(years, y)
	}
	sort.Ints(years)

	out := table.New("ubigeo", "anio", "precip_anom")
	for _, y := range years {
		if y < d.Config.Project.Years.Start || y > d.Config.Project.Years.End {
			continue
		}
		anom := ftoa(sums[y] / float64(counts[y]))
		for r := range dim.Rows {
			out.Append(dim.Get(r, "ubigeo"), itoa(y), anom)
		}
	}
	return out, []string{dimPath}, nil
}

var bcrpMonths = map[string]int{
	"Ene": 1, "Feb": 2, "Mar": 3, "Abr": 4, "May": 5, "Jun": 6,
	"Jul": 7, "Ago": 8, "Sep": 9, "Oct": 10, "Nov": 11, "Dic": 12,
}

type bcrpSeries struct {
	Periods []struct {
		Name   string            `json:"name"`
		Values []json.RawMessage `json:"values"`
	} `json:"periods"`
}

// parseBCRP reads a BCRP series export. Monthly periods are named
// "Ene.2020"; annual periods are bare years.
func parseBCRP(path string) (obs []bcrpObservation, monthly bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	var series bcrpSeries
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, false, engine.NewValidationError("invalid BCRP series", err).
			WithCode(engine.ErrCodeSchema).
			WithPath(path)
	}

	for _, p := range series.Periods {
		value := math.NaN()
		if len(p.Values) > 0 {
			value = parseBCRPValue(p.Values[0])
		}
		if mon, year, ok := strings.Cut(p.Name, "."); ok {
			m, known := bcrpMonths[mon]
			y, isYear := table.ParseFloat(year)
			if !known || !isYear {
				continue
			}
			monthly = true
			obs = append(obs, bcrpObservation{year: int(y), month: m, tot: value})
			continue
		}
		if allDigits(p.Name) && p.Name != "" {
			y, _ := table.ParseFloat(p.Name)
			obs = append(obs, bcrpObservation{year: int(y), tot: value})
		}
	}
	return obs, monthly, nil
}

type bcrpObservation struct {
	year  int
	month int
	tot   float64
}

// parseBCRPValue accepts numbers and numeric strings; "n.d." and the like
// are missing.
func parseBCRPValue(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, ok := table.ParseFloat(s); ok {
			return v
		}
	}
	return math.NaN()
}

// buildShocksMacro derives the annual terms-of-trade shock. Monthly series
// are averaged per year and differenced in logs; annual series are read as
// percent changes.
func (d Deps) buildShocksMacro(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	raw, ok, err := d.optionalRaw(sc, "bcrp")
	if err != nil || !ok {
		return nil, err
	}

	var obs []bcrpObservation
	monthly := false
	if strings.EqualFold(filepath.Ext(raw), ".json") {
		if obs, monthly, err = parseBCRP(raw); err != nil {
			return nil, err
		}
	} else {
		t, err := readRaw(raw)
		if err != nil {
			return nil, err
		}
		t.RenameColumns(map[string]string{"year": "anio"})
		if err := t.RequireColumns("anio", "tot"); err != nil {
			return nil, err
		}
		monthly = t.Has("mes")
		for r := range t.Rows {
			y, ok := t.Int(r, "anio")
			if !ok {
				continue
			}
			tot, ok := t.Float(r, "tot")
			if !ok {
				tot = math.NaN()
			}
			obs = append(obs, bcrpObservation{year: y, tot: tot})
		}
	}

	byYear := make(map[int][]float64)
	for _, o := range obs {
		byYear[o.year] = append(byYear[o.year], o.tot)
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	out := table.New("anio", "tot", "dlog_tot")
	prev := math.NaN()
	for _, y := range years {
		vals := byYear[y]
		tot := vals[len(vals)-1]
		dlog := divide(tot, 100)
		if monthly {
			tot = mean(vals)
			dlog = math.Log(tot) - math.Log(prev)
			prev = tot
		}
		out.Append(itoa(y), ftoa(tot), ftoa(dlog))
	}

	path, err := writeTable(ctx, sc, out, output{
		path:   d.processed("shock_macro.csv"),
		source: "features_shock_macro",
		notes:  "macro shocks",
		inputs: []string{raw},
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "shock_macro", table.Report{
		Missingness: table.MissingnessReport(out),
		Uniqueness:  table.UniquenessReport(out, "anio"),
	})
	return []string{path}, err
}

// panelInputs are the optional feature tables merged into the panel, with
// their join keys.
var panelInputs = []struct {
	file string
	flag string
	keys []string
}{
	{"ntl_distrito_anual.csv", "enable_ntl", []string{"ubigeo", "anio"}},
	{"features_transporte.csv", "enable_transporte", []string{"ubigeo", "anio"}},
	{"features_mineria.csv", "enable_mineria", []string{"ubigeo", "anio"}},
	{"features_bosques.csv", "enable_bosques", []string{"ubigeo", "anio"}},
	{"shock_clima.csv", "enable_clima", []string{"ubigeo", "anio"}},
	{"shock_macro.csv", "enable_shocks_macro", []string{"anio"}},
}

// panelRequired are the columns every analytic panel must carry.
var panelRequired = []string{"ubigeo", "anio", "pib", "pob", "area_km2"}

// buildPanel left-joins the enabled feature tables onto the core indicators.
func (d Deps) buildPanel(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	corePath := d.processed("indicadores_core.csv")
	t, err := readInput(sc, corePath)
	if err != nil {
		return nil, err
	}

	inputs := []string{corePath}
	flags := d.Config.Flags.Values()
	for _, in := range panelInputs {
		p := d.processed(in.file)
		if !flags[in.flag] {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		right, err := table.ReadCSV(p)
		if err != nil {
			return nil, err
		}
		if err := t.LeftJoin(right, in.keys...); err != nil {
			return nil, err
		}
		inputs = append(inputs, p)
	}

	path, err := writeTable(ctx, sc, t, output{
		path:   d.processed("panel_analitico.csv"),
		source: "features_panel",
		notes:  "panel analitico",
		inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	err = d.writeQC(sc, "panel", table.Report{
		Schema:      table.SchemaReport(t, panelRequired...),
		Missingness: table.MissingnessReport(t),
		Uniqueness:  table.UniquenessReport(t, "ubigeo", "anio"),
	})
	return []string{path}, err
}
