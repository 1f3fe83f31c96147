package stages

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agendaterritorial/agenda/pkg/config"
	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/sources"
	"github.com/agendaterritorial/agenda/pkg/table"
)

// Deps are the collaborators shared by every producer.
type Deps struct {
	// Config locates the artifact tree and carries the study parameters.
	Config *config.Config

	// Resolver materializes raw sources for ingestion stages.
	Resolver *sources.Resolver

	// Now stamps generated documents. Defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register adds the whole stage catalogue to a registry in dependency order.
func Register(reg *engine.Registry, deps Deps) error {
	return reg.RegisterAll(Definitions(deps)...)
}

// Definitions returns the stage catalogue in registration order.
func Definitions(deps Deps) []engine.StageDefinition {
	defs := make([]engine.StageDefinition, 0, 40)
	defs = append(defs, ingestDefinitions(deps)...)
	defs = append(defs, cleanDefinitions(deps)...)
	defs = append(defs, harmonizeDefinitions(deps)...)
	defs = append(defs, featureDefinitions(deps)...)
	defs = append(defs, modelDefinitions(deps)...)
	defs = append(defs, policyDefinitions(deps)...)
	defs = append(defs, renderDefinitions(deps)...)
	defs = append(defs, paperDefinitions(deps)...)
	return defs
}

func (d Deps) rawDir(dataset string) string {
	return filepath.Join(d.Config.Paths.RawDir, dataset)
}

func (d Deps) staging(file string) string {
	return filepath.Join(d.Config.Paths.StagingDir, file)
}

func (d Deps) processed(file string) string {
	return filepath.Join(d.Config.Paths.ProcessedDir, file)
}

func (d Deps) geo(file string) string {
	return filepath.Join(d.Config.Paths.GeoDir, file)
}

func (d Deps) outputs(sub, file string) string {
	return filepath.Join(d.Config.Paths.OutputsDir, sub, file)
}

func (d Deps) qcPath(name string) string {
	return d.outputs("qc", "qc_"+name+".json")
}

func (d Deps) dist(file string) string {
	return filepath.Join(d.Config.Paths.DistDir, file)
}

// firstRawFile returns the first regular file, by name, of a raw dataset
// directory.
func (d Deps) firstRawFile(sc *engine.StageContext, dataset string) (string, error) {
	dir := d.rawDir(dataset)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", engine.NewNotFoundError("no raw files found in "+dir, nil).
			WithCode(engine.ErrCodeMissingArtifact).
			WithStage(sc.Stage).
			WithPath(dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), nil
}

// readInput checks an upstream artifact exists and loads it.
func readInput(sc *engine.StageContext, path string) (*table.Table, error) {
	if err := sc.Require(path); err != nil {
		return nil, err
	}
	return table.ReadCSV(path)
}

// output is one table written by a stage.
type output struct {
	path   string
	source string
	notes  string
	inputs []string
}

// writeTable writes t atomically and registers it.
func writeTable(ctx context.Context, sc *engine.StageContext, t *table.Table, out output) (string, error) {
	if err := t.WriteCSV(out.path); err != nil {
		return "", err
	}
	if err := sc.Register(ctx, engine.ArtifactRecord{
		Path:   out.path,
		Source: out.source,
		Notes:  optional(out.notes),
		Inputs: out.inputs,
	}); err != nil {
		return "", err
	}
	sc.Logger.WithFields(map[string]interface{}{"path": out.path, "rows": t.Len()}).Info("table saved")
	return out.path, nil
}

// writeQC writes the QC report of a cleaned table and warns about columns
// whose missing share exceeds the configured threshold.
func (d Deps) writeQC(sc *engine.StageContext, name string, report table.Report) error {
	if report.Missingness != nil {
		if cols := report.Missingness.Over(d.Config.QC.MissingThresholdPct); len(cols) > 0 {
			sc.Logger.WithFields(map[string]interface{}{
				"table":     name,
				"columns":   cols,
				"threshold": d.Config.QC.MissingThresholdPct,
			}).Warn("missing values above threshold")
		}
	}
	if report.Uniqueness != nil && report.Uniqueness.Duplicates > 0 {
		sc.Logger.WithFields(map[string]interface{}{
			"table":      name,
			"duplicates": report.Uniqueness.Duplicates,
		}).Warn("duplicate keys")
	}
	return table.WriteQC(d.qcPath(name), report)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// inYears reports whether a row's year falls in the study window.
func (d Deps) inYears(t *table.Table, row int) bool {
	y, ok := t.Int(row, "anio")
	return ok && y >= d.Config.Project.Years.Start && y <= d.Config.Project.Years.End
}

// normalizeKeys zero-pads ubigeo codes and strips float suffixes from years.
func normalizeKeys(t *table.Table) {
	for r := range t.Rows {
		if t.Col("ubigeo") >= 0 {
			t.Set(r, "ubigeo", table.NormalizeUbigeo(t.Get(r, "ubigeo")))
		}
		if y, ok := t.Int(r, "anio"); ok {
			t.Set(r, "anio", itoa(y))
		}
	}
}
