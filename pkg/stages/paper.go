package stages

import (
	"context"
	"embed"
	"io"
	"sort"
	"strings"
	"text/template"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/fsutil"
	"github.com/agendaterritorial/agenda/pkg/table"
)

//go:embed templates/*.md.tmpl
var paperTemplates embed.FS

var paperDocuments = []string{"paper", "appendix", "data_appendix"}

// paperContext is the data available to the document templates.
type paperContext struct {
	BuildDate    string
	YearStart    int
	YearEnd      int
	BaseYear     int
	Mode         string
	IAEDef       string
	ManifestPath string
	Districts    int
	Rows         int
	Variables    []string
	Scenarios    []Scenario
}

func paperDefinitions(d Deps) []engine.StageDefinition {
	return []engine.StageDefinition{
		{
			Name:      "paper.compile",
			Flag:      "enable_paper",
			DependsOn: []string{"build.panel_analitico"},
			Target:    d.dist("paper.md"),
			Produce:   d.compilePaper,
		},
	}
}

// compilePaper renders the markdown documents and the variable dictionary
// into the distribution directory.
func (d Deps) compilePaper(ctx context.Context, sc *engine.StageContext) ([]string, error) {
	panelPath := d.processed("panel_analitico.csv")
	panel, err := readInput(sc, panelPath)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New("paper").Option("missingkey=error").ParseFS(paperTemplates, "templates/*.md.tmpl")
	if err != nil {
		return nil, err
	}

	vars := append([]string(nil), panel.Header...)
	sort.Strings(vars)
	data := paperContext{
		BuildDate:    d.now().UTC().Format("2006-01-02"),
		YearStart:    d.Config.Project.Years.Start,
		YearEnd:      d.Config.Project.Years.End,
		BaseYear:     d.Config.Project.BaseYear,
		Mode:         d.Config.Project.Mode,
		IAEDef:       strings.ToUpper(d.Config.Project.IAEDef),
		ManifestPath: d.Config.Paths.Manifest,
		Districts:    len(panel.Distinct("ubigeo")),
		Rows:         panel.Len(),
		Variables:    vars,
		Scenarios:    Scenarios,
	}

	var paths []string
	for _, doc := range paperDocuments {
		dest := d.dist(doc + ".md")
		err := fsutil.WriteAtomic(dest, 0o644, func(w io.Writer) error {
			return tmpl.ExecuteTemplate(w, doc+".md.tmpl", data)
		})
		if err != nil {
			return paths, err
		}
		if err := sc.Register(ctx, engine.ArtifactRecord{
			Path:   dest,
			Source: "paper_build",
			Notes:  optional("paper outputs"),
			Inputs: []string{panelPath},
		}); err != nil {
			return paths, err
		}
		paths = append(paths, dest)
	}

	dict := table.New("variable")
	for _, v := range vars {
		dict.Append(v)
	}
	dictPath, err := writeTable(ctx, sc, dict, output{
		path:   d.dist("diccionario_variables.csv"),
		source: "paper_build",
		notes:  "paper outputs",
		inputs: []string{panelPath},
	})
	if err != nil {
		return paths, err
	}
	sc.Logger.WithField("dir", d.Config.Paths.DistDir).Info("paper outputs saved")
	return append(paths, dictPath), nil
}
