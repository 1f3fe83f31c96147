package stages

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompilePaper(t *testing.T) {
	d := newTestDeps(t)
	writeFile(t, d.processed("panel_analitico.csv"), `ubigeo,anio,pib,pob,area_km2
010101,2019,100,10,4
010101,2020,200,10,4
010102,2019,50,20,5
010102,2020,60,20,5
`)
	sc, ledger := newStageContext("paper.compile", true)

	paths, err := d.compilePaper(context.Background(), sc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []string{
		d.dist("paper.md"),
		d.dist("appendix.md"),
		d.dist("data_appendix.md"),
		d.dist("diccionario_variables.csv"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
	for _, rec := range ledger.records {
		if rec.Source != "paper_build" {
			t.Errorf("Expected source paper_build, got %s", rec.Source)
		}
	}

	paper, err := os.ReadFile(d.dist("paper.md"))
	if err != nil {
		t.Fatalf("Failed to read paper: %v", err)
	}
	for _, s := range []string{
		"2018-2020",
		`date: "2026-03-02"`,
		"cubre 2 distritos y 4 observaciones",
		"modo `real`",
		"definición A1",
		"incluye 5 variables",
	} {
		if !strings.Contains(string(paper), s) {
			t.Errorf("Expected paper to contain %q", s)
		}
	}

	appendix, err := os.ReadFile(d.dist("appendix.md"))
	if err != nil {
		t.Fatalf("Failed to read appendix: %v", err)
	}
	if !strings.Contains(string(appendix), "Escenario B: regla `persistencia`") {
		t.Errorf("Expected scenarios in the appendix, got:\n%s", appendix)
	}

	dict := readTable(t, d.dist("diccionario_variables.csv"))
	wantVars := []string{"anio", "area_km2", "pib", "pob", "ubigeo"}
	if diff := cmp.Diff(wantVars, column(dict, "variable")); diff != "" {
		t.Errorf("Dictionary mismatch (-want +got):\n%s", diff)
	}
}

func TestCompilePaper_MissingPanel(t *testing.T) {
	d := newTestDeps(t)
	sc, ledger := newStageContext("paper.compile", true)

	if _, err := d.compilePaper(context.Background(), sc); err == nil {
		t.Fatal("Expected an error without the analytic panel")
	}
	if len(ledger.records) != 0 {
		t.Errorf("Expected nothing registered, got %d", len(ledger.records))
	}
}
