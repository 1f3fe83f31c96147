package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/agendaterritorial/agenda/pkg/engine"
)

// writeWorkbook saves rows to the first sheet, starting at startRow.
func writeWorkbook(t *testing.T, path string, startRow int, rows ...[]interface{}) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, startRow+i)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &rows[i]); err != nil {
			t.Fatalf("Failed to write row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("Failed to save workbook: %v", err)
	}
}

func TestReadRaw_Workbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbi_peru.xlsx")
	writeWorkbook(t, path, 2,
		[]interface{}{" UBIGEO ", "year", "pbi"},
		[]interface{}{10101, 2018, 100.5},
		[]interface{}{},
		[]interface{}{10102, 2018},
	)

	tbl, err := readRaw(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]string{"UBIGEO", "year", "pbi"}, tbl.Header); diff != "" {
		t.Errorf("Header mismatch (-want +got):\n%s", diff)
	}
	want := [][]string{{"10101", "2018", "100.5"}, {"10102", "2018", ""}}
	if diff := cmp.Diff(want, tbl.Rows); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRaw_RejectsLegacyFormats(t *testing.T) {
	for _, name := range []string{"pbi_peru.xls", "distritos.shp"} {
		path := filepath.Join(t.TempDir(), name)
		writeFile(t, path, "PK")

		_, err := readRaw(path)
		if !errors.Is(err, &engine.PipelineError{Kind: engine.KindValidation, Code: engine.ErrCodeSchema}) {
			t.Errorf("%s: expected schema error, got: %v", name, err)
		}
	}
}

func TestReadRaw_CorruptWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbi_peru.xlsx")
	writeFile(t, path, "not a zip archive")

	_, err := readRaw(path)
	if !errors.Is(err, &engine.PipelineError{Kind: engine.KindValidation, Code: engine.ErrCodeSchema}) {
		t.Fatalf("Expected schema error, got: %v", err)
	}
}

func TestBuildPIB_Workbook(t *testing.T) {
	d := newTestDeps(t)
	writeFile(t, d.staging("ubigeo.csv"), dimUbigeoCSV)
	writeWorkbook(t, filepath.Join(d.rawDir("pib_subnacional"), "pib.xlsx"), 1,
		[]interface{}{"UBIGEO", "year", "pbi"},
		[]interface{}{10101, 2018, 100},
		[]interface{}{150101, 2018, 300},
	)
	sc, _ := newStageContext("build.pib_subnacional", true)

	paths, err := d.buildPIB(context.Background(), sc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := [][]string{{"010101", "2018", "100"}, {"150101", "2018", "300"}}
	if diff := cmp.Diff(want, readTable(t, paths[0]).Rows); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPIB_DepartmentalWorkbook(t *testing.T) {
	d := newTestDeps(t)
	writeFile(t, d.staging("ubigeo.csv"), dimUbigeoCSV)
	writeFile(t, d.geo("dim_ubigeo.csv"), dimUbigeoCSV)
	writeFile(t, d.processed("poblacion.csv"), `ubigeo,anio,pob
010101,2018,10
010102,2018,30
150101,2018,5
010101,2019,20
010102,2019,20
150101,2019,5
`)
	raw := filepath.Join(d.rawDir("pib_subnacional"), "pbi_peru_15.xlsx")
	writeWorkbook(t, raw, 1,
		[]interface{}{"Perú: Producto Bruto Interno por departamentos"},
		[]interface{}{},
		[]interface{}{"Departamentos", "2018", "2019P/"},
		[]interface{}{"Amazonas", 100, 200},
		[]interface{}{"Lima", 300, 400},
		[]interface{}{"Región Lima", 50, 60},
		[]interface{}{"Atlántida", 1, 1},
		[]interface{}{"Total", 999, 999},
	)
	sc, ledger := newStageContext("build.pib_subnacional", true)

	paths, err := d.buildPIB(context.Background(), sc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := [][]string{
		{"010101", "2018", "25"},
		{"010101", "2019", "100"},
		{"010102", "2018", "75"},
		{"010102", "2019", "100"},
		{"150101", "2018", "350"},
		{"150101", "2019", "460"},
	}
	if diff := cmp.Diff(want, readTable(t, paths[0]).Rows); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}

	rec := ledger.records[0]
	if rec.Notes == nil || *rec.Notes != "INEI PBI departamental allocated to districts using population shares" {
		t.Errorf("Expected allocation note, got %v", rec.Notes)
	}
	wantInputs := []string{raw, d.staging("ubigeo.csv"), d.geo("dim_ubigeo.csv"), d.processed("poblacion.csv")}
	if diff := cmp.Diff(wantInputs, rec.Inputs); diff != "" {
		t.Errorf("Inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPIB_DepartmentalWorkbookWithoutHeader(t *testing.T) {
	d := newTestDeps(t)
	writeFile(t, d.staging("ubigeo.csv"), dimUbigeoCSV)
	writeFile(t, d.geo("dim_ubigeo.csv"), dimUbigeoCSV)
	writeFile(t, d.processed("poblacion.csv"), "ubigeo,anio,pob\n010101,2018,10\n")
	writeWorkbook(t, filepath.Join(d.rawDir("pib_subnacional"), "pbi.xlsx"), 1,
		[]interface{}{"Region", "Valor"},
		[]interface{}{"Amazonas", 100},
	)
	sc, ledger := newStageContext("build.pib_subnacional", true)

	_, err := d.buildPIB(context.Background(), sc)
	if !errors.Is(err, &engine.PipelineError{Kind: engine.KindValidation, Code: engine.ErrCodeSchema}) {
		t.Fatalf("Expected schema error, got: %v", err)
	}
	if len(ledger.records) != 0 {
		t.Errorf("Expected nothing registered, got %d", len(ledger.records))
	}
}
