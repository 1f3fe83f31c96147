package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func noop(context.Context, *StageContext) ([]string, error) { return nil, nil }

func stage(name string, deps ...string) StageDefinition {
	return StageDefinition{Name: name, DependsOn: deps, Produce: noop}
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty input, got: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 || graph.Depth != 0 {
		t.Errorf("Expected empty graph, got %d nodes, %d edges, depth %d",
			len(graph.Nodes), len(graph.Edges), graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_LinearDependencies(t *testing.T) {
	defs := []StageDefinition{
		stage("ingest.ubigeo"),
		stage("build.ubigeo", "ingest.ubigeo"),
		stage("build.dim_ubigeo", "build.ubigeo"),
	}

	graph, err := NewDAGBuilder().BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}
	want := []string{"ingest.ubigeo", "build.ubigeo", "build.dim_ubigeo"}
	if diff := cmp.Diff(want, graph.Order()); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ingest.ubigeo"}, graph.Roots); diff != "" {
		t.Errorf("Roots mismatch (-want +got):\n%s", diff)
	}
}

func TestDAGBuilder_BuildGraph_LevelsKeepRegistrationOrder(t *testing.T) {
	defs := []StageDefinition{
		stage("ingest.ubigeo"),
		stage("ingest.pib_subnacional"),
		stage("build.ubigeo", "ingest.ubigeo"),
		stage("ingest.poblacion"),
		stage("build.pib_subnacional", "ingest.pib_subnacional", "build.ubigeo"),
	}

	graph, err := NewDAGBuilder().BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{
		{"ingest.ubigeo", "ingest.pib_subnacional", "ingest.poblacion"},
		{"build.ubigeo"},
		{"build.pib_subnacional"},
	}
	if diff := cmp.Diff(want, graph.Levels); diff != "" {
		t.Errorf("Levels mismatch (-want +got):\n%s", diff)
	}
}

func TestDAGBuilder_BuildGraph_OrderEdgesOnlyBetweenPresentStages(t *testing.T) {
	defs := []StageDefinition{
		stage("build.indicadores_core"),
		{Name: "build.panel_analitico", DependsOn: []string{"build.indicadores_core"}, After: []string{"build.ntl"}, Produce: noop},
	}

	graph, err := NewDAGBuilder().BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Edges) != 1 {
		t.Fatalf("Expected 1 edge, got %d: %+v", len(graph.Edges), graph.Edges)
	}
	if graph.Edges[0].Type != DependencyRequire {
		t.Errorf("Expected require edge, got %s", graph.Edges[0].Type)
	}
}

func TestDAGBuilder_BuildGraph_OrderEdge(t *testing.T) {
	defs := []StageDefinition{
		stage("build.ntl"),
		stage("build.indicadores_core"),
		{Name: "build.panel_analitico", DependsOn: []string{"build.indicadores_core"}, After: []string{"build.ntl"}, Produce: noop},
	}

	graph, err := NewDAGBuilder().BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	node := graph.Nodes["build.panel_analitico"]
	if node.Level != 1 {
		t.Errorf("Expected level 1, got %d", node.Level)
	}
	types := map[string]DependencyType{}
	for _, e := range graph.Edges {
		types[e.From] = e.Type
	}
	if types["build.ntl"] != DependencyOrder {
		t.Errorf("Expected order edge from build.ntl, got %q", types["build.ntl"])
	}
}

func TestDAGBuilder_DetectCycles(t *testing.T) {
	defs := []StageDefinition{
		stage("a", "c"),
		stage("b", "a"),
		stage("c", "b"),
	}

	_, err := NewDAGBuilder().BuildGraph(defs)
	if err == nil {
		t.Fatal("Expected cycle detection error")
	}
	if !IsConfiguration(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected cycle message, got: %v", err)
	}
}

func TestDAGBuilder_DuplicateNames(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]StageDefinition{stage("a"), stage("a")})
	if err == nil {
		t.Fatal("Expected error for duplicate names")
	}
}

func TestExecutionGraph_ToDOT(t *testing.T) {
	defs := []StageDefinition{
		{Name: "ingest.ubigeo", Group: "ingest", Produce: noop},
		{Name: "build.ubigeo", Group: "build", DependsOn: []string{"ingest.ubigeo"}, Produce: noop},
	}
	graph, err := NewDAGBuilder().BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	for _, want := range []string{
		"digraph Pipeline",
		`"ingest.ubigeo" -> "build.ubigeo"`,
		"cluster_level_1",
		"lightyellow",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q, got:\n%s", want, dot)
		}
	}
}
