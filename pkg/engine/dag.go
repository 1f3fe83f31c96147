package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is a stage in an execution graph.
type GraphNode struct {
	Name         string   `json:"name"`
	Group        string   `json:"group"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge connects an upstream stage to a downstream one.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// ExecutionGraph is the leveled DAG of the stages selected for a run.
type ExecutionGraph struct {
	Nodes  map[string]*GraphNode `json:"nodes"`
	Edges  []GraphEdge           `json:"edges"`
	Levels [][]string            `json:"levels"`
	Roots  []string              `json:"roots"`
	Depth  int                   `json:"depth"`
}

// Order flattens the levels into a topological order.
func (g *ExecutionGraph) Order() []string {
	order := make([]string, 0, len(g.Nodes))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// DAGBuilder builds an execution graph from stage definitions. Only edges
// between stages present in the input are kept: ordering-only edges to
// inactive stages vanish, and upstream stages outside a group run are assumed
// to have been materialized by an earlier command.
type DAGBuilder struct {
	defs                 map[string]StageDefinition
	position             map[string]int
	adjacencyList        map[string][]string
	reverseAdjacencyList map[string][]string
	edgeTypes            map[[2]string]DependencyType
	inDegree             map[string]int
	levels               [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		defs:                 make(map[string]StageDefinition),
		position:             make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		edgeTypes:            make(map[[2]string]DependencyType),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph. The order of defs breaks ties
// within a level, so callers pass definitions in registration order.
func (b *DAGBuilder) BuildGraph(defs []StageDefinition) (*ExecutionGraph, error) {
	if len(defs) == 0 {
		return &ExecutionGraph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]GraphEdge, 0),
			Levels: make([][]string, 0),
			Roots:  make([]string, 0),
		}, nil
	}

	if err := b.initialize(defs); err != nil {
		return nil, err
	}
	if err := b.detectCycles(defs); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.buildExecutionGraph(), nil
}

func (b *DAGBuilder) initialize(defs []StageDefinition) error {
	for i, def := range defs {
		if _, exists := b.defs[def.Name]; exists {
			return NewConfigurationError(fmt.Sprintf("duplicate stage name: %s", def.Name), nil).
				WithCode(ErrCodeDuplicateStage)
		}
		b.defs[def.Name] = def
		b.position[def.Name] = i
		b.adjacencyList[def.Name] = make([]string, 0)
		b.reverseAdjacencyList[def.Name] = make([]string, 0)
		b.inDegree[def.Name] = 0
	}

	for _, def := range defs {
		b.addEdges(def.Name, def.DependsOn, DependencyRequire)
		b.addEdges(def.Name, def.After, DependencyOrder)
	}
	return nil
}

func (b *DAGBuilder) addEdges(name string, deps []string, depType DependencyType) {
	for _, dep := range deps {
		if _, exists := b.defs[dep]; !exists {
			continue
		}
		key := [2]string{dep, name}
		if _, seen := b.edgeTypes[key]; seen {
			continue
		}
		b.edgeTypes[key] = depType
		b.adjacencyList[dep] = append(b.adjacencyList[dep], name)
		b.reverseAdjacencyList[name] = append(b.reverseAdjacencyList[name], dep)
		b.inDegree[name]++
	}
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles(defs []StageDefinition) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, def := range defs {
		if visited[def.Name] {
			continue
		}
		if cycle := b.detectCyclesUtil(def.Name, visited, recStack, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil,
			).WithCode(ErrCodeCycle)
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Stages within a level
// keep registration order.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.sortByPosition(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.defs) {
		return NewConfigurationError("failed to order all stages - possible cycle", nil).
			WithCode(ErrCodeCycle)
	}
	return nil
}

func (b *DAGBuilder) sortByPosition(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return b.position[ids[i]] < b.position[ids[j]]
	})
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  make([]GraphEdge, 0, len(b.edgeTypes)),
		Levels: b.levels,
		Roots:  make([]string, 0),
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &GraphNode{
				Name:         name,
				Group:        b.defs[name].Group,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[name],
				Dependents:   b.adjacencyList[name],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, name)
			}
		}
	}

	for _, name := range graph.Order() {
		for _, dep := range b.reverseAdjacencyList[name] {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep,
				To:   name,
				Type: b.edgeTypes[[2]string{dep, name}],
			})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a Graphviz representation of the graph.
func (g *ExecutionGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			node := g.Nodes[name]
			fmt.Fprintf(&sb, "    \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, getGroupColor(node.Group))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges {
		fmt.Fprintf(&sb, "  \"%s\" -> \"%s\" [%s];\n", edge.From, edge.To, getDependencyStyle(edge.Type))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func getGroupColor(group string) string {
	switch group {
	case "ingest":
		return "lightyellow"
	case "build":
		return "lightblue"
	case "model":
		return "lightgreen"
	case "policy":
		return "lightsalmon"
	case "render", "paper":
		return "lightgray"
	default:
		return "white"
	}
}

func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
