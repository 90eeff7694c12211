package pipeline

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/perpcycle/internal/db"
)

// Build compiles a graph from a workflow definition: enabled nodes in
// execution order, linear flow by default, plus any conditional edges.
func Build(pc *PluginContext, wf *db.Workflow, checker Checkpointer) (*Graph, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}

	nodes := make([]db.WorkflowNode, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.Enabled {
			nodes = append(nodes, n)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].ExecutionOrder < nodes[j].ExecutionOrder
	})

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.NodeName
	}
	if err := ValidateRequirements(names); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
	}

	g := NewGraph(checker)
	for _, n := range nodes {
		factory, meta, err := Lookup(n.NodeName)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
		}
		node, err := factory(pc, n.Config)
		if err != nil {
			return nil, fmt.Errorf("build node %s: %w", n.NodeName, err)
		}
		if err := g.Add(n.NodeName, node, meta); err != nil {
			return nil, err
		}
	}

	for _, e := range wf.Edges {
		if e.Condition == "" {
			continue // linear edges are implicit in the ordering
		}
		if err := g.AddRoute(e.FromNode, e.Condition, e.ToNode); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", wf.Name, err)
		}
	}

	log.Info().
		Str("component", "pipeline").
		Str("workflow", wf.Name).
		Strs("nodes", g.Nodes()).
		Msg("graph compiled")
	return g, nil
}

// seedWorkflow mirrors the YAML seed file layout.
type seedWorkflow struct {
	Name  string `yaml:"name"`
	Nodes []struct {
		Name    string         `yaml:"name"`
		Order   int            `yaml:"order"`
		Enabled *bool          `yaml:"enabled"`
		Config  map[string]any `yaml:"config"`
	} `yaml:"nodes"`
	Edges []struct {
		From      string `yaml:"from"`
		To        string `yaml:"to"`
		Condition string `yaml:"condition"`
	} `yaml:"edges"`
}

// LoadSeedWorkflow parses a YAML workflow seed, used when the database
// holds no workflow for a bot. Nodes default to enabled.
func LoadSeedWorkflow(path string) (*db.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow seed: %w", err)
	}
	var seed seedWorkflow
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse workflow seed %s: %w", path, err)
	}
	if seed.Name == "" {
		seed.Name = "default"
	}

	wf := &db.Workflow{Name: seed.Name}
	for _, n := range seed.Nodes {
		enabled := true
		if n.Enabled != nil {
			enabled = *n.Enabled
		}
		wf.Nodes = append(wf.Nodes, db.WorkflowNode{
			NodeName:       n.Name,
			ExecutionOrder: n.Order,
			Enabled:        enabled,
			Config:         n.Config,
		})
	}
	for _, e := range seed.Edges {
		wf.Edges = append(wf.Edges, db.WorkflowEdge{
			FromNode:  e.From,
			ToNode:    e.To,
			Condition: e.Condition,
		})
	}
	return wf, nil
}
