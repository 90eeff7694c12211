package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/perpcycle/internal/metrics"
)

// graphNode is one compiled stage.
type graphNode struct {
	name   string
	node   Node
	meta   NodeMetadata
	routes map[string]string // route name -> target node name
}

// Graph is a compiled, ordered pipeline. The default topology is linear
// (each node flows to the next); conditional nodes may jump to a named
// target instead.
type Graph struct {
	nodes   []graphNode
	index   map[string]int
	checker Checkpointer
}

// NewGraph compiles an empty graph with the given checkpointer; nil
// disables checkpointing.
func NewGraph(checker Checkpointer) *Graph {
	return &Graph{index: make(map[string]int), checker: checker}
}

// Add appends a node to the execution order.
func (g *Graph) Add(name string, node Node, meta NodeMetadata) error {
	if _, dup := g.index[name]; dup {
		return fmt.Errorf("node %s added twice", name)
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, graphNode{name: name, node: node, meta: meta})
	return nil
}

// AddRoute wires a conditional edge: when fromNode's Router returns
// route, execution jumps to toNode instead of the next node in order.
func (g *Graph) AddRoute(fromNode, route, toNode string) error {
	i, ok := g.index[fromNode]
	if !ok {
		return fmt.Errorf("conditional edge from unknown node %s", fromNode)
	}
	if _, ok := g.index[toNode]; !ok && toNode != "END" {
		return fmt.Errorf("conditional edge to unknown node %s", toNode)
	}
	if g.nodes[i].routes == nil {
		g.nodes[i].routes = make(map[string]string)
	}
	g.nodes[i].routes[route] = toNode
	return nil
}

// Nodes returns the node names in execution order.
func (g *Graph) Nodes() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.name
	}
	return names
}

// Run executes the graph. When the thread has a checkpoint, execution
// resumes at the node after the recorded one, with the recorded state.
// The checkpoint is cleared after a completed run.
func (g *Graph) Run(ctx context.Context, threadID string, st *State) (*State, error) {
	if len(g.nodes) == 0 {
		return st, fmt.Errorf("graph has no nodes")
	}

	start := 0
	if g.checker != nil && threadID != "" {
		doneNode, saved, err := g.checker.Load(ctx, threadID)
		if err != nil {
			log.Warn().
				Str("component", "pipeline").
				Str("thread_id", threadID).
				Err(err).
				Msg("checkpoint load failed, starting fresh")
		} else if doneNode != "" {
			if i, ok := g.index[doneNode]; ok && i+1 < len(g.nodes) {
				start = i + 1
				st = saved
				log.Info().
					Str("component", "pipeline").
					Str("thread_id", threadID).
					Str("resumed_after", doneNode).
					Msg("resuming cycle from checkpoint")
			}
		}
	}

	i := start
	for i < len(g.nodes) {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		gn := g.nodes[i]

		nodeStart := time.Now()
		next, err := gn.node.Run(ctx, st)
		metrics.NodeDuration.WithLabelValues(gn.name).Observe(time.Since(nodeStart).Seconds())
		if err != nil {
			return st, fmt.Errorf("node %s: %w", gn.name, err)
		}
		if next != nil {
			st = next
		}

		if g.checker != nil && threadID != "" {
			if err := g.checker.Save(ctx, threadID, gn.name, st); err != nil {
				log.Warn().
					Str("component", "pipeline").
					Str("thread_id", threadID).
					Str("node", gn.name).
					Err(err).
					Msg("checkpoint save failed")
			}
		}

		// Conditional jump when the node routes; otherwise fall through.
		jumped := false
		if len(gn.routes) > 0 {
			if router, ok := gn.node.(Router); ok {
				if route := router.Route(st); route != "" {
					target, ok := gn.routes[route]
					if !ok {
						return st, fmt.Errorf("node %s emitted unknown route %q", gn.name, route)
					}
					if target == "END" {
						i = len(g.nodes)
					} else {
						i = g.index[target]
					}
					jumped = true
				}
			}
		}
		if !jumped {
			i++
		}
	}

	if g.checker != nil && threadID != "" {
		if err := g.checker.Clear(ctx, threadID); err != nil {
			log.Warn().
				Str("component", "pipeline").
				Str("thread_id", threadID).
				Err(err).
				Msg("checkpoint clear failed")
		}
	}
	return st, nil
}
