package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetWorkflow loads one workflow with its nodes and edges eagerly.
func (db *DB) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	var wf Workflow
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM workflows WHERE id = $1`, id).
		Scan(&wf.ID, &wf.Name, &wf.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %d: %w", id, err)
	}

	nodes, err := db.getWorkflowNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Nodes = nodes

	edges, err := db.getWorkflowEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Edges = edges

	return &wf, nil
}

func (db *DB) getWorkflowNodes(ctx context.Context, workflowID int64) ([]WorkflowNode, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, workflow_id, node_name, execution_order, enabled, config
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY execution_order, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %d nodes: %w", workflowID, err)
	}
	defer rows.Close()

	var nodes []WorkflowNode
	for rows.Next() {
		var (
			n          WorkflowNode
			configJSON []byte
		)
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.NodeName, &n.ExecutionOrder,
			&n.Enabled, &configJSON); err != nil {
			return nil, err
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &n.Config); err != nil {
				return nil, fmt.Errorf("workflow node %s: invalid config: %w", n.NodeName, err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (db *DB) getWorkflowEdges(ctx context.Context, workflowID int64) ([]WorkflowEdge, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, workflow_id, from_node, to_node, condition
		FROM workflow_edges
		WHERE workflow_id = $1
		ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %d edges: %w", workflowID, err)
	}
	defer rows.Close()

	var edges []WorkflowEdge
	for rows.Next() {
		var e WorkflowEdge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.FromNode, &e.ToNode, &e.Condition); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CreateWorkflow inserts an empty workflow and returns its id.
func (db *DB) CreateWorkflow(ctx context.Context, name string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO workflows (name) VALUES ($1) RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create workflow %s: %w", name, err)
	}
	return id, nil
}

// ClearWorkflow removes all nodes and edges of a workflow.
func (db *DB) ClearWorkflow(ctx context.Context, workflowID int64) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM workflow_edges WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to clear workflow %d edges: %w", workflowID, err)
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM workflow_nodes WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("failed to clear workflow %d nodes: %w", workflowID, err)
	}
	return nil
}

// AddWorkflowNode inserts one node row.
func (db *DB) AddWorkflowNode(ctx context.Context, n WorkflowNode) error {
	configJSON, err := json.Marshal(n.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal node config: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO workflow_nodes (workflow_id, node_name, execution_order, enabled, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, node_name) DO UPDATE SET
			execution_order = EXCLUDED.execution_order,
			enabled = EXCLUDED.enabled,
			config = EXCLUDED.config`,
		n.WorkflowID, n.NodeName, n.ExecutionOrder, n.Enabled, configJSON)
	if err != nil {
		return fmt.Errorf("failed to add workflow node %s: %w", n.NodeName, err)
	}
	return nil
}

// AddWorkflowEdge inserts one edge row.
func (db *DB) AddWorkflowEdge(ctx context.Context, e WorkflowEdge) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO workflow_edges (workflow_id, from_node, to_node, condition)
		VALUES ($1, $2, $3, $4)`,
		e.WorkflowID, e.FromNode, e.ToNode, e.Condition)
	if err != nil {
		return fmt.Errorf("failed to add workflow edge %s->%s: %w", e.FromNode, e.ToNode, err)
	}
	return nil
}
