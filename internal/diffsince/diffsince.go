// Package diffsince implements the Diff-Since Engine: given a
// resolved since-anchor, reports nodes added/removed/modified since that
// point plus the ordered list of GRAPH_TX ids in the window. There's no
// close analog for a temporal diff among the retrieved repos, so this
// stays a small, direct implementation of the invariant rather than a
// port of existing code.
package diffsince

import (
	"context"
	"sort"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

const maxRows = 500

// Result is the output of Diff.
type Result struct {
	Added     []*model.GraphNode
	Removed   []*model.GraphNode
	Modified  []*model.GraphNode
	GraphTxes []*model.GraphTx
}

// Engine implements diff_since.
type Engine struct {
	graph graphstore.Store
}

// New constructs a diffsince Engine.
func New(graph graphstore.Store) *Engine {
	return &Engine{graph: graph}
}

var validDiffTypes = map[model.NodeType]bool{
	model.NodeFile: true, model.NodeFunction: true, model.NodeClass: true,
}

// Diff computes added/removed/modified nodes and the GRAPH_TX window for
// projectID since sinceTs, restricted to types (a subset of
// {FILE, FUNCTION, CLASS}).
func (e *Engine) Diff(ctx context.Context, projectID string, sinceTs int64, types []model.NodeType) (*Result, *svrerr.ServerError) {
	if projectID == "" {
		return nil, svrerr.Invalid("DIFF_SINCE_INVALID_INPUT", "projectId is required")
	}
	for _, t := range types {
		if !validDiffTypes[t] {
			return nil, svrerr.Invalid("DIFF_SINCE_INVALID_TYPES", "type %q is not one of FILE, FUNCTION, CLASS", t)
		}
	}
	if len(types) == 0 {
		types = []model.NodeType{model.NodeFile, model.NodeFunction, model.NodeClass}
	}

	addedFrom := &sinceTs
	added, se := e.graph.ListNodes(ctx, projectID, graphstore.NodeFilter{
		Types:        types,
		ValidFromGTE: addedFrom,
		Limit:        maxRows,
	})
	if se != nil {
		return nil, se
	}
	removed, se := e.graph.ListNodes(ctx, projectID, graphstore.NodeFilter{
		Types:      types,
		ValidToGTE: addedFrom,
		Limit:      maxRows,
	})
	if se != nil {
		return nil, se
	}

	sort.Slice(added, func(i, j int) bool { return added[i].ValidFrom > added[j].ValidFrom })
	sort.Slice(removed, func(i, j int) bool {
		ti, tj := int64(0), int64(0)
		if removed[i].ValidTo != nil {
			ti = *removed[i].ValidTo
		}
		if removed[j].ValidTo != nil {
			tj = *removed[j].ValidTo
		}
		return ti > tj
	})

	addedIDs := map[string]bool{}
	for _, n := range added {
		addedIDs[n.ID] = true
	}
	var modified []*model.GraphNode
	for _, n := range removed {
		if addedIDs[n.ID] {
			modified = append(modified, n)
		}
	}

	txes, se := e.graph.ListGraphTxSince(ctx, projectID, sinceTs)
	if se != nil {
		return nil, se
	}

	return &Result{Added: added, Removed: removed, Modified: modified, GraphTxes: txes}, nil
}
