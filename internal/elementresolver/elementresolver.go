// Package elementresolver implements the Element Resolver: given
// a textual id, name, or path, find the unique matching graph node. Used by
// code_explain, semantic_slice, and semantic_diff to turn a caller-supplied
// reference into a concrete node before further processing.
package elementresolver

import (
	"context"
	"strings"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// Resolver implements lookup by id/name/path.
type Resolver struct {
	graph graphstore.Store
}

// New constructs a Resolver.
func New(graph graphstore.Store) *Resolver {
	return &Resolver{graph: graph}
}

// Resolve tries ref as a node id first, then falls back to a name or path
// match among live nodes, returning ELEMENT_NOT_FOUND if nothing or more
// than one candidate ties as best match.
func (r *Resolver) Resolve(ctx context.Context, projectID, ref string) (*model.GraphNode, *svrerr.ServerError) {
	if ref == "" {
		return nil, svrerr.Invalid("ELEMENT_NOT_FOUND", "a non-empty id, name, or path is required")
	}
	if n, ok, se := r.graph.GetNode(ctx, projectID, ref); se != nil {
		return nil, se
	} else if ok {
		return n, nil
	}

	candidates, se := r.graph.ListNodes(ctx, projectID, graphstore.NodeFilter{LiveOnly: true})
	if se != nil {
		return nil, se
	}

	var exact []*model.GraphNode
	var partial []*model.GraphNode
	lowerRef := strings.ToLower(ref)
	for _, n := range candidates {
		name, _ := n.Properties["name"].(string)
		path, _ := n.Properties["path"].(string)
		if strings.EqualFold(name, ref) || strings.EqualFold(path, ref) {
			exact = append(exact, n)
			continue
		}
		if strings.Contains(strings.ToLower(name), lowerRef) || strings.Contains(strings.ToLower(path), lowerRef) {
			partial = append(partial, n)
		}
	}

	if len(exact) == 1 {
		return exact[0], nil
	}
	if len(exact) == 0 && len(partial) == 1 {
		return partial[0], nil
	}
	return nil, svrerr.NotFound("ELEMENT_NOT_FOUND", "no unique node resolves %q (%d exact, %d partial matches)", ref, len(exact), len(partial))
}
