// Package graphstore is the contract for the external graph store driver
// ("out of scope: the graph store driver and its query language").
// Only the interface matters to the core; this package also ships an
// in-memory implementation used by engines' tests and a MongoDB-backed
// implementation for production use, grounded on the memory-snapshot store
// in goadesign-goa-ai's features/memory/mongo package.
package graphstore

import (
	"context"

	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// NodeCounts summarizes a project's graph for health reporting.
type NodeCounts struct {
	Nodes         int
	Relationships int
	Files         int
	Functions     int
	Classes       int
}

// NodeFilter narrows a ListNodes call. A nil field means "no constraint".
type NodeFilter struct {
	Types        []model.NodeType
	LiveOnly     bool
	ValidFromGTE *int64 // node.ValidFrom >= *ValidFromGTE
	ValidToGTE   *int64 // node.ValidTo >= *ValidToGTE (node must have a ValidTo)
	Limit        int
}

// Store is the contract the rest of the server programs against. GraphNodes,
// GraphRelationships, GraphTx, Episodes, and Claims are all owned here;
// everything else in the process is a derived view.
type Store interface {
	// Connected reports whether the driver currently has a live connection;
	// the Rebuild Orchestrator skips GRAPH_TX persistence when false rather
	// than failing the rebuild.
	Connected(ctx context.Context) bool

	// PutNode upserts a node, closing any prior live row for (id, projectId)
	// by setting its ValidTo, preserving the "at most one live row" invariant.
	PutNode(ctx context.Context, node *model.GraphNode) *svrerr.ServerError

	// GetNode returns the live node for (projectId, id), or ok=false.
	GetNode(ctx context.Context, projectID, id string) (*model.GraphNode, bool, *svrerr.ServerError)

	// ListNodes returns live (or all, per filter) nodes for a project
	// matching filter, newest ValidFrom first.
	ListNodes(ctx context.Context, projectID string, filter NodeFilter) ([]*model.GraphNode, *svrerr.ServerError)

	// PutRelationship upserts a relationship.
	PutRelationship(ctx context.Context, rel *model.GraphRelationship) *svrerr.ServerError

	// ListRelationships returns relationships matching the given (optional)
	// from/to/type constraints. Relationships carry no project id, so
	// projectID does not filter the result.
	ListRelationships(ctx context.Context, projectID string, from, to string, relType model.RelationshipType) ([]*model.GraphRelationship, *svrerr.ServerError)

	// AppendGraphTx appends a transaction anchor; the log is append-only.
	AppendGraphTx(ctx context.Context, tx *model.GraphTx) *svrerr.ServerError

	// ListGraphTxSince returns, in ascending timestamp order, every GraphTx
	// for projectID with Timestamp >= sinceTs.
	ListGraphTxSince(ctx context.Context, projectID string, sinceTs int64) ([]*model.GraphTx, *svrerr.ServerError)

	// FindGraphTxByID resolves a since-anchor candidate that looks like a
	// transaction id.
	FindGraphTxByID(ctx context.Context, projectID, id string) (*model.GraphTx, bool, *svrerr.ServerError)

	// FindGraphTxByGitCommit resolves a since-anchor candidate that looks
	// like a git commit hash.
	FindGraphTxByGitCommit(ctx context.Context, projectID, commit string) (*model.GraphTx, bool, *svrerr.ServerError)

	// FindGraphTxByAgentID resolves a since-anchor candidate that looks like
	// an agent id, returning the most recent matching transaction.
	FindGraphTxByAgentID(ctx context.Context, projectID, agentID string) (*model.GraphTx, bool, *svrerr.ServerError)

	// LatestGraphTxTimestamp returns the most recent GraphTx timestamp for a
	// project, or 0 if none exist; used to enforce monotonic tx ordering.
	LatestGraphTxTimestamp(ctx context.Context, projectID string) (int64, *svrerr.ServerError)

	// PutClaim persists a newly created claim. Callers must have already
	// confirmed no live claim exists for (ProjectID, TargetID); PutClaim does
	// not re-check (the Coordination Engine's linearizable section does).
	PutClaim(ctx context.Context, claim *model.Claim) *svrerr.ServerError

	// GetLiveClaim returns the live claim for (projectId, targetId), if any.
	GetLiveClaim(ctx context.Context, projectID, targetID string) (*model.Claim, bool, *svrerr.ServerError)

	// CloseClaim sets ValidTo=now for the given claim id.
	CloseClaim(ctx context.Context, projectID, claimID string, now int64) *svrerr.ServerError

	// ListLiveClaims returns every live claim for a project, optionally
	// restricted to a single agent.
	ListLiveClaims(ctx context.Context, projectID, agentID string) ([]*model.Claim, *svrerr.ServerError)

	// PutEpisode persists a validated episode.
	PutEpisode(ctx context.Context, ep *model.Episode) *svrerr.ServerError

	// ListEpisodes returns episodes for a project matching the given
	// optional filters, newest first.
	ListEpisodes(ctx context.Context, projectID string, f EpisodeFilter) ([]*model.Episode, *svrerr.ServerError)

	// EnsureLexicalIndex makes sure the store-side BM25 text index over
	// symbol names exists for a project; idempotent.
	EnsureLexicalIndex(ctx context.Context, projectID string) *svrerr.ServerError
}

// EpisodeFilter narrows a ListEpisodes call.
type EpisodeFilter struct {
	AgentID  string
	TaskID   string
	Types    []model.EpisodeType
	Entities []string
	Since    int64
	Limit    int
}
