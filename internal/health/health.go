// Package health implements the Health & Drift Reporter:
// per-project counts from the graph and vector stores, process-local
// readiness/watcher/build-error state, and drift detection against a
// cached node count. The cached-count comparison follows a "denormalized
// in-memory cache, rebuilt only by the Rebuild Orchestrator" shared-state
// policy.
package health

import (
	"context"
	"sync"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/vectorstore"
)

// Status values for Report.Status.
const (
	StatusOK           = "ok"
	StatusDriftDetected = "drift_detected"
)

// Report is the output of graph_health.
type Report struct {
	ProjectID        string
	WorkspaceRoot    string
	Status           string
	GraphCounts      graphstore.NodeCounts
	VectorCounts     map[model.EmbeddingType]int
	EmbeddingsReady  bool
	LastRebuildMode  string
	WatcherState     model.WatcherState
	RecentBuildErrors []model.BuildErrorEntry
	Remediations     []string
}

// BuildErrorSource exposes the Rebuild Orchestrator's error ledger.
type BuildErrorSource interface {
	BuildErrors(projectID string) []model.BuildErrorEntry
}

// Reporter implements graph_health.
type Reporter struct {
	graph   graphstore.Store
	vectors vectorstore.Store
	builds  BuildErrorSource

	mu            sync.Mutex
	cachedCounts  map[string]int // projectID -> node count as of last rebuild
	readiness     map[string]bool
	lastMode      map[string]string
	watcherStates map[string]model.WatcherState
}

// New constructs a Reporter.
func New(graph graphstore.Store, vectors vectorstore.Store, builds BuildErrorSource) *Reporter {
	return &Reporter{
		graph:         graph,
		vectors:       vectors,
		builds:        builds,
		cachedCounts:  map[string]int{},
		readiness:     map[string]bool{},
		lastMode:      map[string]string{},
		watcherStates: map[string]model.WatcherState{},
	}
}

// RecordRebuildComplete updates the cached node count and last-rebuild mode
// for a project; called by the Rebuild Orchestrator after a successful
// build so drift detection has a baseline to compare against.
func (r *Reporter) RecordRebuildComplete(projectID, mode string, nodeCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedCounts[projectID] = nodeCount
	r.lastMode[projectID] = mode
}

// SetEmbeddingsReady records whether a project's embeddings are ready.
func (r *Reporter) SetEmbeddingsReady(projectID string, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readiness[projectID] = ready
}

// SetWatcherState records a project's current watcher phase/backlog.
func (r *Reporter) SetWatcherState(projectID string, state model.WatcherState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watcherStates[projectID] = state
}

// Report assembles the health view for a project.
func (r *Reporter) Report(ctx context.Context, projectID, workspaceRoot string) (*Report, error) {
	nodes, se := r.graph.ListNodes(ctx, projectID, graphstore.NodeFilter{LiveOnly: true})
	if se != nil {
		return nil, se
	}
	rels, se := r.graph.ListRelationships(ctx, projectID, "", "", "")
	if se != nil {
		return nil, se
	}

	counts := graphstore.NodeCounts{Nodes: len(nodes), Relationships: len(rels)}
	for _, n := range nodes {
		switch n.Type {
		case model.NodeFile:
			counts.Files++
		case model.NodeFunction:
			counts.Functions++
		case model.NodeClass:
			counts.Classes++
		}
	}

	vectorCounts, err := r.vectors.Counts(ctx, projectID)
	if err != nil {
		vectorCounts = map[model.EmbeddingType]int{}
	}

	r.mu.Lock()
	cached, hasCached := r.cachedCounts[projectID]
	ready := r.readiness[projectID]
	mode := r.lastMode[projectID]
	watcherState := r.watcherStates[projectID]
	r.mu.Unlock()

	status := StatusOK
	var remediations []string
	if hasCached && cached != counts.Nodes {
		status = StatusDriftDetected
		remediations = append(remediations, "run graph_rebuild to resynchronize the cached node count")
	}
	if !ready {
		remediations = append(remediations, "run graph_rebuild (full) to regenerate embeddings")
	}

	var buildErrors []model.BuildErrorEntry
	if r.builds != nil {
		buildErrors = r.builds.BuildErrors(projectID)
		if len(buildErrors) > 0 {
			remediations = append(remediations, "inspect recent build errors before retrying")
		}
	}

	return &Report{
		ProjectID:         projectID,
		WorkspaceRoot:     workspaceRoot,
		Status:            status,
		GraphCounts:       counts,
		VectorCounts:      vectorCounts,
		EmbeddingsReady:   ready,
		LastRebuildMode:   mode,
		WatcherState:      watcherState,
		RecentBuildErrors: buildErrors,
		Remediations:      remediations,
	}, nil
}
