// Package coordination implements the Coordination Engine:
// agent claims over graph targets with conflict detection, fleet/per-agent
// status views, stale-claim invalidation, and the task-completion hook.
// Grounded on the optimistic-concurrency idiom in
// JeffreyRichter-MCP/svrcore/validatepreconditions.go (a live row either
// wins or reports a conflict; no partial writes either way).
package coordination

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/svrerr"
)

// Status values returned from Claim.
const (
	StatusCreated  = "CREATED"
	StatusConflict = "CONFLICT"
)

// ClaimResult is the outcome of a Claim call.
type ClaimResult struct {
	Status    string
	ClaimID   string
	Conflicts []*model.Claim
}

// AgentStatus is the per-agent view returned by Status.
type AgentStatus struct {
	ActiveClaims   []*model.Claim
	RecentEpisodes []*model.Episode
	CurrentTask    string
}

// Overview is the fleet-wide view returned by FleetOverview, which
// agent_status uses when no agentId is given.
type Overview struct {
	Mode         string
	ActiveClaims []*model.Claim
	StaleClaims  []*model.Claim
	Conflicts    []*model.Claim
	Summary      string
}

// Engine implements the Coordination Engine.
type Engine struct {
	graph    graphstore.Store
	episodes *episode.Engine
	clock    ports.Clock
	mu       sync.Mutex // serializes Claim's read-check-write
}

// New constructs a coordination Engine.
func New(graph graphstore.Store, episodes *episode.Engine, clock ports.Clock) *Engine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Engine{graph: graph, episodes: episodes, clock: clock}
}

// Claim implements agent_claim: requires targetId and intent, and performs
// linearizable conflict detection per (projectId, targetId).
func (e *Engine) Claim(ctx context.Context, projectID, agentID, sessionID, targetID string, claimType model.ClaimType, intent string) (*ClaimResult, *svrerr.ServerError) {
	if targetID == "" || intent == "" {
		return nil, svrerr.Invalid("AGENT_CLAIM_INVALID_INPUT", "targetId and intent are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok, se := e.graph.GetLiveClaim(ctx, projectID, targetID)
	if se != nil {
		return nil, se
	}
	if ok && existing.AgentID != agentID {
		return &ClaimResult{Status: StatusConflict, Conflicts: []*model.Claim{existing}}, nil
	}

	now := e.clock.NowMS()
	if ok {
		if se := e.graph.CloseClaim(ctx, projectID, existing.ID, now); se != nil {
			return nil, se
		}
	}
	claim := &model.Claim{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		AgentID:   agentID,
		SessionID: sessionID,
		TargetID:  targetID,
		ClaimType: claimType,
		Intent:    intent,
		ValidFrom: now,
	}
	if se := e.graph.PutClaim(ctx, claim); se != nil {
		return nil, se
	}
	return &ClaimResult{Status: StatusCreated, ClaimID: claim.ID}, nil
}

// Release implements agent_release: closes the given claim.
func (e *Engine) Release(ctx context.Context, projectID, claimID string) *svrerr.ServerError {
	return e.graph.CloseClaim(ctx, projectID, claimID, e.clock.NowMS())
}

// Status returns the per-agent view for agentID.
func (e *Engine) Status(ctx context.Context, projectID, agentID string) (*AgentStatus, *svrerr.ServerError) {
	claims, se := e.graph.ListLiveClaims(ctx, projectID, agentID)
	if se != nil {
		return nil, se
	}
	var recent []*model.Episode
	if e.episodes != nil {
		eps, se := e.episodes.Recall(ctx, projectID, episode.RecallFilter{AgentID: agentID, Limit: 10})
		if se != nil {
			return nil, se
		}
		recent = eps
	}
	var currentTask string
	for _, c := range claims {
		if c.ClaimType == model.ClaimTask {
			currentTask = c.TargetID
			break
		}
	}
	return &AgentStatus{ActiveClaims: claims, RecentEpisodes: recent, CurrentTask: currentTask}, nil
}

// FleetOverview returns the fleet-wide view for agent_status called without
// an agentId.
func (e *Engine) FleetOverview(ctx context.Context, projectID string) (*Overview, *svrerr.ServerError) {
	active, se := e.graph.ListLiveClaims(ctx, projectID, "")
	if se != nil {
		return nil, se
	}

	byTarget := map[string][]*model.Claim{}
	for _, c := range active {
		byTarget[c.TargetID] = append(byTarget[c.TargetID], c)
	}
	var conflicts []*model.Claim
	for _, group := range byTarget {
		if len(group) > 1 {
			conflicts = append(conflicts, group...)
		}
	}

	var stale []*model.Claim
	for _, c := range active {
		_, ok, se := e.graph.GetNode(ctx, projectID, c.TargetID)
		if se != nil {
			continue
		}
		if !ok {
			stale = append(stale, c)
		}
	}

	summary := fmt.Sprintf("%d active claims, %d conflicts, %d stale", len(active), len(conflicts), len(stale))
	return &Overview{Mode: "overview", ActiveClaims: active, StaleClaims: stale, Conflicts: conflicts, Summary: summary}, nil
}

// InvalidateStaleClaims implements the post-rebuild stale-claim hook: a
// claim is stale if its target no longer resolves to a live graph node.
func (e *Engine) InvalidateStaleClaims(ctx context.Context, projectID string) (int, *svrerr.ServerError) {
	live, se := e.graph.ListLiveClaims(ctx, projectID, "")
	if se != nil {
		return 0, se
	}
	now := e.clock.NowMS()
	closed := 0
	for _, c := range live {
		_, ok, se := e.graph.GetNode(ctx, projectID, c.TargetID)
		if se != nil {
			continue
		}
		if ok {
			continue
		}
		if se := e.graph.CloseClaim(ctx, projectID, c.ID, now); se != nil {
			continue
		}
		closed++
	}
	return closed, nil
}

// OnTaskCompleted implements the task_update completion hook: closes all
// claims held by agentID on taskID, triggers a reflection, and appends a
// DECISION episode recording the transition.
func (e *Engine) OnTaskCompleted(ctx context.Context, projectID, taskID, agentID, notes string) *svrerr.ServerError {
	claims, se := e.graph.ListLiveClaims(ctx, projectID, agentID)
	if se != nil {
		return se
	}
	now := e.clock.NowMS()
	for _, c := range claims {
		if c.TargetID != taskID {
			continue
		}
		if se := e.graph.CloseClaim(ctx, projectID, c.ID, now); se != nil {
			return se
		}
	}

	if e.episodes != nil {
		if _, se := e.episodes.Reflect(ctx, projectID, taskID, agentID); se != nil {
			return se
		}
		rationale := fmt.Sprintf("task %s marked completed by %s", taskID, agentID)
		if notes != "" {
			rationale += ": " + notes
		}
		_, se := e.episodes.Add(ctx, episode.AddInput{
			ProjectID: projectID,
			Type:      model.EpisodeDecision,
			Content:   rationale,
			TaskID:    taskID,
			AgentID:   agentID,
			Outcome:   model.OutcomeSuccess,
			Metadata:  map[string]any{"rationale": rationale},
		})
		if se != nil {
			return se
		}
	}
	return nil
}
