// Package episode implements the Episode Engine: type-dependent
// validation on add, filtered/ranked recall, decision queries, and
// reflection synthesis that emits LEARNING nodes. Grounded on
// JeffreyRichter-MCP/mcpsvr/policies.go's per-field validation-before-write
// idiom, generalized from HTTP request validation to episode type rules.
package episode

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/svrerr"
)

// AddInput is the input to Add.
type AddInput struct {
	ProjectID string
	Type      model.EpisodeType
	Content   string
	Entities  []string
	TaskID    string
	Outcome   model.Outcome
	Metadata  map[string]any
	Sensitive bool
	AgentID   string
	SessionID string
}

// RecallFilter narrows a Recall call.
type RecallFilter struct {
	AgentID  string
	TaskID   string
	Types    []model.EpisodeType
	Entities []string
	Since    int64
	Limit    int
	Query    string
}

// Engine implements episode_add/episode_recall/decision_query/reflect.
type Engine struct {
	graph graphstore.Store
	embed ports.EmbeddingClient
	clock ports.Clock
}

// New constructs an episode Engine. embed is stored but no Engine method
// calls it, so it may be nil.
func New(graph graphstore.Store, embed ports.EmbeddingClient, clock ports.Clock) *Engine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Engine{graph: graph, embed: embed, clock: clock}
}

func metadataHas(meta map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return true
			}
		}
	}
	return false
}

func validOutcome(o model.Outcome) bool {
	switch o {
	case model.OutcomeSuccess, model.OutcomeFailure, model.OutcomePartial:
		return true
	default:
		return false
	}
}

// validate applies the type-dependent episode invariants.
func validate(in AddInput) *svrerr.ServerError {
	switch in.Type {
	case model.EpisodeDecision:
		if !validOutcome(in.Outcome) || !metadataHas(in.Metadata, "rationale", "reason") {
			return svrerr.Invalid("EPISODE_ADD_INVALID_METADATA", "DECISION requires a valid outcome and metadata.rationale or metadata.reason")
		}
	case model.EpisodeEdit:
		if len(in.Entities) == 0 {
			return svrerr.Invalid("EPISODE_ADD_INVALID_METADATA", "EDIT requires at least one entity")
		}
	case model.EpisodeTestResult:
		if !validOutcome(in.Outcome) || !metadataHas(in.Metadata, "testName", "testFile") {
			return svrerr.Invalid("EPISODE_ADD_INVALID_METADATA", "TEST_RESULT requires a valid outcome and metadata.testName or metadata.testFile")
		}
	case model.EpisodeError:
		if !metadataHas(in.Metadata, "errorCode", "stack") {
			return svrerr.Invalid("EPISODE_ADD_INVALID_METADATA", "ERROR requires metadata.errorCode or metadata.stack")
		}
	case model.EpisodeObservation, model.EpisodeReflection:
		// no additional invariants
	default:
		return svrerr.Invalid("EPISODE_ADD_INVALID_INPUT", "unknown episode type %q", in.Type)
	}
	return nil
}

// Add validates in per type rules, assigns an id, persists, and returns it.
func (e *Engine) Add(ctx context.Context, in AddInput) (string, *svrerr.ServerError) {
	if in.ProjectID == "" || in.Content == "" {
		return "", svrerr.Invalid("EPISODE_ADD_INVALID_INPUT", "projectId and content are required")
	}
	if se := validate(in); se != nil {
		return "", se
	}

	ep := &model.Episode{
		ID:        uuid.NewString(),
		ProjectID: in.ProjectID,
		Type:      in.Type,
		Content:   in.Content,
		Entities:  in.Entities,
		TaskID:    in.TaskID,
		Outcome:   in.Outcome,
		Metadata:  in.Metadata,
		Sensitive: in.Sensitive,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		Timestamp: e.clock.NowMS(),
	}
	if se := e.graph.PutEpisode(ctx, ep); se != nil {
		return "", se
	}
	return ep.ID, nil
}

// Recall filters episodes by projectId and f, ranked by a combination of
// text similarity and recency, limit-bounded. f.Entities is matched exactly
// as given; entity hints are not augmented by vector search.
func (e *Engine) Recall(ctx context.Context, projectID string, f RecallFilter) ([]*model.Episode, *svrerr.ServerError) {
	if projectID == "" {
		return nil, svrerr.Invalid("EPISODE_RECALL_INVALID_INPUT", "projectId is required")
	}
	eps, se := e.graph.ListEpisodes(ctx, projectID, graphstore.EpisodeFilter{
		AgentID:  f.AgentID,
		TaskID:   f.TaskID,
		Types:    f.Types,
		Entities: f.Entities,
		Since:    f.Since,
		Limit:    0, // rank first, then truncate to f.Limit
	})
	if se != nil {
		return nil, se
	}

	ranked := rankEpisodes(eps, f.Query)
	limit := f.Limit
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit], nil
}

// rankEpisodes scores by naive token-overlap similarity to query plus
// recency, newest/most-similar first.
func rankEpisodes(eps []*model.Episode, query string) []*model.Episode {
	terms := tokenize(query)
	type scored struct {
		ep    *model.Episode
		score float64
	}
	out := make([]scored, 0, len(eps))
	for _, ep := range eps {
		sim := 0.0
		if len(terms) > 0 {
			content := strings.ToLower(ep.Content)
			for _, t := range terms {
				if strings.Contains(content, t) {
					sim++
				}
			}
			sim /= float64(len(terms))
		}
		out = append(out, scored{ep: ep, score: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].ep.Timestamp > out[j].ep.Timestamp
	})
	result := make([]*model.Episode, len(out))
	for i, s := range out {
		result[i] = s.ep
	}
	return result
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// DecisionQuery is Recall restricted to type=DECISION.
func (e *Engine) DecisionQuery(ctx context.Context, projectID string, f RecallFilter) ([]*model.Episode, *svrerr.ServerError) {
	f.Types = []model.EpisodeType{model.EpisodeDecision}
	eps, se := e.Recall(ctx, projectID, f)
	if se != nil {
		return nil, svrerr.Invalid("DECISION_QUERY_INVALID_INPUT", "%s", se.Reason)
	}
	return eps, nil
}

// ReflectResult is the output of Reflect.
type ReflectResult struct {
	ReflectionID    string
	LearningsCreated int
}

// Reflect summarizes recent episodes for a task/agent and emits one LEARNING
// node per distinct entity they name (none when they name no entities),
// each attached to its entity via APPLIES_TO.
func (e *Engine) Reflect(ctx context.Context, projectID, taskID, agentID string) (*ReflectResult, *svrerr.ServerError) {
	eps, se := e.graph.ListEpisodes(ctx, projectID, graphstore.EpisodeFilter{TaskID: taskID, AgentID: agentID, Limit: 50})
	if se != nil {
		return nil, se
	}

	entitySet := map[string]struct{}{}
	for _, ep := range eps {
		for _, entity := range ep.Entities {
			entitySet[entity] = struct{}{}
		}
	}

	now := e.clock.NowMS()
	reflectionID := uuid.NewString()
	created := 0
	for entity := range entitySet {
		learning := &model.GraphNode{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Type:      model.NodeLearning,
			Properties: map[string]any{
				"reflectionId": reflectionID,
				"subject":      entity,
				"confidence":   estimateConfidence(len(eps)),
				"taskId":       taskID,
				"agentId":      agentID,
			},
			ValidFrom: now,
		}
		if se := e.graph.PutNode(ctx, learning); se != nil {
			continue
		}
		rel := &model.GraphRelationship{
			ID:   uuid.NewString(),
			From: learning.ID,
			To:   entity,
			Type: model.RelAppliesTo,
		}
		_ = e.graph.PutRelationship(ctx, rel)
		created++
	}

	_, _ = e.Add(ctx, AddInput{
		ProjectID: projectID,
		Type:      model.EpisodeReflection,
		Content:   "reflection over recent activity",
		TaskID:    taskID,
		AgentID:   agentID,
		Metadata:  map[string]any{"reflectionId": reflectionID, "episodeCount": len(eps)},
	})

	return &ReflectResult{ReflectionID: reflectionID, LearningsCreated: created}, nil
}

func estimateConfidence(sampleSize int) float64 {
	if sampleSize <= 0 {
		return 0
	}
	c := 0.3 + 0.1*float64(sampleSize)
	if c > 0.95 {
		c = 0.95
	}
	return c
}
