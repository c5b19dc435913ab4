// Package contextpack implements the Context-Pack Assembler:
// seed selection over task text, interface expansion, a call into the
// external PPR routine, core-symbol materialization, enrichment from
// episodes/learnings/claims, and token-budget trimming. Grounded on
// JeffreyRichter-MCP/mcpsvr's handler-as-ordered-steps style (each tool
// handler is a short linear sequence of named steps, not a single dense
// function).
package contextpack

import (
	"context"
	"sort"
	"strings"

	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/svrerr"
)

const (
	maxSeeds            = 5
	maxPPRResults       = 60
	maxCoreSymbols      = 8
	maxSnippetChars     = 800
	maxCallEdges        = 5
	maxEnrichPerKind    = 10
	snippetTruncateLen  = 220
	snippetTruncateKeep = 217
	maxTrimIterations   = 200
	estTokensPerChar    = 0.25 // rough heuristic: ~4 chars/token
)

// Input is the request shape for context_pack.
type Input struct {
	ProjectID         string
	Task              string
	TaskID            string
	AgentID           string
	IncludeDecisions  bool
	IncludeLearnings  bool
	IncludeEpisodes   bool
}

// CoreSymbol is one materialized symbol in the assembled pack.
type CoreSymbol struct {
	NodeID    string
	Name      string
	Path      string
	Snippet   string
	StartLine int
	EndLine   int
	Incoming  []string
	Outgoing  []string
}

// Blocker is an active claim blocking a selected symbol.
type Blocker struct {
	NodeID  string
	AgentID string
	ClaimID string
}

// Pack is the assembled context pack returned by context_pack.
type Pack struct {
	CoreSymbols   []CoreSymbol
	Decisions     []*model.Episode
	Learnings     []*model.GraphNode
	Episodes      []*model.Episode
	Blockers      []Blocker
	TokenEstimate int
}

// SourceReader reads a bounded snippet of a file for core-symbol
// materialization; the build engine owns the actual filesystem/source
// access, so this stays a narrow collaborator interface.
type SourceReader interface {
	ReadSnippet(path string, startLine, endLine int) (string, error)
}

// Assembler implements context_pack.
type Assembler struct {
	graph    graphstore.Store
	episodes *episode.Engine
	ppr      ports.PPREngine
	source   SourceReader
}

// New constructs an Assembler. source may be nil; core symbols then carry
// no snippet.
func New(graph graphstore.Store, episodes *episode.Engine, ppr ports.PPREngine, source SourceReader) *Assembler {
	return &Assembler{graph: graph, episodes: episodes, ppr: ppr, source: source}
}

// Assemble runs the full seed -> PPR -> materialize -> enrich -> trim
// pipeline.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Pack, *svrerr.ServerError) {
	if in.ProjectID == "" || in.Task == "" {
		return nil, svrerr.Invalid("CONTEXT_PACK_INVALID_INPUT", "projectId and task are required")
	}

	candidates, se := a.graph.ListNodes(ctx, in.ProjectID, graphstore.NodeFilter{
		Types:    []model.NodeType{model.NodeFunction, model.NodeClass, model.NodeFile},
		LiveOnly: true,
	})
	if se != nil {
		return nil, se
	}

	seeds := selectSeeds(in.Task, candidates)
	seeds = a.expandInterfaces(ctx, in.ProjectID, seeds)

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}

	var rankedIDs []string
	if a.ppr != nil {
		ranked, err := a.ppr.PersonalizedPageRank(ctx, in.ProjectID, seedIDs, maxPPRResults)
		if err != nil {
			rankedIDs = seedIDs
		} else {
			rankedIDs = ranked
		}
	} else {
		rankedIDs = seedIDs
	}

	filtered, se := a.filterToTypedNodes(ctx, in.ProjectID, rankedIDs)
	if se != nil {
		return nil, se
	}

	coreSymbols := a.materializeCoreSymbols(ctx, in.ProjectID, filtered)
	selectedIDs := make([]string, len(coreSymbols))
	for i, cs := range coreSymbols {
		selectedIDs[i] = cs.NodeID
	}

	pack := &Pack{CoreSymbols: coreSymbols}
	if in.IncludeDecisions {
		pack.Decisions = a.enrichDecisions(ctx, in.ProjectID, selectedIDs)
	}
	if in.IncludeLearnings {
		pack.Learnings = a.enrichLearnings(ctx, in.ProjectID, selectedIDs)
	}
	if in.IncludeEpisodes {
		pack.Episodes = a.enrichEpisodes(ctx, in.ProjectID, in.TaskID, in.AgentID)
	}
	pack.Blockers = a.enrichBlockers(ctx, in.ProjectID, selectedIDs, in.AgentID)

	trim(pack)
	pack.TokenEstimate = estimateTokens(pack)

	return pack, nil
}

func tokenizeTask(task string) []string {
	fields := strings.Fields(strings.ToLower(task))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// selectSeeds scores every candidate by how many task tokens its id/name/
// path contains and takes the top 5; if nothing scores, falls back to the
// first 5 candidates.
func selectSeeds(task string, candidates []*model.GraphNode) []*model.GraphNode {
	terms := tokenizeTask(task)
	type scored struct {
		node  *model.GraphNode
		score int
	}
	scoredNodes := make([]scored, 0, len(candidates))
	for _, n := range candidates {
		name, _ := n.Properties["name"].(string)
		path, _ := n.Properties["path"].(string)
		haystack := strings.ToLower(n.ID + " " + name + " " + path)
		score := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				score++
			}
		}
		scoredNodes = append(scoredNodes, scored{node: n, score: score})
	}
	sort.SliceStable(scoredNodes, func(i, j int) bool { return scoredNodes[i].score > scoredNodes[j].score })

	var top []*model.GraphNode
	for _, s := range scoredNodes {
		if s.score > 0 {
			top = append(top, s.node)
		}
	}
	if len(top) == 0 {
		for i := 0; i < len(candidates) && i < maxSeeds; i++ {
			top = append(top, candidates[i])
		}
		return top
	}
	if len(top) > maxSeeds {
		top = top[:maxSeeds]
	}
	return top
}

// expandInterfaces adds every node reachable via IMPLEMENTED_BY for any seed
// whose kind is interface/abstract.
func (a *Assembler) expandInterfaces(ctx context.Context, projectID string, seeds []*model.GraphNode) []*model.GraphNode {
	out := append([]*model.GraphNode(nil), seeds...)
	for _, s := range seeds {
		kind, _ := s.Properties["kind"].(string)
		if kind != "interface" && kind != "abstract" {
			continue
		}
		rels, se := a.graph.ListRelationships(ctx, projectID, s.ID, "", model.RelImplementedBy)
		if se != nil {
			continue
		}
		for _, r := range rels {
			if n, ok, se := a.graph.GetNode(ctx, projectID, r.To); se == nil && ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func (a *Assembler) filterToTypedNodes(ctx context.Context, projectID string, ids []string) ([]*model.GraphNode, *svrerr.ServerError) {
	out := make([]*model.GraphNode, 0, len(ids))
	for _, id := range ids {
		n, ok, se := a.graph.GetNode(ctx, projectID, id)
		if se != nil {
			return nil, se
		}
		if !ok {
			continue
		}
		switch n.Type {
		case model.NodeFunction, model.NodeClass, model.NodeFile:
			out = append(out, n)
		}
	}
	return out, nil
}

// materializeCoreSymbols builds up to 8 CoreSymbol entries, resolving each
// node's file path and reading a bounded snippet.
func (a *Assembler) materializeCoreSymbols(ctx context.Context, projectID string, nodes []*model.GraphNode) []CoreSymbol {
	var out []CoreSymbol
	for _, n := range nodes {
		if len(out) >= maxCoreSymbols {
			break
		}
		name, _ := n.Properties["name"].(string)
		path := a.resolveFilePath(ctx, projectID, n)
		startLine := intProp(n.Properties, "startLine")
		endLine := intProp(n.Properties, "endLine")

		snippet := ""
		if a.source != nil && path != "" {
			if s, err := a.source.ReadSnippet(path, startLine, endLine); err == nil {
				snippet = truncate(s, maxSnippetChars)
			}
		}

		incoming, outgoing := a.callEdges(ctx, projectID, n.ID)
		out = append(out, CoreSymbol{
			NodeID:    n.ID,
			Name:      name,
			Path:      path,
			Snippet:   snippet,
			StartLine: startLine,
			EndLine:   endLine,
			Incoming:  incoming,
			Outgoing:  outgoing,
		})
	}
	return out
}

// resolveFilePath walks CONTAINS backwards if the node itself lacks a path.
func (a *Assembler) resolveFilePath(ctx context.Context, projectID string, n *model.GraphNode) string {
	if path, ok := n.Properties["path"].(string); ok && path != "" {
		return path
	}
	rels, se := a.graph.ListRelationships(ctx, projectID, "", n.ID, model.RelContains)
	if se != nil || len(rels) == 0 {
		return ""
	}
	parent, ok, se := a.graph.GetNode(ctx, projectID, rels[0].From)
	if se != nil || !ok {
		return ""
	}
	path, _ := parent.Properties["path"].(string)
	return path
}

func (a *Assembler) callEdges(ctx context.Context, projectID, nodeID string) (incoming, outgoing []string) {
	in, se := a.graph.ListRelationships(ctx, projectID, "", nodeID, model.RelCalls)
	if se == nil {
		for i, r := range in {
			if i >= maxCallEdges {
				break
			}
			incoming = append(incoming, r.From)
		}
	}
	out, se := a.graph.ListRelationships(ctx, projectID, nodeID, "", model.RelCalls)
	if se == nil {
		for i, r := range out {
			if i >= maxCallEdges {
				break
			}
			outgoing = append(outgoing, r.To)
		}
	}
	return incoming, outgoing
}

func (a *Assembler) enrichDecisions(ctx context.Context, projectID string, ids []string) []*model.Episode {
	var all []*model.Episode
	for _, id := range ids {
		rels, se := a.graph.ListRelationships(ctx, projectID, "", id, model.RelInvolves)
		if se != nil {
			continue
		}
		for _, r := range rels {
			eps, found := a.episodesByID(ctx, projectID, r.From, model.EpisodeDecision)
			if found {
				all = append(all, eps...)
			}
		}
	}
	if len(all) > maxEnrichPerKind {
		all = all[:maxEnrichPerKind]
	}
	return all
}

func (a *Assembler) episodesByID(ctx context.Context, projectID, episodeNodeID string, epType model.EpisodeType) ([]*model.Episode, bool) {
	// Episodes are persisted as Episode rows keyed by id, not graph nodes;
	// this helper resolves an INVOLVES target that happens to name an
	// episode id.
	if a.episodes == nil {
		return nil, false
	}
	eps, se := a.episodes.Recall(ctx, projectID, episode.RecallFilter{Types: []model.EpisodeType{epType}, Limit: 50})
	if se != nil {
		return nil, false
	}
	var matched []*model.Episode
	for _, ep := range eps {
		if ep.ID == episodeNodeID {
			matched = append(matched, ep)
		}
	}
	return matched, len(matched) > 0
}

func (a *Assembler) enrichLearnings(ctx context.Context, projectID string, ids []string) []*model.GraphNode {
	seen := map[string]*model.GraphNode{}
	for _, id := range ids {
		rels, se := a.graph.ListRelationships(ctx, projectID, "", id, model.RelAppliesTo)
		if se != nil {
			continue
		}
		for _, r := range rels {
			n, ok, se := a.graph.GetNode(ctx, projectID, r.From)
			if se == nil && ok && n.Type == model.NodeLearning {
				seen[n.ID] = n
			}
		}
	}
	out := make([]*model.GraphNode, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return confidenceOf(out[i]) > confidenceOf(out[j]) })
	if len(out) > maxEnrichPerKind {
		out = out[:maxEnrichPerKind]
	}
	return out
}

func confidenceOf(n *model.GraphNode) float64 {
	if v, ok := n.Properties["confidence"].(float64); ok {
		return v
	}
	return 0
}

// intProp reads a numeric property that may have round-tripped through JSON
// (and so arrived as float64) or been set directly as an int in-process.
func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (a *Assembler) enrichEpisodes(ctx context.Context, projectID, taskID, agentID string) []*model.Episode {
	if a.episodes == nil {
		return nil
	}
	eps, se := a.episodes.Recall(ctx, projectID, episode.RecallFilter{TaskID: taskID, AgentID: agentID, Limit: maxEnrichPerKind})
	if se != nil {
		return nil
	}
	return eps
}

func (a *Assembler) enrichBlockers(ctx context.Context, projectID string, ids []string, requesterAgentID string) []Blocker {
	var blockers []Blocker
	for _, id := range ids {
		claim, ok, se := a.graph.GetLiveClaim(ctx, projectID, id)
		if se != nil || !ok {
			continue
		}
		if claim.AgentID == requesterAgentID {
			continue
		}
		blockers = append(blockers, Blocker{NodeID: id, AgentID: claim.AgentID, ClaimID: claim.ID})
	}
	return blockers
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// estimateTokens is a rough size estimate over the assembled pack's text,
// used to drive the trim loop.
func estimateTokens(p *Pack) int {
	chars := 0
	for _, cs := range p.CoreSymbols {
		chars += len(cs.Snippet) + len(cs.Name) + len(cs.Path)
	}
	for _, d := range p.Decisions {
		chars += len(d.Content)
	}
	for _, e := range p.Episodes {
		chars += len(e.Content)
	}
	for range p.Learnings {
		chars += 64
	}
	return int(float64(chars) * estTokensPerChar)
}

// budgetTokens is the fixed ceiling the trim loop targets; a context pack
// this size comfortably fits a model's working context alongside the rest
// of a turn's conversation.
const budgetTokens = 4000

// trim repeatedly prunes the pack in a fixed priority order until under
// budget or no further reduction is possible, capped at 200 iterations.
func trim(p *Pack) {
	for i := 0; i < maxTrimIterations; i++ {
		if estimateTokens(p) <= budgetTokens {
			return
		}
		if len(p.CoreSymbols) > 1 {
			p.CoreSymbols = p.CoreSymbols[:len(p.CoreSymbols)-1]
			continue
		}
		if len(p.Decisions) > 2 {
			p.Decisions = p.Decisions[:len(p.Decisions)-1]
			continue
		}
		if len(p.Learnings) > 2 {
			p.Learnings = p.Learnings[:len(p.Learnings)-1]
			continue
		}
		if len(p.Episodes) > 2 {
			p.Episodes = p.Episodes[:len(p.Episodes)-1]
			continue
		}
		if truncateLongSnippet(p) {
			continue
		}
		return
	}
}

func truncateLongSnippet(p *Pack) bool {
	for i := range p.CoreSymbols {
		if len(p.CoreSymbols[i].Snippet) > snippetTruncateLen {
			p.CoreSymbols[i].Snippet = p.CoreSymbols[i].Snippet[:snippetTruncateKeep] + "…"
			return true
		}
	}
	return false
}
