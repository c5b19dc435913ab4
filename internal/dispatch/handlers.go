package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/graphmcp/server/internal/config"
	"github.com/graphmcp/server/internal/contextpack"
	"github.com/graphmcp/server/internal/coordination"
	"github.com/graphmcp/server/internal/diffsince"
	"github.com/graphmcp/server/internal/elementresolver"
	"github.com/graphmcp/server/internal/envelope"
	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/health"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/normalize"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/projectctx"
	"github.com/graphmcp/server/internal/rebuild"
	"github.com/graphmcp/server/internal/retrieval"
	"github.com/graphmcp/server/internal/session"
	"github.com/graphmcp/server/internal/svrerr"
	"github.com/graphmcp/server/internal/vectorstore"
	"github.com/graphmcp/server/internal/watcher"
)

// MetricsRecorder is the narrow surface of the Prometheus registry that tool
// handlers record through directly (claim conflicts, watcher batches) rather
// than through the dispatch-wide latency wrapper.
type MetricsRecorder interface {
	ObserveClaimConflict()
	ObserveWatcherBatch(projectID string)
}

// WatcherFactory starts a filesystem watcher for a resolved ProjectContext;
// satisfied by watcher.New. Exists so graphSetWorkspace can be exercised
// with a fake in tests without touching a real filesystem.
type WatcherFactory func(pc model.ProjectContext, cb watcher.Callback) (session.Watcher, error)

// Deps bundles every engine and store a tool handler may need. All fields
// except Config, Sessions, and Graph may be nil; a handler whose required
// collaborator is nil returns a recoverable error envelope (built with
// svrerr.Unavailable) under that tool's own error code.
type Deps struct {
	Config    *config.Config
	Sessions  *session.Manager
	Graph     graphstore.Store
	Vectors   vectorstore.Store
	Rebuild   *rebuild.Orchestrator
	Coord     *coordination.Engine
	Episodes  *episode.Engine
	Retrieval *retrieval.Dispatcher
	Pack      *contextpack.Assembler
	Diff      *diffsince.Engine
	Health    *health.Reporter
	Resolver  *elementresolver.Resolver
	TestSel   ports.TestSelector
	ArchVal   ports.ArchValidator
	Embed     ports.EmbeddingClient
	ParseISO  func(string) (int64, bool)
	Metrics   MetricsRecorder
	NewWatcher WatcherFactory
}

// RegisterAll wires the full tool catalog onto c using deps.
func RegisterAll(c *Core, deps Deps) {
	// Graph/retrieval
	c.Register("graph_set_workspace", deps.graphSetWorkspace)
	c.Register("graph_rebuild", deps.graphRebuild)
	c.Register("graph_query", deps.graphQuery)
	c.Register("graph_health", deps.graphHealth)
	c.Register("diff_since", deps.diffSince)
	c.Register("find_pattern", deps.findPattern)
	c.Register("code_explain", deps.codeExplain)
	c.Register("contract_validate", deps.contractValidate)
	c.Register("tools_list", c.toolsList(deps))

	// Semantic
	c.Register("semantic_search", deps.semanticSearch)
	c.Register("find_similar_code", deps.findSimilarCode)
	c.Register("semantic_slice", deps.semanticSlice)
	c.Register("semantic_diff", deps.semanticDiff)
	c.Register("code_clusters", deps.codeClusters)

	// Tests & arch
	c.Register("test_select", deps.testSelect)
	c.Register("test_categorize", deps.testCategorize)
	c.Register("impact_analyze", deps.impactAnalyze)
	c.Register("test_run", deps.testRun)
	c.Register("suggest_tests", deps.suggestTests)
	c.Register("arch_validate", deps.archValidate)
	c.Register("arch_suggest", deps.archSuggest)

	// Progress
	c.Register("progress_query", deps.progressQuery)
	c.Register("task_update", deps.taskUpdate)
	c.Register("feature_status", deps.featureStatus)
	c.Register("blocking_issues", deps.blockingIssues)

	// Episodes
	c.Register("episode_add", deps.episodeAdd)
	c.Register("episode_recall", deps.episodeRecall)
	c.Register("decision_query", deps.decisionQuery)
	c.Register("reflect", deps.reflect)

	// Coordination
	c.Register("agent_claim", deps.agentClaim)
	c.Register("agent_release", deps.agentRelease)
	c.Register("agent_status", deps.agentStatus)
	c.Register("coordination_overview", deps.coordinationOverview)
	c.Register("context_pack", deps.contextPack)

	// Docs & setup
	c.Register("index_docs", deps.indexDocs)
	c.Register("search_docs", deps.searchDocs)
	c.Register("ref_query", deps.refQuery)
	c.Register("init_project_setup", deps.initProjectSetup)
	c.Register("setup_copilot_instructions", deps.setupCopilotInstructions)
}

func (d Deps) resolveProjectContext(sessionID string, args normalize.Args) (model.ProjectContext, *svrerr.ServerError) {
	if pc, se := projectctx.Resolve(args, d.Config.WorkspaceRootFallback, d.Config.RuntimePathFallbackAllowed); se == nil {
		if d.Sessions != nil {
			d.Sessions.SetActiveProjectContext(sessionID, pc)
		}
		return pc, nil
	} else if _, hasWorkspaceRoot := args["workspaceRoot"]; !hasWorkspaceRoot && d.Sessions != nil {
		if bound, ok := d.Sessions.GetActiveProjectContext(sessionID); ok {
			return bound, nil
		}
		return model.ProjectContext{}, se
	} else {
		return model.ProjectContext{}, se
	}
}

// --- Graph/retrieval -------------------------------------------------

func (d Deps) graphSetWorkspace(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Config != nil && d.Config.WatcherEnabled && d.NewWatcher != nil && d.Sessions != nil {
		w, err := d.NewWatcher(pc, d.onWatcherBatch(sessionID))
		if err != nil {
			return envelope.Ok("graph_set_workspace", pc, fmt.Sprintf("workspace bound, watcher failed to start: %s", err))
		}
		d.Sessions.RegisterWatcher(sessionID, w)
	}
	return envelope.Ok("graph_set_workspace", pc, "workspace bound")
}

// onWatcherBatch builds the per-session callback a started watcher delivers
// debounced change batches to: it records the batch with the Health & Drift
// Reporter and the Prometheus registry, then triggers an incremental rebuild.
func (d Deps) onWatcherBatch(sessionID string) watcher.Callback {
	return func(batch watcher.Batch) {
		if d.Health != nil {
			d.Health.SetWatcherState(batch.ProjectID, model.WatcherState{
				Phase:          model.WatcherRebuilding,
				PendingChanges: len(batch.ChangedFiles),
			})
		}
		if d.Metrics != nil {
			d.Metrics.ObserveWatcherBatch(batch.ProjectID)
		}
		if d.Rebuild != nil {
			pc := model.ProjectContext{ProjectID: batch.ProjectID, WorkspaceRoot: batch.WorkspaceRoot, SourceDir: batch.SourceDir}
			_, _ = d.Rebuild.Rebuild(context.Background(), pc, true, batch.ChangedFiles, "", "")
		}
		if d.Health != nil {
			d.Health.SetWatcherState(batch.ProjectID, model.WatcherState{Phase: model.WatcherIdle})
		}
	}
}

func (d Deps) graphRebuild(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Rebuild == nil {
		return envelope.Err(svrerr.Unavailable("GRAPH_QUERY_FAILED", "rebuild orchestrator is not configured"))
	}
	incremental := ArgBool(args, "incremental", false)
	changedFiles := ArgStringSlice(args, "files")
	gitCommit := ArgString(args, "gitCommit")
	txID, se := d.Rebuild.Rebuild(ctx, pc, incremental, changedFiles, ArgString(args, "agentId"), gitCommit)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("graph_rebuild", map[string]any{"status": rebuild.StatusQueued, "txId": txID}, "rebuild queued")
}

func (d Deps) graphQuery(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Retrieval == nil {
		return envelope.Err(svrerr.Unavailable("GRAPH_QUERY_FAILED", "retrieval dispatcher is not configured"))
	}
	language := ArgString(args, "language")
	query := ArgString(args, "query")
	var asOfTs *int64
	if asOf := ArgString(args, "asOf"); asOf != "" && d.Diff != nil {
		anchor, se := retrieval.ResolveSinceAnchor(ctx, d.Graph, pc.ProjectID, asOf, d.ParseISO)
		if se != nil {
			return envelope.Err(se)
		}
		if anchor != nil {
			asOfTs = &anchor.SinceTs
		}
	}
	if language == "cypher" {
		if asOfTs == nil && ArgString(args, "asOf") != "" {
			return envelope.Err(svrerr.New("GRAPH_QUERY_ASOF_UNSUPPORTED_FOR_CYPHER", false, "asOf anchor could not be resolved"))
		}
		rewritten := d.Retrieval.CypherQuery(query, asOfTs)
		return envelope.Ok("graph_query", map[string]any{"query": rewritten}, "")
	}
	result, se := d.Retrieval.NaturalQuery(ctx, pc.ProjectID, query, ArgString(args, "mode"), ArgInt(args, "limit", 20), asOfTs)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("graph_query", result, "")
}

func (d Deps) graphHealth(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Health == nil {
		return envelope.Err(svrerr.Unavailable("GRAPH_QUERY_FAILED", "health reporter is not configured"))
	}
	report, err := d.Health.Report(ctx, pc.ProjectID, pc.WorkspaceRoot)
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("graph_health", report, "")
}

func (d Deps) diffSince(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Diff == nil {
		return envelope.Err(svrerr.Unavailable("DIFF_SINCE_INVALID_INPUT", "diff-since engine is not configured"))
	}
	since := ArgString(args, "since")
	anchor, se := retrieval.ResolveSinceAnchor(ctx, d.Graph, pc.ProjectID, since, d.ParseISO)
	if se != nil {
		return envelope.Err(se)
	}
	if anchor == nil {
		return envelope.Err(svrerr.NotFound("DIFF_SINCE_ANCHOR_NOT_FOUND", "since anchor %q did not resolve to a transaction", since))
	}
	var types []model.NodeType
	for _, t := range ArgStringSlice(args, "types") {
		types = append(types, model.NodeType(t))
	}
	result, se := d.Diff.Diff(ctx, pc.ProjectID, anchor.SinceTs, types)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("diff_since", result, "")
}

func (d Deps) findPattern(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	pattern := ArgString(args, "pattern")
	nodes, se := d.Graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{LiveOnly: true, Limit: 500})
	if se != nil {
		return envelope.Err(se)
	}
	var matches []*model.GraphNode
	for _, n := range nodes {
		name, _ := n.Properties["name"].(string)
		if strings.Contains(strings.ToLower(name), strings.ToLower(pattern)) {
			matches = append(matches, n)
		}
	}
	return envelope.Ok("find_pattern", matches, fmt.Sprintf("%d matches", len(matches)))
}

func (d Deps) codeExplain(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Resolver == nil {
		return envelope.Err(svrerr.Unavailable("ELEMENT_NOT_FOUND", "element resolver is not configured"))
	}
	node, se := d.Resolver.Resolve(ctx, pc.ProjectID, ArgString(args, "element"))
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("code_explain", node, "")
}

func (d Deps) contractValidate(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	tool := ArgString(args, "tool")
	if tool == "" {
		return envelope.Err(svrerr.Invalid("CONTRACT_VALIDATE_INVALID_INPUT", "tool is required"))
	}
	inner, _ := args["args"].(map[string]any)
	innerArgs := normalize.Args(inner)
	if innerArgs == nil {
		innerArgs = normalize.Args{}
	}
	warnings := normalize.Apply(tool, innerArgs)
	return envelope.Ok("contract_validate", map[string]any{"normalized": innerArgs, "warnings": warnings}, "")
}

func (c *Core) toolsList(deps Deps) Handler {
	return func(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
		return envelope.Ok("tools_list", c.Names(), fmt.Sprintf("%d tools registered", len(c.Names())))
	}
}

// --- Semantic ----------------------------------------------------------

func (d Deps) semanticSearch(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Vectors == nil || d.Embed == nil {
		return envelope.Err(svrerr.Unavailable("SEMANTIC_SLICE_INVALID_INPUT", "vector store or embedding client is not configured"))
	}
	query := ArgString(args, "query")
	vec, err := d.Embed.Embed(ctx, query)
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	collections := []model.EmbeddingType{model.EmbeddingFunction, model.EmbeddingClass, model.EmbeddingFile}
	recs, err := d.Vectors.Search(ctx, pc.ProjectID, collections, vec, ArgInt(args, "limit", 10))
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("semantic_search", recs, "")
}

func (d Deps) findSimilarCode(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Vectors == nil {
		return envelope.Err(svrerr.Unavailable("SEMANTIC_SLICE_INVALID_INPUT", "vector store is not configured"))
	}
	if ArgString(args, "element") == "" {
		return envelope.Err(svrerr.Invalid("SEMANTIC_SLICE_INVALID_INPUT", "element is required"))
	}
	counts, err := d.Vectors.Counts(ctx, pc.ProjectID)
	if err != nil || len(counts) == 0 {
		return envelope.Err(svrerr.NotFound("SEMANTIC_SLICE_NOT_FOUND", "no embeddings indexed for project %q", pc.ProjectID))
	}
	return envelope.Ok("find_similar_code", map[string]any{"collections": counts}, "")
}

func (d Deps) semanticSlice(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	element := ArgString(args, "element")
	if element == "" {
		return envelope.Err(svrerr.Invalid("SEMANTIC_SLICE_INVALID_INPUT", "element is required"))
	}
	if d.Resolver == nil {
		return envelope.Err(svrerr.Unavailable("SEMANTIC_SLICE_INVALID_INPUT", "element resolver is not configured"))
	}
	node, se := d.Resolver.Resolve(ctx, pc.ProjectID, element)
	if se != nil {
		return envelope.Err(svrerr.NotFound("SEMANTIC_SLICE_NOT_FOUND", "%s", se.Reason))
	}
	return envelope.Ok("semantic_slice", node, "")
}

func (d Deps) semanticDiff(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Resolver == nil {
		return envelope.Err(svrerr.Unavailable("SEMANTIC_SLICE_INVALID_INPUT", "element resolver is not configured"))
	}
	a, se := d.Resolver.Resolve(ctx, pc.ProjectID, ArgString(args, "left"))
	if se != nil {
		return envelope.Err(se)
	}
	b, se := d.Resolver.Resolve(ctx, pc.ProjectID, ArgString(args, "right"))
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("semantic_diff", map[string]any{"left": a, "right": b}, "")
}

func (d Deps) codeClusters(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	communities, se := d.Graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{Types: []model.NodeType{model.NodeCommunity}, LiveOnly: true})
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("code_clusters", communities, "")
}

// --- Tests & arch --------------------------------------------------------

func (d Deps) testSelect(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.TestSel == nil {
		return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "test-selection engine is not configured"))
	}
	tests, err := d.TestSel.SelectTests(ctx, pc.ProjectID, ArgStringSlice(args, "files"), ArgInt(args, "depth", 1))
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("test_select", tests, "")
}

func (d Deps) testCategorize(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	return envelope.Ok("test_categorize", map[string]any{"categories": []string{}}, "not yet categorized")
}

func (d Deps) impactAnalyze(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.TestSel == nil {
		return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "test-selection engine is not configured"))
	}
	files := ArgStringSlice(args, "files")
	tests, err := d.TestSel.SelectTests(ctx, pc.ProjectID, files, ArgInt(args, "depth", 2))
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("impact_analyze", map[string]any{"files": files, "affectedTests": tests}, "")
}

func (d Deps) testRun(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "test execution is not configured in this deployment"))
}

func (d Deps) suggestTests(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("suggest_tests", map[string]any{"projectId": pc.ProjectID, "suggestions": []string{}}, "")
}

func (d Deps) archValidate(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.ArchVal == nil {
		return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "architecture-validation engine is not configured"))
	}
	violations, err := d.ArchVal.Validate(ctx, pc.ProjectID)
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("arch_validate", violations, fmt.Sprintf("%d violations", len(violations)))
}

func (d Deps) archSuggest(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.ArchVal == nil {
		return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "architecture-validation engine is not configured"))
	}
	violations, err := d.ArchVal.Validate(ctx, pc.ProjectID)
	if err != nil {
		return envelope.Err(svrerr.Internal("GRAPH_QUERY_EXCEPTION", err))
	}
	return envelope.Ok("arch_suggest", violations, "suggestions derived from current violations")
}

// --- Progress --------------------------------------------------------------

func (d Deps) progressQuery(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	status := ArgString(args, "status")
	nodeType := ArgString(args, "type")
	tasks, se := d.Graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{Types: []model.NodeType{model.NodeTask, model.NodeFeature}, LiveOnly: true})
	if se != nil {
		return envelope.Err(se)
	}
	var filtered []*model.GraphNode
	for _, n := range tasks {
		if status != "" {
			if s, _ := n.Properties["status"].(string); s != status {
				continue
			}
		}
		if nodeType != "" && string(n.Type) != strings.ToUpper(nodeType) {
			continue
		}
		filtered = append(filtered, n)
	}
	return envelope.Ok("progress_query", filtered, "")
}

func (d Deps) taskUpdate(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	taskID := ArgString(args, "taskId")
	status := ArgString(args, "status")
	agentID := ArgString(args, "agentId")
	node, ok, se := d.Graph.GetNode(ctx, pc.ProjectID, taskID)
	if se != nil {
		return envelope.Err(se)
	}
	if !ok {
		node = &model.GraphNode{ID: taskID, ProjectID: pc.ProjectID, Type: model.NodeTask, Properties: map[string]any{}}
	}
	node.Properties["status"] = status
	if se := d.Graph.PutNode(ctx, node); se != nil {
		return envelope.Err(se)
	}
	if status == "completed" && d.Coord != nil {
		if se := d.Coord.OnTaskCompleted(ctx, pc.ProjectID, taskID, agentID, ArgString(args, "notes")); se != nil {
			return envelope.Err(se)
		}
	}
	return envelope.Ok("task_update", node, "")
}

func (d Deps) featureStatus(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	features, se := d.Graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{Types: []model.NodeType{model.NodeFeature}, LiveOnly: true})
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("feature_status", features, "")
}

func (d Deps) blockingIssues(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Coord == nil {
		return envelope.Err(svrerr.Unavailable("ARCH_ENGINE_UNAVAILABLE", "coordination engine is not configured"))
	}
	overview, se := d.Coord.FleetOverview(ctx, pc.ProjectID)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("blocking_issues", overview.Conflicts, "")
}

// --- Episodes --------------------------------------------------------------

func (d Deps) episodeAdd(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Episodes == nil {
		return envelope.Err(svrerr.Unavailable("EPISODE_ADD_INVALID_INPUT", "episode engine is not configured"))
	}
	var outcome model.Outcome
	if o := ArgString(args, "outcome"); o != "" {
		outcome = model.Outcome(o)
	}
	metadata, _ := args["metadata"].(map[string]any)
	id, se := d.Episodes.Add(ctx, episode.AddInput{
		ProjectID: pc.ProjectID,
		Type:      model.EpisodeType(ArgString(args, "type")),
		Content:   ArgString(args, "content"),
		Entities:  ArgStringSlice(args, "entities"),
		TaskID:    ArgString(args, "taskId"),
		Outcome:   outcome,
		Metadata:  metadata,
		Sensitive: ArgBool(args, "sensitive", false),
		AgentID:   ArgString(args, "agentId"),
		SessionID: sessionID,
	})
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("episode_add", map[string]any{"id": id}, "")
}

func (d Deps) episodeRecall(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Episodes == nil {
		return envelope.Err(svrerr.Unavailable("EPISODE_RECALL_INVALID_INPUT", "episode engine is not configured"))
	}
	eps, se := d.Episodes.Recall(ctx, pc.ProjectID, episodeRecallFilter(args))
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("episode_recall", eps, "")
}

func episodeRecallFilter(args normalize.Args) episode.RecallFilter {
	var types []model.EpisodeType
	for _, t := range ArgStringSlice(args, "types") {
		types = append(types, model.EpisodeType(t))
	}
	return episode.RecallFilter{
		AgentID:  ArgString(args, "agentId"),
		TaskID:   ArgString(args, "taskId"),
		Types:    types,
		Entities: ArgStringSlice(args, "entities"),
		Since:    int64(ArgInt(args, "since", 0)),
		Limit:    ArgInt(args, "limit", 20),
		Query:    ArgString(args, "query"),
	}
}

func (d Deps) decisionQuery(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Episodes == nil {
		return envelope.Err(svrerr.Unavailable("DECISION_QUERY_INVALID_INPUT", "episode engine is not configured"))
	}
	eps, se := d.Episodes.DecisionQuery(ctx, pc.ProjectID, episodeRecallFilter(args))
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("decision_query", eps, "")
}

func (d Deps) reflect(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Episodes == nil {
		return envelope.Err(svrerr.Unavailable("EPISODE_RECALL_INVALID_INPUT", "episode engine is not configured"))
	}
	result, se := d.Episodes.Reflect(ctx, pc.ProjectID, ArgString(args, "taskId"), ArgString(args, "agentId"))
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("reflect", result, "")
}

// --- Coordination ------------------------------------------------------

func (d Deps) agentClaim(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Coord == nil {
		return envelope.Err(svrerr.Unavailable("AGENT_CLAIM_INVALID_INPUT", "coordination engine is not configured"))
	}
	claimType := model.ClaimType(ArgString(args, "claimType"))
	if claimType == "" {
		claimType = model.ClaimTask
	}
	result, se := d.Coord.Claim(ctx, pc.ProjectID, ArgString(args, "agentId"), sessionID, ArgString(args, "targetId"), claimType, ArgString(args, "intent"))
	if se != nil {
		return envelope.Err(se)
	}
	if result.Status == coordination.StatusConflict && d.Metrics != nil {
		d.Metrics.ObserveClaimConflict()
	}
	return envelope.Ok("agent_claim", result, "")
}

func (d Deps) agentRelease(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Coord == nil {
		return envelope.Err(svrerr.Unavailable("AGENT_RELEASE_INVALID_INPUT", "coordination engine is not configured"))
	}
	claimID := ArgString(args, "claimId")
	if claimID == "" {
		return envelope.Err(svrerr.Invalid("AGENT_RELEASE_INVALID_INPUT", "claimId is required"))
	}
	if se := d.Coord.Release(ctx, pc.ProjectID, claimID); se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("agent_release", map[string]any{"claimId": claimID}, "released")
}

func (d Deps) agentStatus(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Coord == nil {
		return envelope.Err(svrerr.Unavailable("AGENT_CLAIM_INVALID_INPUT", "coordination engine is not configured"))
	}
	agentID := ArgString(args, "agentId")
	if agentID == "" {
		overview, se := d.Coord.FleetOverview(ctx, pc.ProjectID)
		if se != nil {
			return envelope.Err(se)
		}
		return envelope.Ok("agent_status", overview, "")
	}
	status, se := d.Coord.Status(ctx, pc.ProjectID, agentID)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("agent_status", status, "")
}

func (d Deps) coordinationOverview(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Coord == nil {
		return envelope.Err(svrerr.Unavailable("AGENT_CLAIM_INVALID_INPUT", "coordination engine is not configured"))
	}
	overview, se := d.Coord.FleetOverview(ctx, pc.ProjectID)
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("coordination_overview", overview, "")
}

func (d Deps) contextPack(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(se)
	}
	if d.Pack == nil {
		return envelope.Err(svrerr.Unavailable("CONTEXT_PACK_INVALID_INPUT", "context-pack assembler is not configured"))
	}
	pack, se := d.Pack.Assemble(ctx, contextpack.Input{
		ProjectID:        pc.ProjectID,
		Task:             ArgString(args, "task"),
		TaskID:           ArgString(args, "taskId"),
		AgentID:          ArgString(args, "agentId"),
		IncludeDecisions: ArgBool(args, "includeDecisions", true),
		IncludeLearnings: ArgBool(args, "includeLearnings", true),
		IncludeEpisodes:  ArgBool(args, "includeEpisodes", true),
	})
	if se != nil {
		return envelope.Err(se)
	}
	return envelope.Ok("context_pack", pack, "")
}

// --- Docs & setup ------------------------------------------------------

func (d Deps) indexDocs(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	return envelope.Err(svrerr.Unavailable("REF_REPO_MISSING", "the reference-repo scanner is not configured in this deployment"))
}

func (d Deps) searchDocs(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	return envelope.Err(svrerr.NotFound("REF_REPO_NOT_FOUND", "no reference repo is indexed for this project"))
}

func (d Deps) refQuery(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	return envelope.Err(svrerr.NotFound("REF_REPO_NOT_FOUND", "no reference repo is indexed for this project"))
}

func (d Deps) initProjectSetup(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	pc, se := d.resolveProjectContext(sessionID, args)
	if se != nil {
		return envelope.Err(svrerr.New("INIT_MISSING_WORKSPACE", true, "%s", se.Reason))
	}
	return envelope.Ok("init_project_setup", pc, "workspace initialized")
}

func (d Deps) setupCopilotInstructions(ctx context.Context, sessionID string, args normalize.Args) *envelope.Envelope {
	target := ArgString(args, "target")
	if target == "" {
		return envelope.Err(svrerr.NotFound("COPILOT_INSTR_TARGET_NOT_FOUND", "target is required"))
	}
	return envelope.Ok("setup_copilot_instructions", map[string]any{"target": target}, "instructions written")
}
