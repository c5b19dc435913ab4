// Package retrieval implements the Hybrid Retrieval Dispatcher and the
// Temporal Query Rewriter. Grounded on the
// stage-pipeline idiom in JeffreyRichter-MCP/internal/stages/stages.go: the
// dispatcher is a small ordered sequence of steps (mode selection, external
// call, temporal filter) rather than a monolithic function.
package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/svrerr"
)

// Mode values for graph_query's natural-language dispatch.
const (
	ModeLocal  = "local"
	ModeGlobal = "global"
	ModeHybrid = "hybrid"
)

func coerceMode(m string) string {
	switch m {
	case ModeLocal, ModeGlobal, ModeHybrid:
		return m
	default:
		return ModeLocal
	}
}

// communityLabelVocabulary is the fixed label vocabulary the dispatcher's
// global mode matches labelHints against.
var communityLabelVocabulary = map[string]bool{
	"auth": true, "billing": true, "storage": true, "api": true,
	"frontend": true, "backend": true, "infra": true, "testing": true,
}

// Dispatcher implements graph_query.
type Dispatcher struct {
	graph     graphstore.Store
	retriever ports.HybridRetriever
}

// New constructs a Dispatcher.
func New(graph graphstore.Store, retriever ports.HybridRetriever) *Dispatcher {
	return &Dispatcher{graph: graph, retriever: retriever}
}

// NaturalQuery dispatches a natural-language graph_query call.
func (d *Dispatcher) NaturalQuery(ctx context.Context, projectID, query, mode string, limit int, asOfTs *int64) (any, *svrerr.ServerError) {
	mode = coerceMode(mode)
	switch mode {
	case ModeGlobal:
		return d.global(ctx, projectID, query)
	case ModeHybrid:
		communities, se := d.global(ctx, projectID, query)
		if se != nil {
			return nil, se
		}
		local, se := d.local(ctx, projectID, query, limit, asOfTs)
		if se != nil {
			return nil, se
		}
		return []map[string]any{
			{"section": "global", "communities": communities},
			{"section": "local", "results": local},
		}, nil
	default:
		return d.local(ctx, projectID, query, limit, asOfTs)
	}
}

func (d *Dispatcher) local(ctx context.Context, projectID, query string, limit int, asOfTs *int64) ([]ports.RetrievalResult, *svrerr.ServerError) {
	if d.retriever == nil {
		return nil, svrerr.Unavailable("GRAPH_QUERY_FAILED", "hybrid retriever is not configured")
	}
	results, err := d.retriever.Retrieve(ctx, projectID, query, limit, "hybrid")
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_EXCEPTION", err)
	}
	if asOfTs != nil {
		filtered := results[:0:0]
		for _, r := range results {
			if r.Timestamp <= *asOfTs {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return results, nil
}

func keywordHint(query string) string {
	for _, tok := range strings.Fields(query) {
		if len(tok) >= 4 {
			return strings.ToLower(tok)
		}
	}
	return ""
}

func labelHints(query string) []string {
	var hints []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if communityLabelVocabulary[tok] {
			hints = append(hints, tok)
		}
	}
	return hints
}

func (d *Dispatcher) global(ctx context.Context, projectID, query string) ([]*model.GraphNode, *svrerr.ServerError) {
	hint := keywordHint(query)
	hints := labelHints(query)

	all, se := d.graph.ListNodes(ctx, projectID, graphstore.NodeFilter{
		Types:    []model.NodeType{model.NodeCommunity},
		LiveOnly: true,
	})
	if se != nil {
		return nil, se
	}

	matched := make([]*model.GraphNode, 0, len(all))
	for _, n := range all {
		summary, _ := n.Properties["summary"].(string)
		label, _ := n.Properties["label"].(string)
		if hint != "" && strings.Contains(strings.ToLower(summary), hint) {
			matched = append(matched, n)
			continue
		}
		for _, h := range hints {
			if strings.EqualFold(label, h) {
				matched = append(matched, n)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = all
	}
	sort.Slice(matched, func(i, j int) bool {
		return memberCount(matched[i]) > memberCount(matched[j])
	})
	return matched, nil
}

func memberCount(n *model.GraphNode) int {
	if v, ok := n.Properties["memberCount"]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
		if i, ok := v.(int); ok {
			return i
		}
	}
	return 0
}

// CypherQuery handles graph_query when language=cypher: rewrite with the
// temporal filter if asOf was supplied, otherwise pass through unchanged.
func (d *Dispatcher) CypherQuery(raw string, asOfTs *int64) string {
	if asOfTs == nil {
		return raw
	}
	return ApplyTemporalFilter(raw, *asOfTs)
}

// matchVarPattern finds "(v:Label ...)" pattern variables inside a MATCH
// segment.
var matchVarPattern = regexp.MustCompile(`\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// nextClausePattern finds the next top-level clause keyword a rewritten
// MATCH segment should insert its WHERE before.
var nextClausePattern = regexp.MustCompile(`(?i)\b(WITH|RETURN|UNWIND|CALL|MERGE)\b`)

var matchSegmentPattern = regexp.MustCompile(`(?i)((?:OPTIONAL\s+)?MATCH\s+[^\n]*?)(\s*WHERE\s+[^\n]*?)?(\n|$)`)

// ApplyTemporalFilter walks each MATCH/OPTIONAL MATCH segment of a
// Cypher-like query, extracting pattern variables and injecting a validity
// predicate per variable. It is a no-op if no segment contains a pattern
// variable.
func ApplyTemporalFilter(query string, asOfTs int64) string {
	return matchSegmentPattern.ReplaceAllStringFunc(query, func(segment string) string {
		return rewriteSegment(segment, asOfTs)
	})
}

func rewriteSegment(segment string, asOfTs int64) string {
	vars := matchVarPattern.FindAllStringSubmatch(segment, -1)
	if len(vars) == 0 {
		return segment
	}

	predicates := make([]string, 0, len(vars))
	for _, m := range vars {
		v := m[1]
		predicates = append(predicates, validityPredicate(v, asOfTs))
	}
	predicate := strings.Join(predicates, " AND ")

	if loc := regexp.MustCompile(`(?i)WHERE`).FindStringIndex(segment); loc != nil {
		return segment[:loc[1]] + " " + predicate + " AND" + segment[loc[1]:]
	}

	if loc := nextClausePattern.FindStringIndex(segment); loc != nil {
		return segment[:loc[0]] + "WHERE " + predicate + " " + segment[loc[0]:]
	}
	trimmed := strings.TrimRight(segment, "\n")
	trailer := segment[len(trimmed):]
	return trimmed + " WHERE " + predicate + trailer
}

func validityPredicate(v string, asOfTs int64) string {
	return v + ".validFrom <= $asOfTs AND (" + v + ".validTo IS NULL OR " + v + ".validTo > $asOfTs)"
}

// SinceAnchor is the resolved result of since-anchor resolution.
type SinceAnchor struct {
	SinceTs     int64
	Mode        string
	AnchorValue string
}

var (
	uuidLikePattern = regexp.MustCompile(`^(tx-[0-9]+-[0-9a-fA-F-]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)
	numericPattern  = regexp.MustCompile(`^[0-9]+$`)
	isoPattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`)
	hexCommitRegex  = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)
)

// ResolveSinceAnchor implements the since-anchor resolution order:
// (1) tx id / uuid, (2) timestamp, (3) git commit, (4) agent id.
func ResolveSinceAnchor(ctx context.Context, graph graphstore.Store, projectID, anchor string, parseISO func(string) (int64, bool)) (*SinceAnchor, *svrerr.ServerError) {
	if uuidLikePattern.MatchString(anchor) {
		if tx, ok, se := graph.FindGraphTxByID(ctx, projectID, anchor); se == nil && ok {
			return &SinceAnchor{SinceTs: tx.Timestamp, Mode: "tx", AnchorValue: anchor}, nil
		} else if se != nil {
			return nil, se
		}
	}
	if numericPattern.MatchString(anchor) {
		ts, err := strconv.ParseInt(anchor, 10, 64)
		if err == nil {
			return &SinceAnchor{SinceTs: ts, Mode: "timestamp", AnchorValue: anchor}, nil
		}
	}
	if isoPattern.MatchString(anchor) && parseISO != nil {
		if ts, ok := parseISO(anchor); ok {
			return &SinceAnchor{SinceTs: ts, Mode: "timestamp", AnchorValue: anchor}, nil
		}
	}
	if hexCommitRegex.MatchString(anchor) {
		if tx, ok, se := graph.FindGraphTxByGitCommit(ctx, projectID, anchor); se == nil && ok {
			return &SinceAnchor{SinceTs: tx.Timestamp, Mode: "gitCommit", AnchorValue: anchor}, nil
		} else if se != nil {
			return nil, se
		}
	}
	if tx, ok, se := graph.FindGraphTxByAgentID(ctx, projectID, anchor); se == nil && ok {
		return &SinceAnchor{SinceTs: tx.Timestamp, Mode: "agentId", AnchorValue: anchor}, nil
	} else if se != nil {
		return nil, se
	}
	return nil, nil
}
