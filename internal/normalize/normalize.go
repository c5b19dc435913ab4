// Package normalize implements the dispatch core's Normalize stage: a
// data-driven alias table of (toolName, predicate, transform, warning)
// tuples, applied once per call before the handler ever sees the
// arguments. Normalization stays pure data, not an if/else chain, grounded
// on the policy-as-data style in JeffreyRichter-MCP/svrcore/policies (a
// slice of named steps run in order over a request).
package normalize

import "strings"

// Args is the loosely-typed argument bag every tool handler receives after
// normalization.
type Args map[string]any

// Rule is one normalization tuple: if Predicate(args) is true, Transform is
// applied and Warning is appended to the caller's warning list.
type Rule struct {
	Tool      string
	Predicate func(Args) bool
	Transform func(Args)
	Warning   string
}

func hasKey(a Args, k string) bool {
	_, ok := a[k]
	return ok
}

func stringField(a Args, k string) (string, bool) {
	v, ok := a[k]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Table is the canonical alias table every tool call is normalized against.
var Table = []Rule{
	{
		Tool:      "impact_analyze",
		Predicate: func(a Args) bool { return hasKey(a, "changedFiles") && !hasKey(a, "files") },
		Transform: func(a Args) {
			a["files"] = a["changedFiles"]
			delete(a, "changedFiles")
		},
		Warning: "mapped changedFiles -> files",
	},
	{
		Tool: "progress_query",
		Predicate: func(a Args) bool {
			s, ok := stringField(a, "status")
			return ok && s == "active"
		},
		Transform: func(a Args) { a["status"] = "in-progress" },
		Warning:   `mapped status "active" -> "in-progress"`,
	},
	{
		Tool: "progress_query",
		Predicate: func(a Args) bool {
			s, ok := stringField(a, "status")
			return ok && s == "all"
		},
		Transform: func(a Args) { delete(a, "status") },
		Warning:   `cleared status "all" (no filter)`,
	},
	{
		Tool: "progress_query",
		Predicate: func(a Args) bool {
			_, hasType := a["type"]
			q, hasQuery := stringField(a, "query")
			return !hasType && hasQuery && q != ""
		},
		Transform: func(a Args) { a["type"] = deriveTypeFromQuery(a["query"].(string)) },
		Warning:   "derived type from query text",
	},
	{
		Tool: "task_update",
		Predicate: func(a Args) bool {
			s, ok := stringField(a, "status")
			return ok && s == "active"
		},
		Transform: func(a Args) { a["status"] = "in-progress" },
		Warning:   `mapped status "active" -> "in-progress"`,
	},
	{
		Tool:      "graph_set_workspace",
		Predicate: func(a Args) bool { return hasKey(a, "workspacePath") && !hasKey(a, "workspaceRoot") },
		Transform: func(a Args) {
			a["workspaceRoot"] = a["workspacePath"]
			delete(a, "workspacePath")
		},
		Warning: "mapped workspacePath -> workspaceRoot",
	},
	{
		Tool:      "graph_rebuild",
		Predicate: func(a Args) bool { return hasKey(a, "workspacePath") && !hasKey(a, "workspaceRoot") },
		Transform: func(a Args) {
			a["workspaceRoot"] = a["workspacePath"]
			delete(a, "workspacePath")
		},
		Warning: "mapped workspacePath -> workspaceRoot",
	},
}

// taskKeywords is the fixed vocabulary used to derive a progress_query type
// from free-text when the caller omitted it.
var taskKeywords = map[string]string{
	"bug":     "bug",
	"feature": "feature",
	"test":    "test",
	"blocker": "blocker",
}

func deriveTypeFromQuery(query string) string {
	lower := strings.ToLower(query)
	for kw, t := range taskKeywords {
		if strings.Contains(lower, kw) {
			return t
		}
	}
	return "task"
}

// Apply runs every rule matching toolName against args in place and returns
// the accumulated warnings. Applying Apply twice over its own output is a
// no-op: each rule's Predicate checks for the pre-transform shape, so a
// second pass finds nothing left to rewrite.
func Apply(toolName string, args Args) []string {
	var warnings []string
	for _, rule := range Table {
		if rule.Tool != toolName {
			continue
		}
		if rule.Predicate(args) {
			rule.Transform(args)
			warnings = append(warnings, rule.Warning)
		}
	}
	return warnings
}
