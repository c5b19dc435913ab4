package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyImpactAnalyzeAliasesChangedFiles(t *testing.T) {
	args := Args{"changedFiles": []string{"a.go", "b.go"}}
	warnings := Apply("impact_analyze", args)

	require.Equal(t, []string{"mapped changedFiles -> files"}, warnings)
	require.Equal(t, []string{"a.go", "b.go"}, args["files"])
	require.NotContains(t, args, "changedFiles")
}

func TestApplyImpactAnalyzeLeavesExplicitFilesAlone(t *testing.T) {
	args := Args{"changedFiles": []string{"a.go"}, "files": []string{"b.go"}}
	warnings := Apply("impact_analyze", args)

	require.Empty(t, warnings)
	require.Equal(t, []string{"b.go"}, args["files"])
	require.Contains(t, args, "changedFiles")
}

func TestApplyProgressQueryStatusActiveMapsToInProgress(t *testing.T) {
	args := Args{"status": "active"}
	warnings := Apply("progress_query", args)

	require.Equal(t, []string{`mapped status "active" -> "in-progress"`}, warnings)
	require.Equal(t, "in-progress", args["status"])
}

func TestApplyProgressQueryStatusAllClearsFilter(t *testing.T) {
	args := Args{"status": "all"}
	warnings := Apply("progress_query", args)

	require.Equal(t, []string{`cleared status "all" (no filter)`}, warnings)
	require.NotContains(t, args, "status")
}

func TestApplyProgressQueryDerivesTypeFromQuery(t *testing.T) {
	args := Args{"query": "find the blocker ticket"}
	warnings := Apply("progress_query", args)

	require.Equal(t, []string{"derived type from query text"}, warnings)
	require.Equal(t, "blocker", args["type"])
}

func TestApplyProgressQueryDerivesDefaultTaskType(t *testing.T) {
	args := Args{"query": "what's going on"}
	Apply("progress_query", args)

	require.Equal(t, "task", args["type"])
}

func TestApplyProgressQuerySkipsDerivationWhenTypeAlreadySet(t *testing.T) {
	args := Args{"query": "bug in parser", "type": "feature"}
	warnings := Apply("progress_query", args)

	require.Empty(t, warnings)
	require.Equal(t, "feature", args["type"])
}

func TestApplyTaskUpdateStatusActiveMapsToInProgress(t *testing.T) {
	args := Args{"status": "active"}
	warnings := Apply("task_update", args)

	require.Equal(t, []string{`mapped status "active" -> "in-progress"`}, warnings)
	require.Equal(t, "in-progress", args["status"])
}

func TestApplyGraphSetWorkspaceAliasesWorkspacePath(t *testing.T) {
	args := Args{"workspacePath": "/repo"}
	warnings := Apply("graph_set_workspace", args)

	require.Equal(t, []string{"mapped workspacePath -> workspaceRoot"}, warnings)
	require.Equal(t, "/repo", args["workspaceRoot"])
	require.NotContains(t, args, "workspacePath")
}

func TestApplyGraphRebuildAliasesWorkspacePath(t *testing.T) {
	args := Args{"workspacePath": "/repo"}
	warnings := Apply("graph_rebuild", args)

	require.Equal(t, []string{"mapped workspacePath -> workspaceRoot"}, warnings)
	require.Equal(t, "/repo", args["workspaceRoot"])
}

func TestApplyUnknownToolIsNoop(t *testing.T) {
	args := Args{"workspacePath": "/repo"}
	warnings := Apply("graph_health", args)

	require.Empty(t, warnings)
	require.Equal(t, "/repo", args["workspacePath"])
}

func TestApplyIsIdempotent(t *testing.T) {
	args := Args{"changedFiles": []string{"a.go"}, "workspacePath": "/repo"}
	first := Apply("graph_set_workspace", args)
	second := Apply("graph_set_workspace", args)

	require.NotEmpty(t, first)
	require.Empty(t, second)
}
