// Package projectctx resolves the ProjectContext a tool call operates
// against: the session-bound context, the caller-supplied workspace
// arguments, or the runtime-path fallback when policy allows it. Shared by
// every session-scoped handler so the sandboxing rule is enforced in
// exactly one place.
package projectctx

import (
	"path/filepath"
	"strings"

	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// Resolve builds a ProjectContext from caller-supplied args (workspaceRoot,
// sourceDir, projectId), falling back to fallbackRoot when args omit
// workspaceRoot and runtimeFallbackAllowed is true. Returns
// WORKSPACE_PATH_SANDBOXED when no workspace can be resolved under policy.
func Resolve(args map[string]any, fallbackRoot string, runtimeFallbackAllowed bool) (model.ProjectContext, *svrerr.ServerError) {
	workspaceRoot, _ := args["workspaceRoot"].(string)
	sourceDir, _ := args["sourceDir"].(string)
	projectID, _ := args["projectId"].(string)

	if workspaceRoot == "" {
		if !runtimeFallbackAllowed {
			return model.ProjectContext{}, svrerr.New("WORKSPACE_PATH_SANDBOXED", true,
				"no workspaceRoot supplied and runtime path fallback is disabled")
		}
		workspaceRoot = fallbackRoot
	}
	if workspaceRoot == "" {
		return model.ProjectContext{}, svrerr.New("WORKSPACE_PATH_SANDBOXED", true, "no workspace could be resolved")
	}

	if sourceDir == "" {
		sourceDir = workspaceRoot
	} else if !filepath.IsAbs(sourceDir) {
		sourceDir = filepath.Join(workspaceRoot, sourceDir)
	}

	if !underRoot(sourceDir, workspaceRoot) && !runtimeFallbackAllowed {
		return model.ProjectContext{}, svrerr.New("WORKSPACE_PATH_SANDBOXED", true,
			"sourceDir %q does not lie under workspaceRoot %q", sourceDir, workspaceRoot)
	}

	if projectID == "" {
		projectID = filepath.Base(workspaceRoot)
	}

	return model.ProjectContext{WorkspaceRoot: workspaceRoot, SourceDir: sourceDir, ProjectID: projectID}, nil
}

func underRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
