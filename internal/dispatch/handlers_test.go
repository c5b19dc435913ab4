package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/config"
	"github.com/graphmcp/server/internal/coordination"
	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/health"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/normalize"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/rebuild"
	"github.com/graphmcp/server/internal/session"
	"github.com/graphmcp/server/internal/vectorstore"
	"github.com/graphmcp/server/internal/watcher"
)

type fakeSessionWatcher struct{ stopped bool }

func (f *fakeSessionWatcher) Stop() error {
	f.stopped = true
	return nil
}

func TestGraphSetWorkspaceStartsWatcherWhenEnabled(t *testing.T) {
	sessions := session.New(slog.Default())
	var gotPC model.ProjectContext
	d := Deps{
		Config:   &config.Config{WatcherEnabled: true, RuntimePathFallbackAllowed: true},
		Sessions: sessions,
		NewWatcher: func(pc model.ProjectContext, cb watcher.Callback) (session.Watcher, error) {
			gotPC = pc
			return &fakeSessionWatcher{}, nil
		},
	}

	env := d.graphSetWorkspace(context.Background(), "sess-1", normalize.Args{"workspaceRoot": "/repo", "projectId": "proj"})

	require.True(t, env.OK)
	require.True(t, sessions.HasWatcher("sess-1"))
	require.Equal(t, "proj", gotPC.ProjectID)
}

func TestGraphSetWorkspaceSkipsWatcherWhenDisabled(t *testing.T) {
	sessions := session.New(slog.Default())
	called := false
	d := Deps{
		Config:   &config.Config{WatcherEnabled: false, RuntimePathFallbackAllowed: true},
		Sessions: sessions,
		NewWatcher: func(pc model.ProjectContext, cb watcher.Callback) (session.Watcher, error) {
			called = true
			return &fakeSessionWatcher{}, nil
		},
	}

	env := d.graphSetWorkspace(context.Background(), "sess-1", normalize.Args{"workspaceRoot": "/repo", "projectId": "proj"})

	require.True(t, env.OK)
	require.False(t, called)
	require.False(t, sessions.HasWatcher("sess-1"))
}

func TestGraphSetWorkspaceSurvivesWatcherStartFailure(t *testing.T) {
	sessions := session.New(slog.Default())
	d := Deps{
		Config:   &config.Config{WatcherEnabled: true, RuntimePathFallbackAllowed: true},
		Sessions: sessions,
		NewWatcher: func(pc model.ProjectContext, cb watcher.Callback) (session.Watcher, error) {
			return nil, errors.New("watch failed")
		},
	}

	env := d.graphSetWorkspace(context.Background(), "sess-1", normalize.Args{"workspaceRoot": "/repo", "projectId": "proj"})

	require.True(t, env.OK)
	require.False(t, sessions.HasWatcher("sess-1"))
}

type fakeDispatchMetrics struct {
	claimConflicts int
	watcherBatches []string
}

func (f *fakeDispatchMetrics) ObserveClaimConflict() {
	f.claimConflicts++
}

func (f *fakeDispatchMetrics) ObserveWatcherBatch(projectID string) {
	f.watcherBatches = append(f.watcherBatches, projectID)
}

// handlerFakeBuildEngine signals each Rebuild call on done, mirroring the
// rebuild package's own test fake since _test.go files can't be imported
// across packages.
type handlerFakeBuildEngine struct {
	done chan []string
}

func (f *handlerFakeBuildEngine) Rebuild(ctx context.Context, projectID, sourceDir string, changedFiles []string, excludeDirs []string, incremental bool) error {
	f.done <- changedFiles
	return nil
}

func TestOnWatcherBatchRecordsHealthMetricsAndTriggersRebuild(t *testing.T) {
	graph := graphstore.NewMemory()
	vectors := vectorstore.NewMemory()
	build := &handlerFakeBuildEngine{done: make(chan []string, 1)}
	builds := rebuild.New(graph, vectors, build, nil, nil, nil, ports.SystemClock{}, nil)
	reporter := health.New(graph, vectors, builds)
	metrics := &fakeDispatchMetrics{}

	d := Deps{Health: reporter, Metrics: metrics, Rebuild: builds}

	d.onWatcherBatch("sess-1")(watcher.Batch{
		ProjectID:     "proj",
		WorkspaceRoot: "/repo",
		SourceDir:     "/repo/src",
		ChangedFiles:  []string{"a.go", "b.go"},
	})

	select {
	case changed := <-build.done:
		require.Equal(t, []string{"a.go", "b.go"}, changed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watcher-triggered rebuild")
	}

	require.Equal(t, []string{"proj"}, metrics.watcherBatches)

	report, err := reporter.Report(context.Background(), "proj", "/repo")
	require.NoError(t, err)
	require.Equal(t, model.WatcherIdle, report.WatcherState.Phase)
}

func TestAgentClaimObservesConflictMetric(t *testing.T) {
	graph := graphstore.NewMemory()
	episodes := episode.New(graph, nil, ports.SystemClock{})
	coord := coordination.New(graph, episodes, ports.SystemClock{})
	metrics := &fakeDispatchMetrics{}
	d := Deps{
		Config:   &config.Config{RuntimePathFallbackAllowed: true},
		Coord:    coord,
		Metrics:  metrics,
		Sessions: session.New(slog.Default()),
	}

	first := d.agentClaim(context.Background(), "sess-1", normalize.Args{
		"workspaceRoot": "/repo", "projectId": "proj",
		"agentId": "agent-1", "targetId": "fn-1", "intent": "editing",
	})
	require.True(t, first.OK)
	require.Equal(t, 0, metrics.claimConflicts)

	second := d.agentClaim(context.Background(), "sess-2", normalize.Args{
		"workspaceRoot": "/repo", "projectId": "proj",
		"agentId": "agent-2", "targetId": "fn-1", "intent": "also editing",
	})
	require.True(t, second.OK)
	require.Equal(t, 1, metrics.claimConflicts)
}

func TestAgentClaimSkipsMetricsWhenUnconfigured(t *testing.T) {
	graph := graphstore.NewMemory()
	episodes := episode.New(graph, nil, ports.SystemClock{})
	coord := coordination.New(graph, episodes, ports.SystemClock{})
	d := Deps{
		Config:   &config.Config{RuntimePathFallbackAllowed: true},
		Coord:    coord,
		Sessions: session.New(slog.Default()),
	}

	env := d.agentClaim(context.Background(), "sess-1", normalize.Args{
		"workspaceRoot": "/repo", "projectId": "proj",
		"agentId": "agent-1", "targetId": "fn-1", "intent": "editing",
	})

	require.True(t, env.OK)
}
