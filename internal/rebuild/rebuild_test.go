package rebuild

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/vectorstore"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMS() int64 { return c.ms }

// fakeBuildEngine signals each Rebuild call on done so tests can
// deterministically wait for the background goroutine to reach it.
type fakeBuildEngine struct {
	err  error
	done chan []string
}

func (f *fakeBuildEngine) Rebuild(ctx context.Context, projectID, sourceDir string, changedFiles []string, excludeDirs []string, incremental bool) error {
	f.done <- changedFiles
	return f.err
}

func waitOn[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for background rebuild step")
		var zero T
		return zero
	}
}

func TestRebuildReturnsTxIDImmediately(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)

	txID, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, false, nil, "agent-1", "abc123")

	require.Nil(t, se)
	require.True(t, strings.HasPrefix(txID, "tx-500-"))
	waitOn(t, build.done)
}

func TestRebuildPersistsGraphTxWhenConnected(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)

	txID, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, true, []string{"a.go"}, "agent-1", "abc123")
	require.Nil(t, se)
	waitOn(t, build.done)

	diff, se := graph.ListGraphTxSince(context.Background(), "proj", 0)
	require.Nil(t, se)
	require.Len(t, diff, 1)
	require.Equal(t, txID, diff[0].ID)
	require.Equal(t, model.RebuildIncremental, diff[0].Type)
}

func TestRebuildRecordsBuildErrorOnFailure(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{err: errors.New("parse failed"), done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)

	_, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, false, nil, "agent-1", "")
	require.Nil(t, se)
	waitOn(t, build.done)

	require.Eventually(t, func() bool {
		return len(o.BuildErrors("proj")) == 1
	}, time.Second, 5*time.Millisecond)

	errs := o.BuildErrors("proj")
	require.Equal(t, "parse failed", errs[0].Error)
}

func TestBuildErrorsLedgerCapsAtTen(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{err: errors.New("boom"), done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)

	for i := 0; i < 12; i++ {
		_, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj"}, false, nil, "agent-1", "")
		require.Nil(t, se)
		waitOn(t, build.done)
	}

	require.Eventually(t, func() bool {
		return len(o.BuildErrors("proj")) == 10
	}, time.Second, 5*time.Millisecond)
}

// fakeHealthRecorder records calls so tests can assert the post-build hooks
// actually reach the Health & Drift Reporter's narrow surface.
type fakeHealthRecorder struct {
	mu         sync.Mutex
	recorded   chan struct{}
	nodeCounts map[string]int
	modes      map[string]string
	ready      map[string]bool
}

func newFakeHealthRecorder() *fakeHealthRecorder {
	return &fakeHealthRecorder{
		recorded:   make(chan struct{}, 10),
		nodeCounts: map[string]int{},
		modes:      map[string]string{},
		ready:      map[string]bool{},
	}
}

func (f *fakeHealthRecorder) RecordRebuildComplete(projectID, mode string, nodeCount int) {
	f.mu.Lock()
	f.nodeCounts[projectID] = nodeCount
	f.modes[projectID] = mode
	f.mu.Unlock()
	f.recorded <- struct{}{}
}

func (f *fakeHealthRecorder) SetEmbeddingsReady(projectID string, ready bool) {
	f.mu.Lock()
	f.ready[projectID] = ready
	f.mu.Unlock()
}

type fakeMetricsRecorder struct {
	mu       sync.Mutex
	observed chan struct{}
	outcomes []string
}

func (f *fakeMetricsRecorder) ObserveRebuild(mode, outcome string) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, mode+":"+outcome)
	f.mu.Unlock()
	f.observed <- struct{}{}
}

func TestRebuildRecordsCompletionWithHealthReporter(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{ID: "fn-1", ProjectID: "proj", Type: model.NodeFunction, ValidFrom: 1}))
	build := &fakeBuildEngine{done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)
	health := newFakeHealthRecorder()
	o.SetHealthRecorder(health)

	_, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, false, nil, "agent-1", "")
	require.Nil(t, se)
	waitOn(t, build.done)
	waitOn(t, health.recorded)

	health.mu.Lock()
	defer health.mu.Unlock()
	require.Equal(t, 1, health.nodeCounts["proj"])
	require.Equal(t, string(model.RebuildFull), health.modes["proj"])
}

func TestRebuildMarksEmbeddingsNotReadyOnIncrementalBuild(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)
	health := newFakeHealthRecorder()
	o.SetHealthRecorder(health)

	_, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, true, []string{"a.go"}, "agent-1", "")
	require.Nil(t, se)
	waitOn(t, build.done)
	waitOn(t, health.recorded)

	health.mu.Lock()
	defer health.mu.Unlock()
	require.False(t, health.ready["proj"])
}

func TestRebuildObservesMetricsOnSuccessAndFailure(t *testing.T) {
	graph := graphstore.NewMemory()
	build := &fakeBuildEngine{done: make(chan []string, 1)}
	o := New(graph, vectorstore.NewMemory(), build, nil, nil, nil, fixedClock{500}, nil)
	m := &fakeMetricsRecorder{observed: make(chan struct{}, 2)}
	o.SetMetricsRecorder(m)

	_, se := o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, false, nil, "agent-1", "")
	require.Nil(t, se)
	waitOn(t, build.done)
	waitOn(t, m.observed)

	m.mu.Lock()
	require.Equal(t, []string{string(model.RebuildFull) + ":success"}, m.outcomes)
	m.mu.Unlock()

	build.err = errors.New("boom")
	_, se = o.Rebuild(context.Background(), model.ProjectContext{ProjectID: "proj", SourceDir: "/repo"}, true, nil, "agent-1", "")
	require.Nil(t, se)
	waitOn(t, build.done)
	waitOn(t, m.observed)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, []string{string(model.RebuildFull) + ":success", string(model.RebuildIncremental) + ":error"}, m.outcomes)
}

func TestEmbeddingTypeForMapping(t *testing.T) {
	require.Equal(t, model.EmbeddingClass, embeddingTypeFor(model.NodeClass))
	require.Equal(t, model.EmbeddingFile, embeddingTypeFor(model.NodeFile))
	require.Equal(t, model.EmbeddingFunction, embeddingTypeFor(model.NodeFunction))
}

func TestNewTxIDFormatsWithTimestampAndSuffix(t *testing.T) {
	id := newTxID(12345)
	require.True(t, strings.HasPrefix(id, "tx-12345-"))
	parts := strings.Split(id, "-")
	require.Equal(t, 8, len(parts[len(parts)-1]))
}
