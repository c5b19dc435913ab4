package contextpack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/episode"
	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMS() int64 { return c.ms }

func putFunc(t *testing.T, graph graphstore.Store, id, name, path string) {
	t.Helper()
	se := graph.PutNode(context.Background(), &model.GraphNode{
		ID: id, ProjectID: "proj", Type: model.NodeFunction,
		Properties: map[string]any{"name": name, "path": path},
		ValidFrom:  1,
	})
	require.Nil(t, se)
}

func TestAssembleRejectsMissingInput(t *testing.T) {
	a := New(graphstore.NewMemory(), nil, nil, nil)

	_, se := a.Assemble(context.Background(), Input{ProjectID: "proj"})

	require.NotNil(t, se)
	require.Equal(t, "CONTEXT_PACK_INVALID_INPUT", se.Code)
}

func TestAssembleSelectsSeedsMatchingTaskTokens(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-auth", "authenticateUser", "auth/login.go")
	putFunc(t, graph, "fn-billing", "chargeCard", "billing/charge.go")
	a := New(graph, nil, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{ProjectID: "proj", Task: "fix the authenticateUser flow"})

	require.Nil(t, se)
	require.Len(t, pack.CoreSymbols, 1)
	require.Equal(t, "fn-auth", pack.CoreSymbols[0].NodeID)
}

func TestAssembleFallsBackToFirstCandidatesWhenNoTermMatches(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-1", "doSomething", "pkg/a.go")
	a := New(graph, nil, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{ProjectID: "proj", Task: "zzz completely unrelated zzz"})

	require.Nil(t, se)
	require.Len(t, pack.CoreSymbols, 1)
}

func TestAssembleIncludesBlockerForLiveClaimByOtherAgent(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-1", "doThing", "pkg/a.go")
	require.Nil(t, graph.PutClaim(context.Background(), &model.Claim{
		ID: "c1", ProjectID: "proj", AgentID: "agent-2", TargetID: "fn-1",
		ClaimType: model.ClaimFile, ValidFrom: 1,
	}))
	a := New(graph, nil, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{ProjectID: "proj", Task: "doThing", AgentID: "agent-1"})

	require.Nil(t, se)
	require.Len(t, pack.Blockers, 1)
	require.Equal(t, "agent-2", pack.Blockers[0].AgentID)
}

func TestAssembleOmitsBlockerForRequesterOwnClaim(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-1", "doThing", "pkg/a.go")
	require.Nil(t, graph.PutClaim(context.Background(), &model.Claim{
		ID: "c1", ProjectID: "proj", AgentID: "agent-1", TargetID: "fn-1",
		ClaimType: model.ClaimFile, ValidFrom: 1,
	}))
	a := New(graph, nil, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{ProjectID: "proj", Task: "doThing", AgentID: "agent-1"})

	require.Nil(t, se)
	require.Empty(t, pack.Blockers)
}

func TestAssembleIncludesEpisodesWhenRequested(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-1", "doThing", "pkg/a.go")
	episodes := episode.New(graph, nil, fixedClock{1})
	_, se := episodes.Add(context.Background(), episode.AddInput{
		ProjectID: "proj", Type: model.EpisodeObservation, Content: "noticed something", TaskID: "task-1", AgentID: "agent-1",
	})
	require.Nil(t, se)
	a := New(graph, episodes, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{
		ProjectID: "proj", Task: "doThing", TaskID: "task-1", AgentID: "agent-1", IncludeEpisodes: true,
	})

	require.Nil(t, se)
	require.Len(t, pack.Episodes, 1)
}

func TestAssembleOmitsEpisodesWhenNotRequested(t *testing.T) {
	graph := graphstore.NewMemory()
	putFunc(t, graph, "fn-1", "doThing", "pkg/a.go")
	episodes := episode.New(graph, nil, fixedClock{1})
	_, se := episodes.Add(context.Background(), episode.AddInput{
		ProjectID: "proj", Type: model.EpisodeObservation, Content: "noticed something", TaskID: "task-1", AgentID: "agent-1",
	})
	require.Nil(t, se)
	a := New(graph, episodes, nil, nil)

	pack, se := a.Assemble(context.Background(), Input{ProjectID: "proj", Task: "doThing"})

	require.Nil(t, se)
	require.Empty(t, pack.Episodes)
}

func TestTrimPrunesCoreSymbolsWhenOverBudget(t *testing.T) {
	bigSnippet := make([]byte, budgetTokens*10)
	for i := range bigSnippet {
		bigSnippet[i] = 'x'
	}
	p := &Pack{CoreSymbols: []CoreSymbol{
		{NodeID: "a", Snippet: string(bigSnippet)},
		{NodeID: "b", Snippet: string(bigSnippet)},
	}}

	trim(p)

	require.LessOrEqual(t, estimateTokens(p), budgetTokens)
}

func TestTruncateLongSnippetTruncatesAndMarksEllipsis(t *testing.T) {
	long := make([]byte, snippetTruncateLen+10)
	for i := range long {
		long[i] = 'a'
	}
	p := &Pack{CoreSymbols: []CoreSymbol{{NodeID: "a", Snippet: string(long)}}}

	changed := truncateLongSnippet(p)

	require.True(t, changed)
	require.Contains(t, p.CoreSymbols[0].Snippet, "…")
}

func TestEstimateTokensSumsAcrossSections(t *testing.T) {
	p := &Pack{
		CoreSymbols: []CoreSymbol{{Name: "abcd", Path: "efgh", Snippet: "ijkl"}},
		Decisions:   []*model.Episode{{Content: "mnop"}},
		Learnings:   []*model.GraphNode{{}},
	}

	tokens := estimateTokens(p)

	require.Greater(t, tokens, 0)
}

func TestTruncateKeepsShortStringUnchanged(t *testing.T) {
	require.Equal(t, "short", truncate("short", 100))
}
