package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
)

type fakeRetriever struct {
	results []ports.RetrievalResult
	err     error
}

func (f fakeRetriever) Retrieve(ctx context.Context, projectID, query string, limit int, mode string) ([]ports.RetrievalResult, error) {
	return f.results, f.err
}

func TestNaturalQueryLocalRequiresRetriever(t *testing.T) {
	d := New(graphstore.NewMemory(), nil)

	_, se := d.NaturalQuery(context.Background(), "proj", "find thing", ModeLocal, 10, nil)

	require.NotNil(t, se)
	require.Equal(t, "GRAPH_QUERY_FAILED", se.Code)
}

func TestNaturalQueryLocalReturnsResults(t *testing.T) {
	retriever := fakeRetriever{results: []ports.RetrievalResult{{ID: "fn-1", Name: "doThing"}}}
	d := New(graphstore.NewMemory(), retriever)

	res, se := d.NaturalQuery(context.Background(), "proj", "find thing", ModeLocal, 10, nil)

	require.Nil(t, se)
	results := res.([]ports.RetrievalResult)
	require.Len(t, results, 1)
	require.Equal(t, "fn-1", results[0].ID)
}

func TestNaturalQueryLocalFiltersByAsOf(t *testing.T) {
	retriever := fakeRetriever{results: []ports.RetrievalResult{
		{ID: "old", Timestamp: 10},
		{ID: "new", Timestamp: 200},
	}}
	d := New(graphstore.NewMemory(), retriever)
	asOf := int64(100)

	res, se := d.NaturalQuery(context.Background(), "proj", "q", ModeLocal, 10, &asOf)

	require.Nil(t, se)
	results := res.([]ports.RetrievalResult)
	require.Len(t, results, 1)
	require.Equal(t, "old", results[0].ID)
}

func TestNaturalQueryGlobalMatchesByLabelHint(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "c1", ProjectID: "proj", Type: model.NodeCommunity,
		Properties: map[string]any{"label": "auth", "memberCount": 3.0}, ValidFrom: 1,
	}))
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "c2", ProjectID: "proj", Type: model.NodeCommunity,
		Properties: map[string]any{"label": "billing", "memberCount": 9.0}, ValidFrom: 1,
	}))
	d := New(graph, nil)

	res, se := d.NaturalQuery(context.Background(), "proj", "investigate auth flows", ModeGlobal, 10, nil)

	require.Nil(t, se)
	communities := res.([]*model.GraphNode)
	require.Len(t, communities, 1)
	require.Equal(t, "c1", communities[0].ID)
}

func TestNaturalQueryGlobalFallsBackToAllWhenNoMatch(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "c1", ProjectID: "proj", Type: model.NodeCommunity,
		Properties: map[string]any{"label": "infra", "memberCount": 2.0}, ValidFrom: 1,
	}))
	d := New(graph, nil)

	res, se := d.NaturalQuery(context.Background(), "proj", "completely unrelated words", ModeGlobal, 10, nil)

	require.Nil(t, se)
	communities := res.([]*model.GraphNode)
	require.Len(t, communities, 1)
}

func TestNaturalQueryHybridCombinesBothSections(t *testing.T) {
	retriever := fakeRetriever{results: []ports.RetrievalResult{{ID: "fn-1"}}}
	graph := graphstore.NewMemory()
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "c1", ProjectID: "proj", Type: model.NodeCommunity, ValidFrom: 1,
	}))
	d := New(graph, retriever)

	res, se := d.NaturalQuery(context.Background(), "proj", "q", ModeHybrid, 10, nil)

	require.Nil(t, se)
	sections := res.([]map[string]any)
	require.Len(t, sections, 2)
	require.Equal(t, "global", sections[0]["section"])
	require.Equal(t, "local", sections[1]["section"])
}

func TestCypherQueryPassesThroughWithoutAsOf(t *testing.T) {
	d := New(graphstore.NewMemory(), nil)

	out := d.CypherQuery("MATCH (f:Function) RETURN f", nil)

	require.Equal(t, "MATCH (f:Function) RETURN f", out)
}

func TestCypherQueryInjectsTemporalFilterWithAsOf(t *testing.T) {
	d := New(graphstore.NewMemory(), nil)
	asOf := int64(12345)

	out := d.CypherQuery("MATCH (f:Function) RETURN f", &asOf)

	require.Contains(t, out, "f.validFrom <= $asOfTs")
	require.Contains(t, out, "WHERE")
}

func TestApplyTemporalFilterNoOpWithoutPatternVariable(t *testing.T) {
	out := ApplyTemporalFilter("RETURN 1", 100)

	require.Equal(t, "RETURN 1", out)
}

func TestApplyTemporalFilterInsertsBeforeExistingWhere(t *testing.T) {
	out := ApplyTemporalFilter("MATCH (f:Function) WHERE f.name = 'x'\n", 100)

	require.Contains(t, out, "f.validFrom <= $asOfTs")
	require.Contains(t, out, "f.name = 'x'")
}

func TestApplyTemporalFilterInsertsBeforeNextClause(t *testing.T) {
	out := ApplyTemporalFilter("MATCH (f:Function) RETURN f\n", 100)

	require.Contains(t, out, "WHERE f.validFrom")
	require.Contains(t, out, "RETURN f")
}

func TestResolveSinceAnchorByTxID(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.AppendGraphTx(context.Background(), &model.GraphTx{ID: "tx-100-abcdef12", ProjectID: "proj", Timestamp: 500}))

	anchor, se := ResolveSinceAnchor(context.Background(), graph, "proj", "tx-100-abcdef12", nil)

	require.Nil(t, se)
	require.NotNil(t, anchor)
	require.Equal(t, int64(500), anchor.SinceTs)
	require.Equal(t, "tx", anchor.Mode)
}

func TestResolveSinceAnchorByTimestamp(t *testing.T) {
	graph := graphstore.NewMemory()

	anchor, se := ResolveSinceAnchor(context.Background(), graph, "proj", "1234567890", nil)

	require.Nil(t, se)
	require.NotNil(t, anchor)
	require.Equal(t, int64(1234567890), anchor.SinceTs)
	require.Equal(t, "timestamp", anchor.Mode)
}

func TestResolveSinceAnchorByGitCommit(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.AppendGraphTx(context.Background(), &model.GraphTx{ID: "tx-1", ProjectID: "proj", Timestamp: 700, GitCommit: "abc1234"}))

	anchor, se := ResolveSinceAnchor(context.Background(), graph, "proj", "abc1234", nil)

	require.Nil(t, se)
	require.NotNil(t, anchor)
	require.Equal(t, "gitCommit", anchor.Mode)
}

func TestResolveSinceAnchorByAgentIDFallback(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.AppendGraphTx(context.Background(), &model.GraphTx{ID: "tx-1", ProjectID: "proj", Timestamp: 900, AgentID: "agent-9"}))

	anchor, se := ResolveSinceAnchor(context.Background(), graph, "proj", "agent-9", nil)

	require.Nil(t, se)
	require.NotNil(t, anchor)
	require.Equal(t, "agentId", anchor.Mode)
}

func TestResolveSinceAnchorReturnsNilWhenNothingMatches(t *testing.T) {
	graph := graphstore.NewMemory()

	anchor, se := ResolveSinceAnchor(context.Background(), graph, "proj", "no-such-anchor", nil)

	require.Nil(t, se)
	require.Nil(t, anchor)
}
