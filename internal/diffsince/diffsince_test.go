package diffsince

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
)

func putFile(t *testing.T, graph graphstore.Store, id string, validFrom int64, validTo *int64) {
	t.Helper()
	se := graph.PutNode(context.Background(), &model.GraphNode{
		ID:         id,
		ProjectID:  "proj",
		Type:       model.NodeFile,
		Properties: map[string]any{"path": id},
		ValidFrom:  validFrom,
		ValidTo:    validTo,
	})
	require.Nil(t, se)
}

func TestDiffRejectsMissingProjectID(t *testing.T) {
	e := New(graphstore.NewMemory())

	_, se := e.Diff(context.Background(), "", 0, nil)

	require.NotNil(t, se)
	require.Equal(t, "DIFF_SINCE_INVALID_INPUT", se.Code)
}

func TestDiffRejectsInvalidType(t *testing.T) {
	e := New(graphstore.NewMemory())

	_, se := e.Diff(context.Background(), "proj", 0, []model.NodeType{model.NodeCommunity})

	require.NotNil(t, se)
	require.Equal(t, "DIFF_SINCE_INVALID_TYPES", se.Code)
}

func TestDiffDefaultsToFileFunctionClass(t *testing.T) {
	graph := graphstore.NewMemory()
	putFile(t, graph, "a.go", 100, nil)
	e := New(graph)

	res, se := e.Diff(context.Background(), "proj", 50, nil)

	require.Nil(t, se)
	require.Len(t, res.Added, 1)
	require.Equal(t, "a.go", res.Added[0].ID)
}

func TestDiffFindsAddedNodes(t *testing.T) {
	graph := graphstore.NewMemory()
	putFile(t, graph, "old.go", 10, nil)
	putFile(t, graph, "new.go", 200, nil)
	e := New(graph)

	res, se := e.Diff(context.Background(), "proj", 100, []model.NodeType{model.NodeFile})

	require.Nil(t, se)
	require.Len(t, res.Added, 1)
	require.Equal(t, "new.go", res.Added[0].ID)
}

func TestDiffFindsRemovedNodes(t *testing.T) {
	closedAt := int64(150)
	graph := graphstore.NewMemory()
	putFile(t, graph, "gone.go", 10, &closedAt)
	e := New(graph)

	res, se := e.Diff(context.Background(), "proj", 100, []model.NodeType{model.NodeFile})

	require.Nil(t, se)
	require.Len(t, res.Removed, 1)
	require.Equal(t, "gone.go", res.Removed[0].ID)
}

func TestDiffMatchesModifiedNodesByID(t *testing.T) {
	closedAt := int64(150)
	graph := graphstore.NewMemory()
	// old version of "a.go" closed at 150, new version opened at 160: same ID.
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "a.go", ProjectID: "proj", Type: model.NodeFile,
		Properties: map[string]any{"path": "a.go"}, ValidFrom: 10, ValidTo: &closedAt,
	}))
	require.Nil(t, graph.PutNode(context.Background(), &model.GraphNode{
		ID: "a.go", ProjectID: "proj", Type: model.NodeFile,
		Properties: map[string]any{"path": "a.go"}, ValidFrom: 160,
	}))
	e := New(graph)

	res, se := e.Diff(context.Background(), "proj", 100, []model.NodeType{model.NodeFile})

	require.Nil(t, se)
	require.Len(t, res.Modified, 1)
	require.Equal(t, "a.go", res.Modified[0].ID)
}

func TestDiffIncludesGraphTxWindow(t *testing.T) {
	graph := graphstore.NewMemory()
	require.Nil(t, graph.AppendGraphTx(context.Background(), &model.GraphTx{
		ID: "tx-1", ProjectID: "proj", Timestamp: 200,
	}))
	e := New(graph)

	res, se := e.Diff(context.Background(), "proj", 100, []model.NodeType{model.NodeFile})

	require.Nil(t, se)
	require.Len(t, res.GraphTxes, 1)
	require.Equal(t, "tx-1", res.GraphTxes[0].ID)
}
