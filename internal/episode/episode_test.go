package episode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMS() int64 { return c.ms }

func TestAddRejectsMissingContent(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation})

	require.NotNil(t, se)
	require.Equal(t, "EPISODE_ADD_INVALID_INPUT", se.Code)
}

func TestAddObservationRequiresNoExtraMetadata(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	id, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation, Content: "noticed something"})

	require.Nil(t, se)
	require.NotEmpty(t, id)
}

func TestAddDecisionRequiresOutcomeAndRationale(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeDecision, Content: "chose X",
	})
	require.NotNil(t, se)
	require.Equal(t, "EPISODE_ADD_INVALID_METADATA", se.Code)

	id, se := e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeDecision, Content: "chose X",
		Outcome: model.OutcomeSuccess, Metadata: map[string]any{"rationale": "simplest option"},
	})
	require.Nil(t, se)
	require.NotEmpty(t, id)
}

func TestAddEditRequiresAtLeastOneEntity(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeEdit, Content: "refactored"})
	require.NotNil(t, se)
	require.Equal(t, "EPISODE_ADD_INVALID_METADATA", se.Code)

	_, se = e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeEdit, Content: "refactored", Entities: []string{"fn-1"},
	})
	require.Nil(t, se)
}

func TestAddTestResultRequiresOutcomeAndTestName(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeTestResult, Content: "ran tests"})
	require.NotNil(t, se)

	_, se = e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeTestResult, Content: "ran tests",
		Outcome: model.OutcomeFailure, Metadata: map[string]any{"testName": "TestFoo"},
	})
	require.Nil(t, se)
}

func TestAddErrorRequiresErrorCodeOrStack(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeError, Content: "boom"})
	require.NotNil(t, se)

	_, se = e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeError, Content: "boom",
		Metadata: map[string]any{"errorCode": "E123"},
	})
	require.Nil(t, se)
}

func TestAddRejectsUnknownType(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: "BOGUS", Content: "x"})

	require.NotNil(t, se)
	require.Equal(t, "EPISODE_ADD_INVALID_INPUT", se.Code)
}

func TestRecallRanksByQueryOverlapThenRecency(t *testing.T) {
	graph := graphstore.NewMemory()
	e := New(graph, nil, fixedClock{100})

	_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation, Content: "fixed the parser bug"})
	require.Nil(t, se)
	_, se = e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation, Content: "unrelated note"})
	require.Nil(t, se)

	eps, se := e.Recall(context.Background(), "proj", RecallFilter{Query: "parser bug"})

	require.Nil(t, se)
	require.Len(t, eps, 2)
	require.Contains(t, eps[0].Content, "parser bug")
}

func TestRecallRejectsMissingProjectID(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	_, se := e.Recall(context.Background(), "", RecallFilter{})

	require.NotNil(t, se)
	require.Equal(t, "EPISODE_RECALL_INVALID_INPUT", se.Code)
}

func TestRecallAppliesLimit(t *testing.T) {
	graph := graphstore.NewMemory()
	e := New(graph, nil, fixedClock{100})
	for i := 0; i < 3; i++ {
		_, se := e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation, Content: "note"})
		require.Nil(t, se)
	}

	eps, se := e.Recall(context.Background(), "proj", RecallFilter{Limit: 2})

	require.Nil(t, se)
	require.Len(t, eps, 2)
}

func TestDecisionQueryFiltersToDecisionType(t *testing.T) {
	graph := graphstore.NewMemory()
	e := New(graph, nil, fixedClock{100})
	_, se := e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeDecision, Content: "picked approach A",
		Outcome: model.OutcomeSuccess, Metadata: map[string]any{"rationale": "fastest"},
	})
	require.Nil(t, se)
	_, se = e.Add(context.Background(), AddInput{ProjectID: "proj", Type: model.EpisodeObservation, Content: "noted something"})
	require.Nil(t, se)

	decisions, se := e.DecisionQuery(context.Background(), "proj", RecallFilter{})

	require.Nil(t, se)
	require.Len(t, decisions, 1)
	require.Equal(t, model.EpisodeDecision, decisions[0].Type)
}

func TestReflectCreatesOneLearningPerEntity(t *testing.T) {
	graph := graphstore.NewMemory()
	e := New(graph, nil, fixedClock{100})
	_, se := e.Add(context.Background(), AddInput{
		ProjectID: "proj", Type: model.EpisodeEdit, Content: "touched fn-1",
		Entities: []string{"fn-1"}, TaskID: "task-1", AgentID: "agent-1",
	})
	require.Nil(t, se)

	result, se := e.Reflect(context.Background(), "proj", "task-1", "agent-1")

	require.Nil(t, se)
	require.Equal(t, 1, result.LearningsCreated)
	require.NotEmpty(t, result.ReflectionID)

	nodes, se := graph.ListNodes(context.Background(), "proj", graphstore.NodeFilter{Types: []model.NodeType{model.NodeLearning}, LiveOnly: true})
	require.Nil(t, se)
	require.Len(t, nodes, 1)
}

func TestReflectHandlesNoEpisodes(t *testing.T) {
	e := New(graphstore.NewMemory(), nil, fixedClock{100})

	result, se := e.Reflect(context.Background(), "proj", "task-none", "agent-none")

	require.Nil(t, se)
	require.Equal(t, 0, result.LearningsCreated)
}
