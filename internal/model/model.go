// Package model defines the data types shared by every store and engine in
// the server: graph entities, relationships, transactions, claims, episodes,
// embeddings, and the small pieces of process-local state (build-error
// ledger entries, watcher state) that are rebuilt on restart rather than
// persisted.
package model

import "time"

// NodeType enumerates the GraphNode.Type values the graph store recognizes.
type NodeType string

const (
	NodeFile      NodeType = "FILE"
	NodeFunction  NodeType = "FUNCTION"
	NodeClass     NodeType = "CLASS"
	NodeImport    NodeType = "IMPORT"
	NodeCommunity NodeType = "COMMUNITY"
	NodeEpisode   NodeType = "EPISODE"
	NodeClaim     NodeType = "CLAIM"
	NodeGraphTx   NodeType = "GRAPH_TX"
	NodeLearning  NodeType = "LEARNING"
	NodeTask      NodeType = "TASK"
	NodeFeature   NodeType = "FEATURE"
)

// RelationshipType enumerates GraphRelationship.Type values.
type RelationshipType string

const (
	RelContains       RelationshipType = "CONTAINS"
	RelImports        RelationshipType = "IMPORTS"
	RelReferences     RelationshipType = "REFERENCES"
	RelCalls          RelationshipType = "CALLS"
	RelTests          RelationshipType = "TESTS"
	RelImplementedBy  RelationshipType = "IMPLEMENTED_BY"
	RelTargets        RelationshipType = "TARGETS"
	RelInvolves       RelationshipType = "INVOLVES"
	RelAppliesTo      RelationshipType = "APPLIES_TO"
)

// GraphNode is a source-derived entity stored in the graph store. Every node
// carries a ProjectID; temporal nodes additionally carry ValidFrom and an
// optional ValidTo (both epoch milliseconds). At most one row with
// ValidTo == nil may exist per (ID, ProjectID).
type GraphNode struct {
	ID         string
	ProjectID  string
	Type       NodeType
	Properties map[string]any
	ValidFrom  int64
	ValidTo    *int64
}

// IsLive reports whether the node has not been superseded.
func (n *GraphNode) IsLive() bool { return n.ValidTo == nil }

// GraphRelationship connects two GraphNodes.
type GraphRelationship struct {
	ID         string
	From       string
	To         string
	Type       RelationshipType
	Properties map[string]any
}

// RebuildType distinguishes a full rebuild from an incremental one.
type RebuildType string

const (
	RebuildFull        RebuildType = "full_rebuild"
	RebuildIncremental RebuildType = "incremental_rebuild"
)

// GraphTx is an append-only anchor node recording a rebuild event.
type GraphTx struct {
	ID         string
	ProjectID  string
	Type       RebuildType
	Mode       string
	Timestamp  int64
	SourceDir  string
	GitCommit  string
	AgentID    string
}

// ClaimType enumerates the kinds of artifacts a Claim can target.
type ClaimType string

const (
	ClaimTask   ClaimType = "task"
	ClaimFile   ClaimType = "file"
	ClaimSymbol ClaimType = "symbol"
)

// Claim is an exclusive, time-bounded reservation by an agent on a target
// artifact. At most one live claim may exist per (ProjectID, TargetID)
// unless a conflict has been recorded (conflicts are never persisted).
type Claim struct {
	ID        string
	ProjectID string
	AgentID   string
	SessionID string
	TargetID  string
	ClaimType ClaimType
	Intent    string
	ValidFrom int64
	ValidTo   *int64
}

// IsLive reports whether the claim has not been released or invalidated.
func (c *Claim) IsLive() bool { return c.ValidTo == nil }

// EpisodeType enumerates the kinds of agent activity that can be recorded.
type EpisodeType string

const (
	EpisodeObservation EpisodeType = "OBSERVATION"
	EpisodeDecision    EpisodeType = "DECISION"
	EpisodeEdit        EpisodeType = "EDIT"
	EpisodeTestResult  EpisodeType = "TEST_RESULT"
	EpisodeError       EpisodeType = "ERROR"
	EpisodeReflection  EpisodeType = "REFLECTION"
)

// Outcome enumerates the DECISION/TEST_RESULT outcome values.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Episode is a typed, timestamped record of agent activity.
type Episode struct {
	ID        string
	ProjectID string
	Type      EpisodeType
	Content   string
	Entities  []string
	TaskID    string
	Outcome   Outcome
	Metadata  map[string]any
	Sensitive bool
	AgentID   string
	SessionID string
	Timestamp int64
}

// EmbeddingType enumerates the EmbeddingRecord.Type values.
type EmbeddingType string

const (
	EmbeddingFunction EmbeddingType = "function"
	EmbeddingClass    EmbeddingType = "class"
	EmbeddingFile     EmbeddingType = "file"
)

// EmbeddingRecord is stored in the vector store, external to this server's
// core but modeled here so engines can reason about its shape.
type EmbeddingRecord struct {
	ID        string
	ProjectID string
	Type      EmbeddingType
	Name      string
	Vector    []float32
	Path      string
}

// BuildErrorEntry is one row of the per-project build-error ring buffer.
type BuildErrorEntry struct {
	Timestamp time.Time
	Error     string
	Context   string
}

// WatcherPhase enumerates WatcherState.Phase values.
type WatcherPhase string

const (
	WatcherNotStarted WatcherPhase = "not_started"
	WatcherIdle       WatcherPhase = "idle"
	WatcherCoalescing WatcherPhase = "coalescing"
	WatcherRebuilding WatcherPhase = "rebuilding"
)

// WatcherState is the per-session watcher status surfaced by graph_health.
type WatcherState struct {
	Phase          WatcherPhase
	PendingChanges int
}

// ProjectContext identifies the workspace a tool call operates against.
type ProjectContext struct {
	WorkspaceRoot string
	SourceDir     string
	ProjectID     string
}
