// Package ports collects the interfaces for every external collaborator
// this server's core depends on but does not implement itself: only their
// contracts matter to the core. Each interface also ships a deterministic
// fake used by engine tests, grounded on a "bridge capability interface"
// design (each tool is {name, category, inputShape, run(args, bridge)},
// testable with in-memory fakes).
package ports

import (
	"context"
	"time"
)

// BuildEngine parses source and (re)populates the graph store; the
// source-file parsers that build graph nodes live outside this server.
type BuildEngine interface {
	// Rebuild runs a full or incremental build for projectID rooted at
	// sourceDir, excluding the given directories, and returns once complete.
	Rebuild(ctx context.Context, projectID, sourceDir string, changedFiles []string, excludeDirs []string, incremental bool) error
}

// EmbeddingClient generates embeddings for graph symbols against an
// external embedding model endpoint.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces natural-language summaries for communities and
// reflections over HTTP, calling out to an external summarization service.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// PPREngine runs personalized PageRank over the graph; an external engine.
type PPREngine interface {
	PersonalizedPageRank(ctx context.Context, projectID string, seedIDs []string, maxResults int) ([]string, error)
}

// HybridRetriever runs the local vector+lexical retrieval pass the Hybrid
// Retrieval Dispatcher delegates to; an external engine.
type HybridRetriever interface {
	Retrieve(ctx context.Context, projectID, query string, limit int, mode string) ([]RetrievalResult, error)
}

// RetrievalResult is one row the external hybrid retriever returns.
type RetrievalResult struct {
	ID        string
	Name      string
	Path      string
	Score     float64
	Timestamp int64 // epoch ms the underlying symbol/version was valid, for temporal filtering
}

// CommunityDetector (re)computes COMMUNITY nodes after a full rebuild; an
// external engine.
type CommunityDetector interface {
	Run(ctx context.Context, projectID string) error
}

// TestSelector and ArchValidator back test_select/impact_analyze and
// arch_validate/arch_suggest; both are external test-selection and
// architecture-validation engines.
type TestSelector interface {
	SelectTests(ctx context.Context, projectID string, changedFiles []string, depth int) ([]string, error)
}

type ArchValidator interface {
	Validate(ctx context.Context, projectID string) ([]ArchViolation, error)
}

// ArchViolation is one row an ArchValidator reports.
type ArchViolation struct {
	Rule    string
	Subject string
	Detail  string
}

// Clock abstracts time.Now so engines are deterministic under test, needed
// for the timestamp-heavy invariants this server enforces (monotonic
// GraphTx ordering, ValidFrom/ValidTo comparisons).
type Clock interface {
	NowMS() int64
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) NowMS() int64 { return time.Now().UnixMilli() }
