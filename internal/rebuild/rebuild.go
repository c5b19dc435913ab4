// Package rebuild implements the Rebuild Orchestrator facade:
// single-flighted per-project rebuilds, GraphTx persistence, fire-and-forget
// build-engine invocation, and the ordered post-build hook chain. Grounded
// on JeffreyRichter-MCP/mcpsvr's async-PUT "fire the work, return QUEUED,
// finish in the background" idiom, generalized from HTTP PhaseMgr state to
// a plain in-process singleflight join.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/graphmcp/server/internal/graphstore"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/ports"
	"github.com/graphmcp/server/internal/svrerr"
	"github.com/graphmcp/server/internal/vectorstore"
)

// excludeDirs is the fixed exclude list
var excludeDirs = []string{"node_modules", "dist", ".next", "__tests__", "coverage", ".git"}

// Status value graph_rebuild reports once Rebuild has dispatched a build.
const (
	StatusQueued = "QUEUED"
)

// ClaimInvalidator is the narrow surface the Coordination Engine exposes for
// the "invalidate stale claims" post-build hook.
type ClaimInvalidator interface {
	InvalidateStaleClaims(ctx context.Context, projectID string) (int, *svrerr.ServerError)
}

// HealthRecorder is the narrow surface the Health & Drift Reporter exposes
// for post-build bookkeeping: a fresh cached node count to compare future
// rebuilds against, and whether a project's embeddings are safe to query.
type HealthRecorder interface {
	RecordRebuildComplete(projectID, mode string, nodeCount int)
	SetEmbeddingsReady(projectID string, ready bool)
}

// MetricsRecorder is the narrow surface the Prometheus registry exposes for
// rebuild outcomes.
type MetricsRecorder interface {
	ObserveRebuild(mode, outcome string)
}

// Orchestrator drives rebuilds
type Orchestrator struct {
	graph   graphstore.Store
	vectors vectorstore.Store
	build   ports.BuildEngine
	embed   ports.EmbeddingClient
	comm    ports.CommunityDetector
	claims  ClaimInvalidator
	clock   ports.Clock
	log     *slog.Logger
	health  HealthRecorder
	metrics MetricsRecorder

	group singleflight.Group

	mu     sync.Mutex
	errors map[string][]model.BuildErrorEntry // projectID -> ring buffer, newest last
}

const buildErrorLedgerCap = 10

// New constructs an Orchestrator. claims may be nil if the coordination
// engine hasn't been wired yet; the stale-claim hook is then skipped.
func New(graph graphstore.Store, vectors vectorstore.Store, build ports.BuildEngine, embed ports.EmbeddingClient, comm ports.CommunityDetector, claims ClaimInvalidator, clock ports.Clock, log *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		graph:   graph,
		vectors: vectors,
		build:   build,
		embed:   embed,
		comm:    comm,
		claims:  claims,
		clock:   clock,
		log:     log,
		errors:  map[string][]model.BuildErrorEntry{},
	}
}

// SetHealthRecorder wires the Health & Drift Reporter's post-build hooks in.
// health may be nil, which leaves the cached node count and embeddings
// readiness untouched (health.Report then reports them at their zero value).
func (o *Orchestrator) SetHealthRecorder(health HealthRecorder) {
	o.health = health
}

// SetMetricsRecorder wires the Prometheus registry's rebuild counter in.
func (o *Orchestrator) SetMetricsRecorder(metrics MetricsRecorder) {
	o.metrics = metrics
}

// newTxID mints a "tx-<timestampMs>-<uuid-suffix>" transaction id
func newTxID(nowMS int64) string {
	id := uuid.New().String()
	suffix := id
	if len(id) > 8 {
		suffix = id[len(id)-8:]
	}
	return fmt.Sprintf("tx-%d-%s", nowMS, suffix)
}

// Rebuild runs (or joins) a rebuild for pc, returning the new GraphTx id as
// soon as the background build is dispatched. agentID is used when the build was
// triggered by an explicit tool call with a known caller.
func (o *Orchestrator) Rebuild(ctx context.Context, pc model.ProjectContext, incremental bool, changedFiles []string, agentID, gitCommit string) (string, *svrerr.ServerError) {
	mode := model.RebuildFull
	if incremental {
		mode = model.RebuildIncremental
	}
	now := o.clock.NowMS()
	txID := newTxID(now)

	tx := &model.GraphTx{
		ID:        txID,
		ProjectID: pc.ProjectID,
		Type:      mode,
		Mode:      string(mode),
		Timestamp: now,
		SourceDir: pc.SourceDir,
		GitCommit: gitCommit,
		AgentID:   agentID,
	}

	if o.graph.Connected(ctx) {
		if se := o.graph.AppendGraphTx(ctx, tx); se != nil {
			o.log.Warn("rebuild: failed to persist GRAPH_TX", "project", pc.ProjectID, "error", se.Error())
		}
	}

	key := pc.ProjectID
	go func() {
		_, err, _ := o.group.Do(key, func() (any, error) {
			bgCtx := context.Background()
			runErr := o.build.Rebuild(bgCtx, pc.ProjectID, pc.SourceDir, changedFiles, excludeDirs, incremental)
			if runErr != nil {
				return nil, runErr
			}
			o.runPostBuildHooks(bgCtx, pc, mode)
			return nil, nil
		})
		outcome := "success"
		if err != nil {
			outcome = "error"
			o.recordBuildError(pc.ProjectID, err, fmt.Sprintf("mode=%s sourceDir=%s", mode, pc.SourceDir))
		}
		if o.metrics != nil {
			o.metrics.ObserveRebuild(string(mode), outcome)
		}
	}()

	return txID, nil
}

// runPostBuildHooks executes the fixed post-build chain in:
// invalidate stale claims, then embeddings per mode, then ensure the
// lexical index, then record the new baseline with the Health & Drift
// Reporter so drift detection has something to compare future rebuilds
// against.
func (o *Orchestrator) runPostBuildHooks(ctx context.Context, pc model.ProjectContext, mode model.RebuildType) {
	if o.claims != nil {
		if _, se := o.claims.InvalidateStaleClaims(ctx, pc.ProjectID); se != nil {
			o.log.Warn("post-build: stale claim invalidation failed", "project", pc.ProjectID, "error", se.Error())
		}
	}

	if mode == model.RebuildIncremental {
		o.log.Info("post-build: marking embeddings not-ready", "project", pc.ProjectID)
		if o.health != nil {
			o.health.SetEmbeddingsReady(pc.ProjectID, false)
		}
	} else {
		if err := o.regenerateEmbeddings(ctx, pc); err != nil {
			o.log.Warn("post-build: embedding regeneration failed", "project", pc.ProjectID, "error", err)
			if o.health != nil {
				o.health.SetEmbeddingsReady(pc.ProjectID, false)
			}
		} else {
			if o.health != nil {
				o.health.SetEmbeddingsReady(pc.ProjectID, true)
			}
			if o.comm != nil {
				if err := o.comm.Run(ctx, pc.ProjectID); err != nil {
					o.log.Warn("post-build: community detection failed", "project", pc.ProjectID, "error", err)
				}
			}
		}
	}

	if se := o.graph.EnsureLexicalIndex(ctx, pc.ProjectID); se != nil {
		o.log.Warn("post-build: lexical index ensure failed", "project", pc.ProjectID, "error", se.Error())
	}

	if o.health != nil {
		nodes, se := o.graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{LiveOnly: true})
		if se == nil {
			o.health.RecordRebuildComplete(pc.ProjectID, string(mode), len(nodes))
		}
	}
}

// regenerateEmbeddings clears and repopulates every embedding for a project
// after a full rebuild
func (o *Orchestrator) regenerateEmbeddings(ctx context.Context, pc model.ProjectContext) error {
	if o.embed == nil || o.vectors == nil {
		return nil
	}
	if err := o.vectors.DeleteProject(ctx, pc.ProjectID); err != nil {
		return err
	}
	nodes, se := o.graph.ListNodes(ctx, pc.ProjectID, graphstore.NodeFilter{
		Types:    []model.NodeType{model.NodeFunction, model.NodeClass, model.NodeFile},
		LiveOnly: true,
	})
	if se != nil {
		return se
	}
	for _, n := range nodes {
		name, _ := n.Properties["name"].(string)
		path, _ := n.Properties["path"].(string)
		vec, err := o.embed.Embed(ctx, name+" "+path)
		if err != nil {
			return err
		}
		rec := &model.EmbeddingRecord{
			ID:        n.ID,
			ProjectID: pc.ProjectID,
			Type:      embeddingTypeFor(n.Type),
			Name:      name,
			Vector:    vec,
			Path:      path,
		}
		if err := o.vectors.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func embeddingTypeFor(t model.NodeType) model.EmbeddingType {
	switch t {
	case model.NodeClass:
		return model.EmbeddingClass
	case model.NodeFile:
		return model.EmbeddingFile
	default:
		return model.EmbeddingFunction
	}
}

func (o *Orchestrator) recordBuildError(projectID string, err error, context string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := append(o.errors[projectID], model.BuildErrorEntry{
		Timestamp: time.UnixMilli(o.clock.NowMS()),
		Error:     err.Error(),
		Context:   context,
	})
	if len(entries) > buildErrorLedgerCap {
		entries = entries[len(entries)-buildErrorLedgerCap:]
	}
	o.errors[projectID] = entries
}

// BuildErrors returns a copy of the build-error ledger for a project,
// surfaced by the Health & Drift Reporter.
func (o *Orchestrator) BuildErrors(projectID string) []model.BuildErrorEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.errors[projectID]
	out := make([]model.BuildErrorEntry, len(entries))
	copy(out, entries)
	return out
}
