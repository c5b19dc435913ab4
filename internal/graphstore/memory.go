package graphstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/graphmcp/server/internal/aids"
	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// memoryStore is an in-memory Store with guarded read/copy-on-write
// semantics: every map access is guarded by mu, and values are deep-copied
// in and out so callers can never mutate stored state through an aliased
// pointer.
type memoryStore struct {
	mu            sync.RWMutex
	nodes         map[string][]*model.GraphNode // key: projectID -> all rows (including closed) for that project, keyed secondarily by ID via linear scan
	relationships map[string][]*model.GraphRelationship
	txs           map[string][]*model.GraphTx
	claims        map[string][]*model.Claim
	episodes      map[string][]*model.Episode
	lexicalIndex  map[string]bool
}

// NewMemory returns an in-memory Store, suitable for tests and for running
// the server without a durable graph store configured.
func NewMemory() Store {
	return &memoryStore{
		nodes:         map[string][]*model.GraphNode{},
		relationships: map[string][]*model.GraphRelationship{},
		txs:           map[string][]*model.GraphTx{},
		claims:        map[string][]*model.Claim{},
		episodes:      map[string][]*model.Episode{},
		lexicalIndex:  map[string]bool{},
	}
}

func deepCopy[T any](v T) T {
	b := aids.Must(json.Marshal(v))
	var cp T
	aids.Must0(json.Unmarshal(b, &cp))
	return cp
}

func (s *memoryStore) Connected(ctx context.Context) bool { return true }

func (s *memoryStore) PutNode(ctx context.Context, node *model.GraphNode) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.nodes[node.ProjectID]
	for _, r := range rows {
		if r.ID == node.ID && r.IsLive() {
			r.ValidTo = aids.Ptr(node.ValidFrom)
		}
	}
	cp := deepCopy(*node)
	s.nodes[node.ProjectID] = append(rows, &cp)
	return nil
}

func (s *memoryStore) GetNode(ctx context.Context, projectID, id string) (*model.GraphNode, bool, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.nodes[projectID] {
		if r.ID == id && r.IsLive() {
			cp := deepCopy(*r)
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *memoryStore) ListNodes(ctx context.Context, projectID string, filter NodeFilter) ([]*model.GraphNode, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := map[model.NodeType]bool{}
	for _, t := range filter.Types {
		typeSet[t] = true
	}

	out := []*model.GraphNode{}
	for _, r := range s.nodes[projectID] {
		if len(typeSet) > 0 && !typeSet[r.Type] {
			continue
		}
		if filter.LiveOnly && !r.IsLive() {
			continue
		}
		if filter.ValidFromGTE != nil && r.ValidFrom < *filter.ValidFromGTE {
			continue
		}
		if filter.ValidToGTE != nil {
			if r.ValidTo == nil || *r.ValidTo < *filter.ValidToGTE {
				continue
			}
		}
		cp := deepCopy(*r)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom > out[j].ValidFrom })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryStore) PutRelationship(ctx context.Context, rel *model.GraphRelationship) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*rel)
	s.relationships["*"] = append(s.relationships["*"], &cp) // relationships are not project-scoped; keyed globally
	return nil
}

func (s *memoryStore) ListRelationships(ctx context.Context, projectID string, from, to string, relType model.RelationshipType) ([]*model.GraphRelationship, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.GraphRelationship{}
	for _, r := range s.relationships["*"] {
		if from != "" && r.From != from {
			continue
		}
		if to != "" && r.To != to {
			continue
		}
		if relType != "" && r.Type != relType {
			continue
		}
		cp := deepCopy(*r)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryStore) AppendGraphTx(ctx context.Context, tx *model.GraphTx) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*tx)
	s.txs[tx.ProjectID] = append(s.txs[tx.ProjectID], &cp)
	return nil
}

func (s *memoryStore) ListGraphTxSince(ctx context.Context, projectID string, sinceTs int64) ([]*model.GraphTx, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.GraphTx{}
	for _, tx := range s.txs[projectID] {
		if tx.Timestamp >= sinceTs {
			cp := deepCopy(*tx)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *memoryStore) FindGraphTxByID(ctx context.Context, projectID, id string) (*model.GraphTx, bool, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txs[projectID] {
		if tx.ID == id {
			cp := deepCopy(*tx)
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *memoryStore) FindGraphTxByGitCommit(ctx context.Context, projectID, commit string) (*model.GraphTx, bool, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.GraphTx
	for _, tx := range s.txs[projectID] {
		if tx.GitCommit == commit && (best == nil || tx.Timestamp > best.Timestamp) {
			best = tx
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := deepCopy(*best)
	return &cp, true, nil
}

func (s *memoryStore) FindGraphTxByAgentID(ctx context.Context, projectID, agentID string) (*model.GraphTx, bool, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.GraphTx
	for _, tx := range s.txs[projectID] {
		if tx.AgentID == agentID && (best == nil || tx.Timestamp > best.Timestamp) {
			best = tx
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := deepCopy(*best)
	return &cp, true, nil
}

func (s *memoryStore) LatestGraphTxTimestamp(ctx context.Context, projectID string) (int64, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, tx := range s.txs[projectID] {
		if tx.Timestamp > max {
			max = tx.Timestamp
		}
	}
	return max, nil
}

func (s *memoryStore) PutClaim(ctx context.Context, claim *model.Claim) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*claim)
	s.claims[claim.ProjectID] = append(s.claims[claim.ProjectID], &cp)
	return nil
}

func (s *memoryStore) GetLiveClaim(ctx context.Context, projectID, targetID string) (*model.Claim, bool, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.claims[projectID] {
		if c.TargetID == targetID && c.IsLive() {
			cp := deepCopy(*c)
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *memoryStore) CloseClaim(ctx context.Context, projectID, claimID string, now int64) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.claims[projectID] {
		if c.ID == claimID && c.IsLive() {
			c.ValidTo = aids.Ptr(now)
			return nil
		}
	}
	return svrerr.NotFound("AGENT_RELEASE_INVALID_INPUT", "claim '%s' not found or already closed", claimID)
}

func (s *memoryStore) ListLiveClaims(ctx context.Context, projectID, agentID string) ([]*model.Claim, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Claim{}
	for _, c := range s.claims[projectID] {
		if !c.IsLive() {
			continue
		}
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		cp := deepCopy(*c)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryStore) PutEpisode(ctx context.Context, ep *model.Episode) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*ep)
	s.episodes[ep.ProjectID] = append(s.episodes[ep.ProjectID], &cp)
	return nil
}

func (s *memoryStore) ListEpisodes(ctx context.Context, projectID string, f EpisodeFilter) ([]*model.Episode, *svrerr.ServerError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := map[model.EpisodeType]bool{}
	for _, t := range f.Types {
		typeSet[t] = true
	}
	entitySet := map[string]bool{}
	for _, e := range f.Entities {
		entitySet[e] = true
	}

	out := []*model.Episode{}
	for _, e := range s.episodes[projectID] {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if e.Timestamp < f.Since {
			continue
		}
		if len(entitySet) > 0 {
			match := false
			for _, ent := range e.Entities {
				if entitySet[ent] {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := deepCopy(*e)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) EnsureLexicalIndex(ctx context.Context, projectID string) *svrerr.ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lexicalIndex[projectID] = true
	return nil
}

var _ Store = (*memoryStore)(nil)
