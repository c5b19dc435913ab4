package vectorstore

import (
	"context"
	"sync"

	"github.com/graphmcp/server/internal/model"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]*model.EmbeddingRecord // projectID -> recordID -> record
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memoryStore{records: map[string]map[string]*model.EmbeddingRecord{}}
}

func (s *memoryStore) Upsert(ctx context.Context, rec *model.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proj, ok := s.records[rec.ProjectID]
	if !ok {
		proj = map[string]*model.EmbeddingRecord{}
		s.records[rec.ProjectID] = proj
	}
	cp := *rec
	cp.Vector = append([]float32(nil), rec.Vector...)
	proj[rec.ID] = &cp
	return nil
}

func (s *memoryStore) Search(ctx context.Context, projectID string, collections []model.EmbeddingType, query []float32, k int) ([]*model.EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	collSet := map[model.EmbeddingType]bool{}
	for _, c := range collections {
		collSet[c] = true
	}
	candidates := []*model.EmbeddingRecord{}
	for _, r := range s.records[projectID] {
		if len(collSet) > 0 && !collSet[r.Type] {
			continue
		}
		candidates = append(candidates, r)
	}
	return rankBySimilarity(query, candidates, k), nil
}

func (s *memoryStore) Counts(ctx context.Context, projectID string) (map[model.EmbeddingType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[model.EmbeddingType]int{}
	for _, r := range s.records[projectID] {
		out[r.Type]++
	}
	return out, nil
}

func (s *memoryStore) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, projectID)
	return nil
}

var _ Store = (*memoryStore)(nil)
