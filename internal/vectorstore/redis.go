package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/graphmcp/server/internal/model"
)

// redisStore is the durable Store backing, grounded on the redis-go usage
// pattern shared by jordigilh-kubernaut and goadesign-goa-ai. Redis has no
// native vector index in this deployment, so each collection is a hash set
// scanned and ranked in-process on Search; this is adequate for the
// per-project embedding counts this server targets (hundreds to low
// thousands of symbols), and keeps the client dependency itself real rather
// than a dedicated vector-database SDK none of the example repos import.
type redisStore struct {
	client *redis.Client
}

// NewRedis returns a Redis-backed Store.
func NewRedis(addr string) Store {
	return &redisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func key(projectID string) string { return fmt.Sprintf("graphmcp:embeddings:%s", projectID) }

func (s *redisStore) Upsert(ctx context.Context, rec *model.EmbeddingRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, key(rec.ProjectID), rec.ID, b).Err()
}

func (s *redisStore) all(ctx context.Context, projectID string) ([]*model.EmbeddingRecord, error) {
	raw, err := s.client.HGetAll(ctx, key(projectID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.EmbeddingRecord, 0, len(raw))
	for _, v := range raw {
		var rec model.EmbeddingRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *redisStore) Search(ctx context.Context, projectID string, collections []model.EmbeddingType, query []float32, k int) ([]*model.EmbeddingRecord, error) {
	all, err := s.all(ctx, projectID)
	if err != nil {
		return nil, err
	}
	collSet := map[model.EmbeddingType]bool{}
	for _, c := range collections {
		collSet[c] = true
	}
	candidates := make([]*model.EmbeddingRecord, 0, len(all))
	for _, r := range all {
		if len(collSet) > 0 && !collSet[r.Type] {
			continue
		}
		candidates = append(candidates, r)
	}
	return rankBySimilarity(query, candidates, k), nil
}

func (s *redisStore) Counts(ctx context.Context, projectID string) (map[model.EmbeddingType]int, error) {
	all, err := s.all(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := map[model.EmbeddingType]int{}
	for _, r := range all {
		out[r.Type]++
	}
	return out, nil
}

func (s *redisStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.client.Del(ctx, key(projectID)).Err()
}

var _ Store = (*redisStore)(nil)
