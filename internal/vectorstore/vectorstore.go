// Package vectorstore is the contract for the external vector store client
// ("out of scope: the vector store client"). It ships an in-memory
// implementation for tests and a Redis-backed implementation for production,
// grounded on the redis-go usage in jordigilh-kubernaut and goadesign-goa-ai.
package vectorstore

import (
	"context"
	"sort"

	"github.com/graphmcp/server/internal/model"
)

// Store is the contract the Embedding Manager programs against.
type Store interface {
	// Upsert stores or replaces an embedding record.
	Upsert(ctx context.Context, rec *model.EmbeddingRecord) error

	// Search returns the top-k records across the given collections (a
	// subset of {function, class, file}) ranked by cosine similarity to
	// query, scoped to projectID.
	Search(ctx context.Context, projectID string, collections []model.EmbeddingType, query []float32, k int) ([]*model.EmbeddingRecord, error)

	// Counts returns the number of records per collection for a project.
	Counts(ctx context.Context, projectID string) (map[model.EmbeddingType]int, error)

	// DeleteProject removes every record for a project, used when a full
	// rebuild regenerates embeddings from scratch.
	DeleteProject(ctx context.Context, projectID string) error
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(v float64) float64 {
	if v == 0 {
		return 0
	}
	x := v
	for range 20 {
		x = 0.5 * (x + v/x)
	}
	return x
}

func rankBySimilarity(query []float32, recs []*model.EmbeddingRecord, k int) []*model.EmbeddingRecord {
	type scored struct {
		rec   *model.EmbeddingRecord
		score float64
	}
	scoredRecs := make([]scored, 0, len(recs))
	for _, r := range recs {
		scoredRecs = append(scoredRecs, scored{rec: r, score: cosineSimilarity(query, r.Vector)})
	}
	sort.Slice(scoredRecs, func(i, j int) bool { return scoredRecs[i].score > scoredRecs[j].score })
	if k > 0 && len(scoredRecs) > k {
		scoredRecs = scoredRecs[:k]
	}
	out := make([]*model.EmbeddingRecord, len(scoredRecs))
	for i, s := range scoredRecs {
		out[i] = s.rec
	}
	return out
}
