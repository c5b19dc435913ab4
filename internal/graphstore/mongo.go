package graphstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// mongoStore is the durable Store backing, grounded on the Mongo client in
// goadesign-goa-ai's features/memory/mongo package: one collection per
// entity kind, a bounded per-call timeout, and document shapes that mirror
// the in-process model types directly (no separate DTOs) since the graph
// store is this server's source of truth, not a cache to reshape around.
type mongoStore struct {
	client     *mongodriver.Client
	db         *mongodriver.Database
	nodes      *mongodriver.Collection
	rels       *mongodriver.Collection
	txs        *mongodriver.Collection
	claims     *mongodriver.Collection
	episodes   *mongodriver.Collection
	timeout    time.Duration
}

// NewMongo connects to uri/database and returns a durable Store. It ensures
// the indexes the query patterns above rely on (project+id, project+target,
// project+timestamp) exist.
func NewMongo(ctx context.Context, uri, database string) (Store, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}

	db := client.Database(database)
	s := &mongoStore{
		client:   client,
		db:       db,
		nodes:    db.Collection("graph_nodes"),
		rels:     db.Collection("graph_relationships"),
		txs:      db.Collection("graph_tx"),
		claims:   db.Collection("claims"),
		episodes: db.Collection("episodes"),
		timeout:  5 * time.Second,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.nodes.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "projectid", Value: 1}, {Key: "id", Value: 1}}},
		{Keys: bson.D{{Key: "projectid", Value: 1}, {Key: "type", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.claims.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "projectid", Value: 1}, {Key: "targetid", Value: 1}},
	})
	return err
}

func (s *mongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *mongoStore) Connected(ctx context.Context) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil) == nil
}

func (s *mongoStore) PutNode(ctx context.Context, node *model.GraphNode) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	closeTs := node.ValidFrom
	_, err := s.nodes.UpdateMany(ctx,
		bson.M{"projectid": node.ProjectID, "id": node.ID, "validto": nil},
		bson.M{"$set": bson.M{"validto": closeTs}})
	if err != nil {
		return svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	if _, err := s.nodes.InsertOne(ctx, node); err != nil {
		return svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return nil
}

func (s *mongoStore) GetNode(ctx context.Context, projectID, id string) (*model.GraphNode, bool, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n model.GraphNode
	err := s.nodes.FindOne(ctx, bson.M{"projectid": projectID, "id": id, "validto": nil}).Decode(&n)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return &n, true, nil
}

func (s *mongoStore) ListNodes(ctx context.Context, projectID string, filter NodeFilter) ([]*model.GraphNode, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := bson.M{"projectid": projectID}
	if len(filter.Types) > 0 {
		q["type"] = bson.M{"$in": filter.Types}
	}
	if filter.LiveOnly {
		q["validto"] = nil
	}
	if filter.ValidFromGTE != nil {
		q["validfrom"] = bson.M{"$gte": *filter.ValidFromGTE}
	}
	if filter.ValidToGTE != nil {
		q["validto"] = bson.M{"$gte": *filter.ValidToGTE}
	}
	opts := options.Find().SetSort(bson.D{{Key: "validfrom", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.nodes.Find(ctx, q, opts)
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	defer cur.Close(ctx)
	out := []*model.GraphNode{}
	for cur.Next(ctx) {
		var n model.GraphNode
		if err := cur.Decode(&n); err != nil {
			return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *mongoStore) PutRelationship(ctx context.Context, rel *model.GraphRelationship) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.rels.InsertOne(ctx, rel); err != nil {
		return svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return nil
}

func (s *mongoStore) ListRelationships(ctx context.Context, projectID string, from, to string, relType model.RelationshipType) ([]*model.GraphRelationship, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := bson.M{}
	if from != "" {
		q["from"] = from
	}
	if to != "" {
		q["to"] = to
	}
	if relType != "" {
		q["type"] = relType
	}
	cur, err := s.rels.Find(ctx, q)
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	defer cur.Close(ctx)
	out := []*model.GraphRelationship{}
	for cur.Next(ctx) {
		var r model.GraphRelationship
		if err := cur.Decode(&r); err != nil {
			return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *mongoStore) AppendGraphTx(ctx context.Context, tx *model.GraphTx) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.txs.InsertOne(ctx, tx); err != nil {
		return svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return nil
}

func (s *mongoStore) ListGraphTxSince(ctx context.Context, projectID string, sinceTs int64) ([]*model.GraphTx, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.txs.Find(ctx,
		bson.M{"projectid": projectID, "timestamp": bson.M{"$gte": sinceTs}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	defer cur.Close(ctx)
	out := []*model.GraphTx{}
	for cur.Next(ctx) {
		var tx model.GraphTx
		if err := cur.Decode(&tx); err != nil {
			return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

func (s *mongoStore) findGraphTxBy(ctx context.Context, q bson.M) (*model.GraphTx, bool, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var tx model.GraphTx
	err := s.txs.FindOne(ctx, q, options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})).Decode(&tx)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return &tx, true, nil
}

func (s *mongoStore) FindGraphTxByID(ctx context.Context, projectID, id string) (*model.GraphTx, bool, *svrerr.ServerError) {
	return s.findGraphTxBy(ctx, bson.M{"projectid": projectID, "id": id})
}

func (s *mongoStore) FindGraphTxByGitCommit(ctx context.Context, projectID, commit string) (*model.GraphTx, bool, *svrerr.ServerError) {
	return s.findGraphTxBy(ctx, bson.M{"projectid": projectID, "gitcommit": commit})
}

func (s *mongoStore) FindGraphTxByAgentID(ctx context.Context, projectID, agentID string) (*model.GraphTx, bool, *svrerr.ServerError) {
	return s.findGraphTxBy(ctx, bson.M{"projectid": projectID, "agentid": agentID})
}

func (s *mongoStore) LatestGraphTxTimestamp(ctx context.Context, projectID string) (int64, *svrerr.ServerError) {
	tx, ok, se := s.findGraphTxBy(ctx, bson.M{"projectid": projectID})
	if se != nil {
		return 0, se
	}
	if !ok {
		return 0, nil
	}
	return tx.Timestamp, nil
}

func (s *mongoStore) PutClaim(ctx context.Context, claim *model.Claim) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.claims.InsertOne(ctx, claim); err != nil {
		return svrerr.Internal("AGENT_CLAIM_INVALID_INPUT", err)
	}
	return nil
}

func (s *mongoStore) GetLiveClaim(ctx context.Context, projectID, targetID string) (*model.Claim, bool, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var c model.Claim
	err := s.claims.FindOne(ctx, bson.M{"projectid": projectID, "targetid": targetID, "validto": nil}).Decode(&c)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return &c, true, nil
}

func (s *mongoStore) CloseClaim(ctx context.Context, projectID, claimID string, now int64) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.claims.UpdateOne(ctx,
		bson.M{"projectid": projectID, "id": claimID, "validto": nil},
		bson.M{"$set": bson.M{"validto": now}})
	if err != nil {
		return svrerr.Internal("AGENT_RELEASE_INVALID_INPUT", err)
	}
	if res.MatchedCount == 0 {
		return svrerr.NotFound("AGENT_RELEASE_INVALID_INPUT", "claim '%s' not found or already closed", claimID)
	}
	return nil
}

func (s *mongoStore) ListLiveClaims(ctx context.Context, projectID, agentID string) ([]*model.Claim, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := bson.M{"projectid": projectID, "validto": nil}
	if agentID != "" {
		q["agentid"] = agentID
	}
	cur, err := s.claims.Find(ctx, q)
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	defer cur.Close(ctx)
	out := []*model.Claim{}
	for cur.Next(ctx) {
		var c model.Claim
		if err := cur.Decode(&c); err != nil {
			return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *mongoStore) PutEpisode(ctx context.Context, ep *model.Episode) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.episodes.InsertOne(ctx, ep); err != nil {
		return svrerr.Internal("EPISODE_ADD_INVALID_INPUT", err)
	}
	return nil
}

func (s *mongoStore) ListEpisodes(ctx context.Context, projectID string, f EpisodeFilter) ([]*model.Episode, *svrerr.ServerError) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := bson.M{"projectid": projectID, "timestamp": bson.M{"$gte": f.Since}}
	if f.AgentID != "" {
		q["agentid"] = f.AgentID
	}
	if f.TaskID != "" {
		q["taskid"] = f.TaskID
	}
	if len(f.Types) > 0 {
		q["type"] = bson.M{"$in": f.Types}
	}
	if len(f.Entities) > 0 {
		q["entities"] = bson.M{"$in": f.Entities}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.episodes.Find(ctx, q, opts)
	if err != nil {
		return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	defer cur.Close(ctx)
	out := []*model.Episode{}
	for cur.Next(ctx) {
		var e model.Episode
		if err := cur.Decode(&e); err != nil {
			return nil, svrerr.Internal("GRAPH_QUERY_FAILED", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *mongoStore) EnsureLexicalIndex(ctx context.Context, projectID string) *svrerr.ServerError {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.nodes.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "properties.name", Value: "text"}},
		Options: options.Index().SetName("bm25_" + projectID),
	})
	if err != nil && !mongodriver.IsDuplicateKeyError(err) {
		return svrerr.Internal("GRAPH_QUERY_FAILED", err)
	}
	return nil
}

var _ Store = (*mongoStore)(nil)
