// Package mongostore implements backend.StateStore on top of MongoDB: one
// document per in-flight task, upserted between cycles, behind a narrow
// collection wrapper so tests run against a fake instead of a live server.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loopkit/agentrt/backend"
	"github.com/loopkit/agentrt/types"
)

const (
	defaultCollection = "agent_checkpoints"
	defaultTimeout     = 5 * time.Second
)

// Options configures Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is a backend.StateStore backed by a single collection keyed on
// task_id (one document per in-flight task, upserted between cycles).
type Store struct {
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by opts.Client, ensuring the unique task_id
// index exists before returning.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: mcoll}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, wrapper); err != nil {
		return nil, err
	}
	return &Store{coll: wrapper, timeout: timeout}, nil
}

var _ backend.StateStore = (*Store)(nil)

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	if cp.TaskID == "" {
		return errors.New("mongostore: task id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": cp.TaskID}
	update := bson.M{
		"$set": bson.M{
			"task_id":      cp.TaskID,
			"cycle_index":  cp.CycleIndex,
			"status":       cp.Status,
			"messages":     cp.Messages,
			"cycles":       cp.Cycles,
			"shared_state": cp.SharedState,
			"updated_at":   time.Now().UTC(),
		},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	if err := s.coll.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	cp := doc.toCheckpoint()
	return &cp, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"task_id": taskID})
	return err
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			TaskID string `bson:"task_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.TaskID)
	}
	return ids, cur.Err()
}

type checkpointDocument struct {
	TaskID      string              `bson:"task_id"`
	CycleIndex  int                 `bson:"cycle_index"`
	Status      types.AgentStatus   `bson:"status"`
	Messages    []types.Message     `bson:"messages"`
	Cycles      []types.CycleRecord `bson:"cycles"`
	SharedState map[string]any      `bson:"shared_state"`
}

func (d checkpointDocument) toCheckpoint() types.Checkpoint {
	return types.Checkpoint{
		TaskID:      d.TaskID,
		CycleIndex:  d.CycleIndex,
		Status:      d.Status,
		Messages:    d.Messages,
		Cycles:      d.Cycles,
		SharedState: d.SharedState,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection narrows *mongodriver.Collection to the operations Store needs,
// so tests can substitute a fake without a live MongoDB instance.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Close(ctx context.Context) error
	Err() error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
