package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of a MongoDB collection.
//
// Document schema:
//
//	{
//	  _id:        string,  // task ID
//	  payload:    []byte,  // gob-encoded Task
//	  not_before: int64,   // unix nanoseconds
//	  seq:        int64,   // enqueue order tie-break
//	}
//
// A due task is claimed with FindOneAndDelete, so exactly one consumer
// receives it.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "sagaflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "sagaflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID        string `bson:"_id"`
	Payload   []byte `bson:"payload"`
	NotBefore int64  `bson:"not_before"`
	Seq       int64  `bson:"seq"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		NotBefore: t.NotBefore.UnixNano(),
		Seq:       t.EnqueuedAt.UnixNano(),
	})
	return err
}

// Dequeue polls until a due task is claimed or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()

	for {
		task, err := q.claim(ctx, time.Now())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *MongoQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	opts := options.FindOneAndDelete().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}})

	var doc mongoQueueDoc
	err := q.coll.FindOneAndDelete(ctx, bson.M{"not_before": bson.M{"$lte": now.UnixNano()}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeTask(doc.Payload)
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue: len failed", "error", err)
		return 0
	}
	return int(n)
}
