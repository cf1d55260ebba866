package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/sagaflow/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Executions, step records and
// checkpoints live in three collections of one database.
type MongoStore struct {
	executions  *mongo.Collection
	steps       *mongo.Collection
	checkpoints *mongo.Collection
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "sagaflow" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "sagaflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		executions:  db.Collection("executions"),
		steps:       db.Collection("step_records"),
		checkpoints: db.Collection("checkpoints"),
	}
}

type mongoExecutionDoc struct {
	ID        string    `bson:"_id"`
	Workflow  string    `bson:"workflow"`
	Version   string    `bson:"version"`
	State     string    `bson:"state"`
	ParentID  string    `bson:"parent_id,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Snapshot  []byte    `bson:"snapshot"`
}

type mongoStepDoc struct {
	ExecutionID string        `bson:"execution_id"`
	Seq         int64         `bson:"seq"`
	Step        string        `bson:"step"`
	Event       string        `bson:"event"`
	Attempt     int           `bson:"attempt"`
	At          time.Time     `bson:"at"`
	Duration    time.Duration `bson:"duration"`
	Error       string        `bson:"error,omitempty"`
}

type mongoCheckpointDoc struct {
	ID        string    `bson:"_id"`
	CreatedAt time.Time `bson:"created_at"`
	Payload   []byte    `bson:"payload"`
}

func (s *MongoStore) UpdateExecution(ctx context.Context, snap *api.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	doc := mongoExecutionDoc{
		ID:        snap.ID,
		Workflow:  snap.Workflow,
		Version:   snap.Version,
		State:     string(snap.State),
		ParentID:  snap.ParentID,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		Snapshot:  data,
	}
	_, err = s.executions.ReplaceOne(ctx, bson.M{"_id": snap.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Snapshot, error) {
	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeSnapshot(doc.Snapshot)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error) {
	bfilter := bson.M{}
	if filter.Workflow != "" {
		bfilter["workflow"] = filter.Workflow
	}
	if filter.State != "" {
		bfilter["state"] = string(filter.State)
	}

	cur, err := s.executions.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Snapshot
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(doc.Snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, cur.Err()
}

func (s *MongoStore) RecordStep(ctx context.Context, rec StepRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	doc := mongoStepDoc{
		ExecutionID: rec.ExecutionID,
		Seq:         time.Now().UnixNano(),
		Step:        rec.Step,
		Event:       string(rec.Event),
		Attempt:     rec.Attempt,
		At:          rec.At,
		Duration:    rec.Duration,
		Error:       rec.Error,
	}
	_, err := s.steps.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	cur, err := s.steps.Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []StepRecord
	for cur.Next(ctx) {
		var doc mongoStepDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, StepRecord{
			ExecutionID: doc.ExecutionID,
			Step:        doc.Step,
			Event:       StepEvent(doc.Event),
			Attempt:     doc.Attempt,
			At:          doc.At,
			Duration:    doc.Duration,
			Error:       doc.Error,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, cp *api.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	doc := mongoCheckpointDoc{ID: cp.ExecutionID, CreatedAt: cp.CreatedAt, Payload: data}
	_, err = s.checkpoints.ReplaceOne(ctx, bson.M{"_id": cp.ExecutionID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadCheckpoint(ctx context.Context, executionID string) (*api.Checkpoint, error) {
	var doc mongoCheckpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}
	return decodeCheckpoint(doc.Payload)
}

func (s *MongoStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	_, err := s.checkpoints.DeleteOne(ctx, bson.M{"_id": executionID})
	return err
}
