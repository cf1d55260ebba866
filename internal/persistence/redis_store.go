package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>             => gob-encoded snapshot
//	<prefix>idx:all               => ZSET of execution IDs scored by creation time
//	<prefix>idx:wf:<workflow>     => SET of execution IDs for a given workflow
//	<prefix>steps:<id>            => LIST of gob-encoded step records
//	<prefix>ckpt:<id>             => gob-encoded checkpoint
//
// State is not indexed; ListExecutions filters on the decoded snapshot.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "sagaflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyExecution(id string) string { return s.prefix + "exec:" + id }
func (s *RedisStore) keyAll() string { return s.prefix + "idx:all" }
func (s *RedisStore) keyWorkflow(name string) string { return s.prefix + "idx:wf:" + name }
func (s *RedisStore) keySteps(id string) string { return s.prefix + "steps:" + id }
func (s *RedisStore) keyCheckpoint(id string) string { return s.prefix + "ckpt:" + id }

func (s *RedisStore) UpdateExecution(ctx context.Context, snap *api.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyExecution(snap.ID), data, 0)
	pipe.ZAddNX(ctx, s.keyAll(), redis.Z{Score: float64(created.UnixNano()), Member: snap.ID})
	pipe.SAdd(ctx, s.keyWorkflow(snap.Workflow), snap.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Snapshot, error) {
	data, err := s.client.Get(ctx, s.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Snapshot, error) {
	ids, err := s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if filter.Workflow != "" {
		members, err := s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		inWorkflow := make(map[string]struct{}, len(members))
		for _, m := range members {
			inWorkflow[m] = struct{}{}
		}
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := inWorkflow[id]; ok {
				kept = append(kept, id)
			}
		}
		ids = kept
	}
	if len(ids) == 0 {
		return []*api.Snapshot{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*api.Snapshot, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if matches(snap, filter) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *RedisStore) RecordStep(ctx context.Context, rec StepRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	data, err := EncodeValue(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keySteps(rec.ExecutionID), data).Err()
}

func (s *RedisStore) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	raw, err := s.client.LRange(ctx, s.keySteps(executionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]StepRecord, 0, len(raw))
	for _, r := range raw {
		rec, err := DecodeValue[StepRecord]([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *api.Checkpoint) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyCheckpoint(cp.ExecutionID), data, 0).Err()
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, executionID string) (*api.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.keyCheckpoint(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCheckpointNotFound
		}
		return nil, err
	}
	return decodeCheckpoint(data)
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, executionID string) error {
	return s.client.Del(ctx, s.keyCheckpoint(executionID)).Err()
}
