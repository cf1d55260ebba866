package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// EncodeValue serializes v using encoding/gob. Values stored in execution
// contexts must be gob-encodable; custom types need gob.Register.
func EncodeValue[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue is the inverse of EncodeValue. Empty input yields the zero T.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func encodeSnapshot(snap *api.Snapshot) ([]byte, error) {
	data, err := EncodeValue(snap)
	if err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", snap.ID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*api.Snapshot, error) {
	if len(data) == 0 {
		return nil, ErrExecutionNotFound
	}
	snap, err := DecodeValue[*api.Snapshot](data)
	if err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return snap, nil
}

func encodeCheckpoint(cp *api.Checkpoint) ([]byte, error) {
	data, err := EncodeValue(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.ExecutionID, err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*api.Checkpoint, error) {
	if len(data) == 0 {
		return nil, ErrCheckpointNotFound
	}
	cp, err := DecodeValue[*api.Checkpoint](data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
