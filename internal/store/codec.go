package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// Decoded documents keep numbers as json.Number so integers survive a
// round trip; callers normalize them for evaluation.

func encodeSnapshot(snap *schema.Snapshot) ([]byte, error) {
	if snap == nil || snap.ExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot requires an execution id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal snapshot: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := decodeJSON(data, &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSnapshotCorrupt, "decode snapshot: %s", err.Error()).WithCause(err)
	}
	return &snap, nil
}

func encodeEvent(ev *schema.ExecutionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (*schema.ExecutionEvent, error) {
	var ev schema.ExecutionEvent
	if err := decodeJSON(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func decodeMap(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := decodeJSON(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAny(data []byte) (any, error) {
	var v any
	if err := decodeJSON(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
