package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Payloads are stored as a gob-encoded interface value so the concrete type
// survives the round trip. Types carried in a Payload must be registered with
// gob.Register; api.TriggerContext registers itself.

func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("taskqueue: encode %T payload: %w", v, err)
	}
	return buf.Bytes(), nil
}

func unmarshalPayload(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, fmt.Errorf("taskqueue: decode payload: %w", err)
	}
	return v, nil
}
