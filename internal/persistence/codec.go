package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// Records live in a gob blob next to the columns queries filter on.

func encodeGob(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("persistence: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// decodeGob yields the zero T for an empty blob.
func decodeGob[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("persistence: decode %T: %w", v, err)
	}
	return v, nil
}

// unixNano stores the zero time as 0 so it round-trips as time.Time{}.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
