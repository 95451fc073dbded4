package persistence

import (
	"testing"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

func TestGob_SubjectRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	in := api.Subject{
		ID:              "s-1",
		FirstName:       "Ana",
		PhaseTimestamps: map[string]time.Time{"intake": now},
		Notes:           []api.Note{{Text: "hello", Type: api.NoteTypeNote, Timestamp: now}},
	}

	data, err := encodeGob(in)
	if err != nil {
		t.Fatalf("encodeGob failed: %v", err)
	}

	out, err := decodeGob[api.Subject](data)
	if err != nil {
		t.Fatalf("decodeGob failed: %v", err)
	}
	if out.FirstName != "Ana" || len(out.Notes) != 1 || !out.PhaseTimestamps["intake"].Equal(now) {
		t.Fatalf("unexpected decoded subject: %+v", out)
	}
}

func TestGob_EmptyBlobIsZero(t *testing.T) {
	got, err := decodeGob[[]string](nil)
	if err != nil {
		t.Fatalf("decodeGob failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil slice, got %v", got)
	}
}

func TestUnixNano_ZeroTimeRoundTrip(t *testing.T) {
	if unixNano(time.Time{}) != 0 {
		t.Fatalf("expected zero time to encode as 0")
	}
	if !fromUnixNano(0).IsZero() {
		t.Fatalf("expected 0 to decode as zero time")
	}
	now := time.Now()
	if !fromUnixNano(unixNano(now)).Equal(now) {
		t.Fatalf("expected time to round-trip")
	}
}
