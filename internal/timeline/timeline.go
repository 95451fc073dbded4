// Package timeline merges a subject's local notes with provider-side
// communication history into one feed, newest first.
package timeline

import (
	"sort"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

// DefaultWindow is how close two timestamps must be for a provider event to
// count as a copy of a local note.
const DefaultWindow = 120 * time.Second

// FromNote converts a local note into a timeline event.
func FromNote(n api.Note) api.CommunicationEvent {
	return api.CommunicationEvent{
		ID:           n.ID,
		Source:       api.CommLocal,
		Type:         n.Type,
		Direction:    n.Direction,
		Timestamp:    n.Timestamp,
		Text:         n.Text,
		Outcome:      n.Outcome,
		HasRecording: n.HasRecording,
		NoteSource:   n.Source,
	}
}

// Merge returns every local note plus the provider events that do not
// duplicate one, ordered by timestamp descending. A provider event is a
// duplicate when it is an outbound text within window of a local outbound
// text, or when a provider-sourced local note of the same type and direction
// lies within window of it.
func Merge(local []api.Note, provider []api.CommunicationEvent, window time.Duration) []api.CommunicationEvent {
	out := make([]api.CommunicationEvent, 0, len(local)+len(provider))
	for _, n := range local {
		out = append(out, FromNote(n))
	}
	for _, ev := range provider {
		if duplicated(ev, local, window) {
			continue
		}
		ev.Source = api.CommProvider
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func duplicated(ev api.CommunicationEvent, local []api.Note, window time.Duration) bool {
	outboundText := ev.Type == api.NoteTypeText && ev.Direction == api.DirectionOutbound
	for _, n := range local {
		if !within(n.Timestamp, ev.Timestamp, window) {
			continue
		}
		if outboundText && n.Type == api.NoteTypeText && n.Direction == api.DirectionOutbound {
			return true
		}
		if n.Source == api.SourceProvider && n.Type == ev.Type && n.Direction == ev.Direction {
			return true
		}
	}
	return false
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
