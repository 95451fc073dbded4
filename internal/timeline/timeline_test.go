package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/petrijr/relay/pkg/api"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func localText(id string, at time.Time) api.Note {
	return api.Note{
		ID:        id,
		Type:      api.NoteTypeText,
		Direction: api.DirectionOutbound,
		Source:    api.SourceLocal,
		Timestamp: at,
		Author:    api.AutomationAuthor,
	}
}

func providerText(id string, dir api.Direction, at time.Time) api.CommunicationEvent {
	return api.CommunicationEvent{ID: id, Type: api.NoteTypeText, Direction: dir, Timestamp: at}
}

func TestMerge_OutboundTextWithinWindowIsDropped(t *testing.T) {
	local := []api.Note{localText("n1", base)}
	provider := []api.CommunicationEvent{
		providerText("p-near", api.DirectionOutbound, base.Add(90*time.Second)),
		providerText("p-edge", api.DirectionOutbound, base.Add(-120*time.Second)),
		providerText("p-far", api.DirectionOutbound, base.Add(121*time.Second)),
	}

	got := Merge(local, provider, DefaultWindow)

	ids := make([]string, len(got))
	for i, ev := range got {
		ids[i] = ev.ID
	}
	require.Equal(t, []string{"p-far", "n1"}, ids)
	require.Equal(t, api.CommProvider, got[0].Source)
	require.Equal(t, api.CommLocal, got[1].Source)
}

func TestMerge_InboundOnlyDroppedAgainstProviderSourcedNote(t *testing.T) {
	webhookLogged := api.Note{
		ID:        "n-in",
		Type:      api.NoteTypeText,
		Direction: api.DirectionInbound,
		Source:    api.SourceProvider,
		Timestamp: base,
	}
	typedByHand := api.Note{
		ID:        "n-manual",
		Type:      api.NoteTypeText,
		Direction: api.DirectionInbound,
		Source:    api.SourceLocal,
		Timestamp: base.Add(10 * time.Minute),
	}
	provider := []api.CommunicationEvent{
		providerText("p-1", api.DirectionInbound, base.Add(30*time.Second)),
		providerText("p-2", api.DirectionInbound, base.Add(10*time.Minute+5*time.Second)),
	}

	got := Merge([]api.Note{webhookLogged, typedByHand}, provider, DefaultWindow)

	require.Len(t, got, 3)
	require.Equal(t, "p-2", got[0].ID)
	require.Equal(t, "n-manual", got[1].ID)
	require.Equal(t, "n-in", got[2].ID)
}

func TestMerge_DifferentTypeIsKept(t *testing.T) {
	note := api.Note{ID: "n", Type: api.NoteTypeCall, Direction: api.DirectionOutbound, Source: api.SourceProvider, Timestamp: base}
	ev := providerText("p", api.DirectionOutbound, base)

	got := Merge([]api.Note{note}, []api.CommunicationEvent{ev}, DefaultWindow)
	require.Len(t, got, 2)
}

func TestMerge_NoProviderData(t *testing.T) {
	got := Merge([]api.Note{localText("a", base), localText("b", base.Add(time.Hour))}, nil, DefaultWindow)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
}

func TestMerge_Properties(t *testing.T) {
	types := []api.NoteType{api.NoteTypeText, api.NoteTypeCall, api.NoteTypeNote}
	dirs := []api.Direction{api.DirectionInbound, api.DirectionOutbound}
	sources := []api.NoteSource{api.SourceLocal, api.SourceProvider}

	rapid.Check(t, func(t *rapid.T) {
		nLocal := rapid.IntRange(0, 8).Draw(t, "nLocal")
		nProv := rapid.IntRange(0, 8).Draw(t, "nProv")

		local := make([]api.Note, nLocal)
		for i := range local {
			local[i] = api.Note{
				ID:        "l" + string(rune('a'+i)),
				Type:      rapid.SampledFrom(types).Draw(t, "ltype"),
				Direction: rapid.SampledFrom(dirs).Draw(t, "ldir"),
				Source:    rapid.SampledFrom(sources).Draw(t, "lsrc"),
				Timestamp: base.Add(time.Duration(rapid.IntRange(0, 1000).Draw(t, "lsec")) * time.Second),
			}
		}
		provider := make([]api.CommunicationEvent, nProv)
		for i := range provider {
			provider[i] = api.CommunicationEvent{
				ID:        "p" + string(rune('a'+i)),
				Type:      rapid.SampledFrom(types).Draw(t, "ptype"),
				Direction: rapid.SampledFrom(dirs).Draw(t, "pdir"),
				Timestamp: base.Add(time.Duration(rapid.IntRange(0, 1000).Draw(t, "psec")) * time.Second),
			}
		}

		got := Merge(local, provider, DefaultWindow)

		if len(got) < nLocal || len(got) > nLocal+nProv {
			t.Fatalf("unexpected length %d for %d local + %d provider", len(got), nLocal, nProv)
		}
		seen := map[string]bool{}
		for i, ev := range got {
			seen[ev.ID] = true
			if i > 0 && ev.Timestamp.After(got[i-1].Timestamp) {
				t.Fatalf("not descending at %d", i)
			}
		}
		for _, n := range local {
			if !seen[n.ID] {
				t.Fatalf("local note %s missing", n.ID)
			}
		}
	})
}
