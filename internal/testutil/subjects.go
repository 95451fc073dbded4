package testutil

import (
	"sort"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

// LatestPhase resolves the override if set, otherwise the phase with the
// newest timestamp.
var LatestPhase = api.PhaseResolverFunc(func(s *api.Subject) string {
	if s.PhaseOverride != "" {
		return s.PhaseOverride
	}
	type kv struct {
		phase string
		at    time.Time
	}
	var all []kv
	for p, at := range s.PhaseTimestamps {
		all = append(all, kv{p, at})
	}
	if len(all) == 0 {
		return ""
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].phase < all[j].phase
		}
		return all[i].at.Before(all[j].at)
	})
	return all[len(all)-1].phase
})

// Caregiver returns a subject in the given phase.
func Caregiver(id, phase string) *api.Subject {
	return &api.Subject{
		ID:              id,
		EntityType:      api.EntityCaregiver,
		FirstName:       "Maria",
		LastName:        "Garcia",
		Phone:           "(604) 555-1234",
		Email:           "maria@example.com",
		PhaseTimestamps: map[string]time.Time{phase: time.Unix(1700000000, 0)},
		Tasks:           map[string]api.TaskState{},
		Fields:          map[string]string{},
		CreatedAt:       time.Unix(1700000000, 0),
	}
}

// NotesOfType filters a subject's notes.
func NotesOfType(s *api.Subject, t api.NoteType) []api.Note {
	var out []api.Note
	for _, n := range s.Notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
