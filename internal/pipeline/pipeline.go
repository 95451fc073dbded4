// Package pipeline derives a subject's current phase from its phase
// timestamps and override.
package pipeline

import (
	"sort"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

// Resolver implements api.PhaseResolver over an ordered list of phases.
type Resolver struct {
	order map[string]int
}

var _ api.PhaseResolver = (*Resolver)(nil)

// New returns a Resolver. With no phases the newest timestamp decides.
func New(phases []string) *Resolver {
	r := &Resolver{order: make(map[string]int, len(phases))}
	for i, p := range phases {
		if _, ok := r.order[p]; !ok {
			r.order[p] = i
		}
	}
	return r
}

// CurrentPhase returns the override if set. Otherwise it returns the
// furthest configured phase that has a timestamp, falling back to the phase
// with the newest timestamp when none of them is configured.
func (r *Resolver) CurrentPhase(s *api.Subject) string {
	if s == nil {
		return ""
	}
	if s.PhaseOverride != "" {
		return s.PhaseOverride
	}

	best, bestIdx := "", -1
	for p := range s.PhaseTimestamps {
		if idx, ok := r.order[p]; ok && idx > bestIdx {
			best, bestIdx = p, idx
		}
	}
	if bestIdx >= 0 {
		return best
	}
	return Latest(s.PhaseTimestamps)
}

// Latest returns the phase with the newest timestamp. Ties go to the
// lexically greater name so the result is deterministic.
func Latest(ts map[string]time.Time) string {
	phases := make([]string, 0, len(ts))
	for p := range ts {
		phases = append(phases, p)
	}
	if len(phases) == 0 {
		return ""
	}
	sort.Slice(phases, func(i, j int) bool {
		a, b := ts[phases[i]], ts[phases[j]]
		if a.Equal(b) {
			return phases[i] < phases[j]
		}
		return a.Before(b)
	})
	return phases[len(phases)-1]
}
