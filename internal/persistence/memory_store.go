package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of every store
// interface backed by maps.
type InMemoryStore struct {
	mu          sync.RWMutex
	subjects    map[string]*api.Subject
	rules       map[string]api.Rule
	sequences   map[string]api.Sequence
	enrollments map[string]*api.Enrollment
	logEntries  map[string]*api.SequenceLogEntry
	inbound     map[string]*api.InboundMessageLogEntry
	apiKeys     map[string]api.APIKey
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subjects:    make(map[string]*api.Subject),
		rules:       make(map[string]api.Rule),
		sequences:   make(map[string]api.Sequence),
		enrollments: make(map[string]*api.Enrollment),
		logEntries:  make(map[string]*api.SequenceLogEntry),
		inbound:     make(map[string]*api.InboundMessageLogEntry),
		apiKeys:     make(map[string]api.APIKey),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ SubjectStore     = (*InMemoryStore)(nil)
	_ RuleStore        = (*InMemoryStore)(nil)
	_ SequenceStore    = (*InMemoryStore)(nil)
	_ EnrollmentStore  = (*InMemoryStore)(nil)
	_ SequenceLogStore = (*InMemoryStore)(nil)
	_ InboundLogStore  = (*InMemoryStore)(nil)
	_ APIKeyStore      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveSubject(ctx context.Context, subj *api.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subj.Version = 1
	s.subjects[subj.ID] = subj.Clone()
	return nil
}

func (s *InMemoryStore) GetSubject(ctx context.Context, id string) (*api.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subj, ok := s.subjects[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return subj.Clone(), nil
}

func (s *InMemoryStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]*api.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Subject
	for _, subj := range s.subjects {
		if filter.EntityType != "" && subj.EntityType != filter.EntityType {
			continue
		}
		if subj.Archived && !filter.IncludeArchived {
			continue
		}
		result = append(result, subj.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) UpdateSubject(ctx context.Context, subj *api.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subjects[subj.ID]
	if !ok {
		return ErrSubjectNotFound
	}
	if cur.Version != subj.Version {
		return ErrVersionConflict
	}
	subj.Version++
	s.subjects[subj.ID] = subj.Clone()
	return nil
}

func (s *InMemoryStore) SaveRule(ctx context.Context, r api.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules[r.ID] = r
	return nil
}

func (s *InMemoryStore) ListRules(ctx context.Context, filter RuleFilter) ([]api.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Rule
	for _, r := range s.rules {
		if filter.Trigger != "" && r.Trigger != filter.Trigger {
			continue
		}
		if filter.EntityType != "" && r.EntityType != "" && r.EntityType != filter.EntityType {
			continue
		}
		if filter.EnabledOnly && !r.Enabled {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) SaveSequence(ctx context.Context, seq api.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq.Steps = append([]api.Step(nil), seq.Steps...)
	s.sequences[seq.ID] = seq
	return nil
}

func (s *InMemoryStore) GetSequence(ctx context.Context, id string) (*api.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.sequences[id]
	if !ok {
		return nil, ErrSequenceNotFound
	}
	seq.Steps = append([]api.Step(nil), seq.Steps...)
	return &seq, nil
}

func (s *InMemoryStore) ListSequences(ctx context.Context, filter SequenceFilter) ([]api.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Sequence
	for _, seq := range s.sequences {
		if filter.TriggerPhase != "" && seq.TriggerPhase != filter.TriggerPhase {
			continue
		}
		if filter.EnabledOnly && !seq.Enabled {
			continue
		}
		seq.Steps = append([]api.Step(nil), seq.Steps...)
		result = append(result, seq)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) CreateEnrollment(ctx context.Context, e *api.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Status == api.EnrollmentActive {
		for _, cur := range s.enrollments {
			if cur.SubjectID == e.SubjectID && cur.SequenceID == e.SequenceID && cur.Status == api.EnrollmentActive {
				return ErrActiveEnrollment
			}
		}
	}
	cp := *e
	s.enrollments[e.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) UpdateEnrollment(ctx context.Context, e *api.Enrollment, expect api.EnrollmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.enrollments[e.ID]
	if !ok {
		return ErrEnrollmentNotFound
	}
	if cur.Status != expect {
		return ErrStatusConflict
	}
	cp := *e
	s.enrollments[e.ID] = &cp
	return nil
}

func (s *InMemoryStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*api.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Enrollment
	for _, e := range s.enrollments {
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		if filter.SequenceID != "" && e.SequenceID != filter.SequenceID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) AppendLogEntries(ctx context.Context, entries []api.SequenceLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		cp := e
		s.logEntries[e.ID] = &cp
	}
	return nil
}

func (s *InMemoryStore) GetLogEntry(ctx context.Context, id string) (*api.SequenceLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.logEntries[id]
	if !ok {
		return nil, ErrLogEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]api.SequenceLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.SequenceLogEntry
	for _, e := range s.logEntries {
		if filter.EnrollmentID != "" && e.EnrollmentID != filter.EnrollmentID {
			continue
		}
		if filter.SequenceID != "" && e.SequenceID != filter.SequenceID {
			continue
		}
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !filter.DueBy.IsZero() && e.ScheduledAt.After(filter.DueBy) {
			continue
		}
		result = append(result, *e)
	}
	sortLogEntries(result)
	return result, nil
}

func (s *InMemoryStore) TransitionLogEntry(ctx context.Context, id string, from, to api.StepStatus, at time.Time, errText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.logEntries[id]
	if !ok {
		return false, ErrLogEntryNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	if to == api.StepExecuted || to == api.StepFailed {
		e.ExecutedAt = at
	}
	e.Error = errText
	return true, nil
}

func (s *InMemoryStore) CancelPendingEntries(ctx context.Context, sequenceID, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.logEntries {
		if e.SequenceID == sequenceID && e.SubjectID == subjectID && e.Status == api.StepPending {
			e.Status = api.StepCancelled
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ClaimInbound(ctx context.Context, entry api.InboundMessageLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[entry.MessageID]; ok {
		return false, nil
	}
	cp := entry
	cp.MatchedIDs = append([]string(nil), entry.MatchedIDs...)
	s.inbound[entry.MessageID] = &cp
	return true, nil
}

func (s *InMemoryStore) UpdateInbound(ctx context.Context, entry api.InboundMessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inbound[entry.MessageID]; !ok {
		return ErrInboundNotFound
	}
	cp := entry
	cp.MatchedIDs = append([]string(nil), entry.MatchedIDs...)
	s.inbound[entry.MessageID] = &cp
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, messageID)
	return nil
}

func (s *InMemoryStore) GetInbound(ctx context.Context, messageID string) (*api.InboundMessageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.inbound[messageID]
	if !ok {
		return nil, ErrInboundNotFound
	}
	cp := *e
	cp.MatchedIDs = append([]string(nil), e.MatchedIDs...)
	return &cp, nil
}

func (s *InMemoryStore) SaveAPIKey(ctx context.Context, key api.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apiKeys[key.Key] = key
	return nil
}

func (s *InMemoryStore) GetAPIKey(ctx context.Context, key string) (*api.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[key]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return &k, nil
}

func sortLogEntries(entries []api.SequenceLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ScheduledAt.Equal(entries[j].ScheduledAt) {
			return entries[i].StepIndex < entries[j].StepIndex
		}
		return entries[i].ScheduledAt.Before(entries[j].ScheduledAt)
	})
}
