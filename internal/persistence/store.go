package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

var (
	// ErrSubjectNotFound is returned when a subject is not found.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrSequenceNotFound is returned when a sequence definition is not found.
	ErrSequenceNotFound = errors.New("sequence not found")

	// ErrEnrollmentNotFound is returned when an enrollment is not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrLogEntryNotFound is returned when a sequence log row is not found.
	ErrLogEntryNotFound = errors.New("sequence log entry not found")

	// ErrInboundNotFound is returned when no inbound message has the given ID.
	ErrInboundNotFound = errors.New("inbound message not found")

	// ErrAPIKeyNotFound is returned when an API key is unknown.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrActiveEnrollment is returned when creating an active enrollment for a
	// (subject, sequence) pair that already has one.
	ErrActiveEnrollment = errors.New("active enrollment already exists")

	// ErrVersionConflict is returned when a subject changed since it was read.
	ErrVersionConflict = errors.New("subject version conflict")

	// ErrStatusConflict is returned when a conditional status update lost a race.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// SubjectFilter selects subjects. Zero values mean "no filter".
type SubjectFilter struct {
	EntityType      api.EntityType
	IncludeArchived bool
}

// SubjectStore persists subjects with optimistic versioning.
type SubjectStore interface {
	// SaveSubject inserts a new subject and sets its Version to 1.
	SaveSubject(ctx context.Context, s *api.Subject) error
	// GetSubject returns a private copy of the subject.
	GetSubject(ctx context.Context, id string) (*api.Subject, error)
	ListSubjects(ctx context.Context, filter SubjectFilter) ([]*api.Subject, error)
	// UpdateSubject writes s if the stored Version still equals s.Version and
	// then increments s.Version. Otherwise it returns ErrVersionConflict.
	UpdateSubject(ctx context.Context, s *api.Subject) error
}

// RuleFilter selects rules. A rule with an empty EntityType matches any
// EntityType filter.
type RuleFilter struct {
	Trigger     api.TriggerType
	EntityType  api.EntityType
	EnabledOnly bool
}

// RuleStore persists automation rules.
type RuleStore interface {
	SaveRule(ctx context.Context, r api.Rule) error
	ListRules(ctx context.Context, filter RuleFilter) ([]api.Rule, error)
}

// SequenceFilter selects sequences.
type SequenceFilter struct {
	TriggerPhase string
	EnabledOnly  bool
}

// SequenceStore persists sequence definitions.
type SequenceStore interface {
	SaveSequence(ctx context.Context, seq api.Sequence) error
	GetSequence(ctx context.Context, id string) (*api.Sequence, error)
	ListSequences(ctx context.Context, filter SequenceFilter) ([]api.Sequence, error)
}

// EnrollmentFilter selects enrollments.
type EnrollmentFilter struct {
	SubjectID  string
	SequenceID string
	Status     api.EnrollmentStatus
}

// EnrollmentStore persists enrollments and enforces the "at most one active
// enrollment per (subject, sequence)" invariant at write time.
type EnrollmentStore interface {
	// CreateEnrollment inserts e. If e is active and another active enrollment
	// exists for the same pair, it returns ErrActiveEnrollment.
	CreateEnrollment(ctx context.Context, e *api.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error)
	// UpdateEnrollment writes e only if the stored status equals expect,
	// otherwise it returns ErrStatusConflict.
	UpdateEnrollment(ctx context.Context, e *api.Enrollment, expect api.EnrollmentStatus) error
	// ListEnrollments returns matches ordered by StartedAt.
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*api.Enrollment, error)
}

// LogFilter selects sequence log rows. A non-zero DueBy keeps rows scheduled
// at or before it.
type LogFilter struct {
	EnrollmentID string
	SequenceID   string
	SubjectID    string
	Status       api.StepStatus
	DueBy        time.Time
}

// SequenceLogStore persists one row per (sequence, subject, step index).
type SequenceLogStore interface {
	AppendLogEntries(ctx context.Context, entries []api.SequenceLogEntry) error
	GetLogEntry(ctx context.Context, id string) (*api.SequenceLogEntry, error)
	// ListLogEntries returns matches ordered by ScheduledAt, then StepIndex.
	ListLogEntries(ctx context.Context, filter LogFilter) ([]api.SequenceLogEntry, error)
	// TransitionLogEntry moves a row from one status to another and reports
	// whether the row was in the expected status.
	TransitionLogEntry(ctx context.Context, id string, from, to api.StepStatus, at time.Time, errText string) (bool, error)
	// CancelPendingEntries cancels every pending row of the (sequence, subject)
	// pair and returns how many changed.
	CancelPendingEntries(ctx context.Context, sequenceID, subjectID string) (int, error)
}

// InboundLogStore is the idempotency fence for inbound messages.
type InboundLogStore interface {
	// ClaimInbound inserts the entry unless its MessageID is already present.
	// It returns false for duplicates.
	ClaimInbound(ctx context.Context, entry api.InboundMessageLogEntry) (bool, error)
	UpdateInbound(ctx context.Context, entry api.InboundMessageLogEntry) error
	// ReleaseInbound drops a claim so a redelivery of the message is
	// processed again. Releasing an unknown ID is not an error.
	ReleaseInbound(ctx context.Context, messageID string) error
	GetInbound(ctx context.Context, messageID string) (*api.InboundMessageLogEntry, error)
}

// APIKeyStore persists intake API keys.
type APIKeyStore interface {
	SaveAPIKey(ctx context.Context, key api.APIKey) error
	GetAPIKey(ctx context.Context, key string) (*api.APIKey, error)
}

// maxMutateAttempts bounds the read-modify-write retry loop.
const maxMutateAttempts = 5

// MutateSubject applies fn to the current version of a subject and writes it
// back, retrying when another writer got there first.
func MutateSubject(ctx context.Context, store SubjectStore, id string, fn func(s *api.Subject) error) (*api.Subject, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		s, err := store.GetSubject(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		err = store.UpdateSubject(ctx, s)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrVersionConflict
}

// AppendNote appends a note to a subject's log.
func AppendNote(ctx context.Context, store SubjectStore, id string, note api.Note) (*api.Subject, error) {
	return MutateSubject(ctx, store, id, func(s *api.Subject) error {
		s.Notes = append(s.Notes, note)
		return nil
	})
}
