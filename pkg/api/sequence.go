package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(SequenceLogEntry{})
}

// Step is one action of a sequence. DelayHours is measured from enrollment.
type Step struct {
	Action     ActionType
	DelayHours float64
	Template   string
	Subject    string
}

// Delay returns the step delay as a duration.
func (s Step) Delay() time.Duration {
	if s.DelayHours <= 0 {
		return 0
	}
	return time.Duration(s.DelayHours * float64(time.Hour))
}

// Sequence is a named, ordered, multi-step delayed campaign.
type Sequence struct {
	ID         string
	Name       string
	EntityType EntityType // empty matches every entity type
	Steps      []Step

	// TriggerPhase auto-enrolls subjects entering that phase.
	// Empty means manual-only.
	TriggerPhase string

	StopOnResponse bool
	Enabled        bool
}

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled
}

// CancelReason records why an enrollment was cancelled.
type CancelReason string

const (
	CancelManual           CancelReason = "manual"
	CancelResponseDetected CancelReason = "response_detected"
	CancelPhaseChanged     CancelReason = "phase_changed"
)

// Enrollment is a subject's run-through of one sequence.
type Enrollment struct {
	ID          string
	SubjectID   string
	SequenceID  string
	Status      EnrollmentStatus
	CurrentStep int

	StartedAt time.Time
	StartedBy string

	CancelReason CancelReason
	CancelledBy  string
	CancelledAt  time.Time
	CompletedAt  time.Time
}

// Progress returns current and total step counts of an enrollment.
func Progress(e *Enrollment, seq *Sequence) (current, total int) {
	if e == nil || seq == nil {
		return 0, 0
	}
	total = len(seq.Steps)
	current = e.CurrentStep
	if current > total {
		current = total
	}
	return current, total
}

// StepStatus is the lifecycle state of one sequence log row.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuted  StepStatus = "executed"
	StepCancelled StepStatus = "cancelled"
	StepFailed    StepStatus = "failed"
)

// SequenceLogEntry is the row for one (sequence, subject, step index).
type SequenceLogEntry struct {
	ID           string
	EnrollmentID string
	SequenceID   string
	SubjectID    string
	StepIndex    int
	Action       ActionType
	Status       StepStatus
	ScheduledAt  time.Time
	ExecutedAt   time.Time
	Error        string
}

// StepScheduler is notified of every pending log entry so it can arrange for
// the step to run at ScheduledAt. Implementations must be durable or best
// effort; the periodic due-step sweep picks up anything they miss.
type StepScheduler interface {
	ScheduleStep(ctx context.Context, entry SequenceLogEntry) error
}
