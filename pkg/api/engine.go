package api

import (
	"context"
	"time"
)

// Engine is the public surface of the automation & sequencing engine.
type Engine interface {
	// RegisterRule stores or replaces an automation rule.
	RegisterRule(ctx context.Context, r Rule) error

	// RegisterSequence stores or replaces a sequence definition.
	RegisterSequence(ctx context.Context, seq Sequence) error

	// RegisterAPIKey stores or replaces an intake API key.
	RegisterAPIKey(ctx context.Context, key APIKey) error

	// CreateSubject persists a new subject and fires new_subject automation
	// plus initial-phase sequence enrollment, waiting at most MaxWait.
	CreateSubject(ctx context.Context, s *Subject, actor string) (*Subject, error)

	// GetSubject looks up a subject by ID.
	GetSubject(ctx context.Context, id string) (*Subject, error)

	// ChangePhase records a phase transition and fires phase_change automation.
	ChangePhase(ctx context.Context, subjectID, toPhase, actor string) (*Subject, error)

	// CompleteTask marks a task done and fires task_completed automation.
	CompleteTask(ctx context.Context, subjectID, taskID, actor string) (*Subject, error)

	// RecordDocument fires document_uploaded or document_signed automation.
	RecordDocument(ctx context.Context, subjectID string, trigger TriggerType, documentType string, templateNames []string) error

	// Dispatch evaluates every enabled rule for the trigger and executes the
	// matching ones synchronously.
	Dispatch(ctx context.Context, trigger TriggerType, s *Subject, tc TriggerContext) ([]ActionResult, error)

	// Route processes an inbound message exactly once per external ID.
	Route(ctx context.Context, msg InboundMessage) (*RouteResult, error)

	// Ingest processes an external form submission.
	Ingest(ctx context.Context, payload map[string]any, apiKey string) IngestResult

	// StartSequence enrolls a subject in a sequence starting at startStep.
	StartSequence(ctx context.Context, subjectID, sequenceID string, startStep int, actor string) (*Enrollment, error)

	// StopSequence cancels an active enrollment and its pending steps.
	StopSequence(ctx context.Context, enrollmentID string, reason CancelReason, actor string) (*Enrollment, error)

	// ListEnrollments returns the enrollments of a subject.
	ListEnrollments(ctx context.Context, subjectID string) ([]*Enrollment, error)

	// SequenceLog returns the log rows of one enrollment ordered by step index.
	SequenceLog(ctx context.Context, enrollmentID string) ([]SequenceLogEntry, error)

	// ExecuteDueSteps runs every pending step scheduled at or before now.
	ExecuteDueSteps(ctx context.Context, now time.Time) (int, error)

	// ExecuteStep runs one pending step if it is still pending.
	ExecuteStep(ctx context.Context, logID string) (*SequenceLogEntry, error)

	// Timeline returns the merged, deduplicated communication feed of a subject.
	Timeline(ctx context.Context, subjectID string) ([]CommunicationEvent, error)

	// Wait blocks until background automation started by earlier calls finished.
	Wait()
}
