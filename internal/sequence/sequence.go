// Package sequence runs multi-step, time-delayed campaigns: enrollment,
// immediate and deferred step execution, and cancellation.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/relay/internal/action"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/pkg/api"
)

// SystemActor is recorded when the engine cancels an enrollment on its own.
const SystemActor = "System"

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Executor    *action.Executor

	// Scheduler, if set, is told about every pending step.
	Scheduler api.StepScheduler

	Observer api.Observer
	Logger   *slog.Logger

	// PresenceOnly makes AutoEnroll skip a sequence when the subject has ever
	// been enrolled in it, whatever the status of that enrollment.
	PresenceOnly bool

	Now func() time.Time
}

// Engine owns enrollments and the sequence log.
type Engine struct {
	subjects    persistence.SubjectStore
	sequences   persistence.SequenceStore
	enrollments persistence.EnrollmentStore
	log         persistence.SequenceLogStore

	exec         *action.Executor
	scheduler    api.StepScheduler
	observer     api.Observer
	logger       *slog.Logger
	presenceOnly bool
	now          func() time.Time
}

func New(cfg Config) *Engine {
	e := &Engine{
		subjects:     cfg.Persistence.Subjects,
		sequences:    cfg.Persistence.Sequences,
		enrollments:  cfg.Persistence.Enrollments,
		log:          cfg.Persistence.SequenceLog,
		exec:         cfg.Executor,
		scheduler:    cfg.Scheduler,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		presenceOnly: cfg.PresenceOnly,
		now:          cfg.Now,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Start enrolls a subject in a sequence beginning at startStep. Steps before
// startStep are never logged. Steps without delay run before Start returns;
// the others are logged pending.
func (e *Engine) Start(ctx context.Context, subjectID, sequenceID string, startStep int, actor string) (*api.Enrollment, error) {
	const op = "sequence.start"

	seq, err := e.getSequence(ctx, op, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.Enabled {
		return nil, api.NewError(api.CodeValidation, op, fmt.Sprintf("sequence %q is disabled", seq.Name), nil)
	}
	if startStep < 0 || startStep >= len(seq.Steps) {
		return nil, api.NewError(api.CodeValidation, op,
			fmt.Sprintf("start step %d out of range for %d steps", startStep, len(seq.Steps)), nil)
	}
	s, err := e.getSubject(ctx, op, subjectID)
	if err != nil {
		return nil, err
	}
	if seq.EntityType != "" && seq.EntityType != s.EntityType {
		return nil, api.NewError(api.CodeValidation, op,
			fmt.Sprintf("sequence %q does not apply to %s records", seq.Name, s.EntityType), nil)
	}

	now := e.now()
	enr := &api.Enrollment{
		ID:          uuid.NewString(),
		SubjectID:   s.ID,
		SequenceID:  seq.ID,
		Status:      api.EnrollmentActive,
		CurrentStep: startStep,
		StartedAt:   now,
		StartedBy:   actor,
	}
	if err := e.enrollments.CreateEnrollment(ctx, enr); err != nil {
		if errors.Is(err, persistence.ErrActiveEnrollment) {
			return nil, api.NewError(api.CodeConflict, op,
				fmt.Sprintf("subject is already active in sequence %q", seq.Name), err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "create enrollment", err)
	}

	// Every step is logged pending first so a crash mid-way leaves a durable
	// record; immediate ones are then claimed and executed.
	entries := make([]api.SequenceLogEntry, 0, len(seq.Steps)-startStep)
	for i := startStep; i < len(seq.Steps); i++ {
		entries = append(entries, api.SequenceLogEntry{
			ID:           uuid.NewString(),
			EnrollmentID: enr.ID,
			SequenceID:   seq.ID,
			SubjectID:    s.ID,
			StepIndex:    i,
			Action:       seq.Steps[i].Action,
			Status:       api.StepPending,
			ScheduledAt:  now.Add(seq.Steps[i].Delay()),
		})
	}
	if err := e.log.AppendLogEntries(ctx, entries); err != nil {
		e.abandon(ctx, enr)
		return nil, api.NewError(api.CodeDatabase, op, "append sequence log", err)
	}

	for _, entry := range entries {
		if seq.Steps[entry.StepIndex].Delay() > 0 {
			e.schedule(ctx, entry)
			continue
		}
		e.run(ctx, entry, seq)
	}

	e.observer.OnSequenceStarted(ctx, enr, seq)
	return e.refresh(ctx, enr.ID, seq)
}

// abandon cancels an enrollment whose steps could not be logged, so the pair
// can be started again.
func (e *Engine) abandon(ctx context.Context, enr *api.Enrollment) {
	ctx = context.WithoutCancel(ctx)
	failed := *enr
	failed.Status = api.EnrollmentCancelled
	failed.CancelReason = api.CancelManual
	failed.CancelledBy = SystemActor
	failed.CancelledAt = e.now()
	if err := e.enrollments.UpdateEnrollment(ctx, &failed, api.EnrollmentActive); err != nil {
		e.logger.ErrorContext(ctx, "abandon_enrollment_failed",
			slog.String("enrollment_id", enr.ID),
			slog.String("sequence_id", enr.SequenceID),
			slog.Any("error", err),
		)
		return
	}
	// A store that failed part way may have kept some rows.
	if _, err := e.log.CancelPendingEntries(ctx, enr.SequenceID, enr.SubjectID); err != nil {
		e.logger.WarnContext(ctx, "abandon_steps_failed", slog.String("enrollment_id", enr.ID), slog.Any("error", err))
	}
}

func (e *Engine) schedule(ctx context.Context, entry api.SequenceLogEntry) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.ScheduleStep(ctx, entry); err != nil {
		// The due-step sweep still finds the row.
		e.logger.WarnContext(ctx, "schedule_step_failed",
			slog.String("log_id", entry.ID),
			slog.String("sequence_id", entry.SequenceID),
			slog.Any("error", err),
		)
	}
}

// run claims a pending entry and executes its step. It reports whether the
// entry was claimed.
func (e *Engine) run(ctx context.Context, entry api.SequenceLogEntry, seq *api.Sequence) bool {
	if !e.claim(ctx, &entry) {
		return false
	}
	e.finish(ctx, entry, e.execute(ctx, entry, seq))
	return true
}

// claim moves entry from pending to executed. Only one caller wins.
func (e *Engine) claim(ctx context.Context, entry *api.SequenceLogEntry) bool {
	at := e.now()
	claimed, err := e.log.TransitionLogEntry(ctx, entry.ID, api.StepPending, api.StepExecuted, at, "")
	if err != nil {
		e.logger.ErrorContext(ctx, "claim_step_failed", slog.String("log_id", entry.ID), slog.Any("error", err))
		return false
	}
	if claimed {
		entry.Status = api.StepExecuted
		entry.ExecutedAt = at
	}
	return claimed
}

// finish records the outcome of a claimed entry.
func (e *Engine) finish(ctx context.Context, entry api.SequenceLogEntry, stepErr error) {
	if stepErr != nil {
		entry.Status = api.StepFailed
		entry.Error = stepErr.Error()
		if _, err := e.log.TransitionLogEntry(ctx, entry.ID, api.StepExecuted, api.StepFailed, entry.ExecutedAt, entry.Error); err != nil {
			e.logger.ErrorContext(ctx, "mark_step_failed", slog.String("log_id", entry.ID), slog.Any("error", err))
		}
	}
	e.observer.OnStepExecuted(ctx, entry, stepErr)
}

func stepRequest(entry api.SequenceLogEntry, seq *api.Sequence) (action.Request, error) {
	if entry.StepIndex < 0 || entry.StepIndex >= len(seq.Steps) {
		return action.Request{}, api.NewError(api.CodeValidation, "sequence.step",
			fmt.Sprintf("step %d no longer exists in sequence %q", entry.StepIndex, seq.Name), nil)
	}
	step := seq.Steps[entry.StepIndex]
	return action.Request{
		Kind:     step.Action,
		Name:     seq.Name,
		Template: step.Template,
		Subject:  step.Subject,
		Ref:      "step:" + entry.ID,
	}, nil
}

func (e *Engine) execute(ctx context.Context, entry api.SequenceLogEntry, seq *api.Sequence) error {
	req, err := stepRequest(entry, seq)
	if err != nil {
		return err
	}
	s, err := e.subjects.GetSubject(ctx, entry.SubjectID)
	if err != nil {
		return api.NewError(api.CodeDatabase, "sequence.step", "load subject", err)
	}
	return resultErr(e.exec.Execute(ctx, req, s))
}

func resultErr(res api.ActionResult) error {
	if res.Status == api.ActionFailed {
		return res.Err
	}
	return nil
}

// refresh recomputes CurrentStep from the log and completes the enrollment
// once nothing is pending.
func (e *Engine) refresh(ctx context.Context, enrollmentID string, seq *api.Sequence) (*api.Enrollment, error) {
	const op = "sequence.refresh"

	enr, err := e.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "load enrollment", err)
	}
	if enr.Status != api.EnrollmentActive {
		return enr, nil
	}
	rows, err := e.log.ListLogEntries(ctx, persistence.LogFilter{EnrollmentID: enrollmentID})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "list sequence log", err)
	}

	first, executed, pending := -1, 0, 0
	for _, r := range rows {
		if first < 0 || r.StepIndex < first {
			first = r.StepIndex
		}
		switch r.Status {
		case api.StepExecuted:
			executed++
		case api.StepPending:
			pending++
		}
	}
	if first < 0 {
		first = enr.CurrentStep
	}

	updated := *enr
	updated.CurrentStep = first + executed
	if pending == 0 {
		updated.Status = api.EnrollmentCompleted
		updated.CompletedAt = e.now()
	}
	if updated.CurrentStep == enr.CurrentStep && updated.Status == enr.Status {
		return enr, nil
	}

	if err := e.enrollments.UpdateEnrollment(ctx, &updated, api.EnrollmentActive); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			// Stopped concurrently; the stop wins.
			return e.enrollments.GetEnrollment(ctx, enrollmentID)
		}
		return nil, api.NewError(api.CodeDatabase, op, "update enrollment", err)
	}
	if updated.Status == api.EnrollmentCompleted {
		e.observer.OnSequenceCompleted(ctx, &updated, seq)
	}
	return &updated, nil
}

// Stop cancels an active enrollment, cancels its pending steps and notes the
// cancellation on the subject.
func (e *Engine) Stop(ctx context.Context, enrollmentID string, reason api.CancelReason, actor string) (*api.Enrollment, error) {
	const op = "sequence.stop"

	switch reason {
	case "":
		reason = api.CancelManual
	case api.CancelManual, api.CancelResponseDetected, api.CancelPhaseChanged:
	default:
		return nil, api.NewError(api.CodeValidation, op, fmt.Sprintf("unknown cancel reason %q", reason), nil)
	}

	enr, err := e.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, persistence.ErrEnrollmentNotFound) {
			return nil, api.NewError(api.CodeNotFound, op, "enrollment "+enrollmentID, err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "load enrollment", err)
	}
	if enr.Status != api.EnrollmentActive {
		return nil, api.NewError(api.CodeConflict, op, fmt.Sprintf("enrollment is %s", enr.Status), nil)
	}

	enr.Status = api.EnrollmentCancelled
	enr.CancelReason = reason
	enr.CancelledBy = actor
	enr.CancelledAt = e.now()
	if err := e.enrollments.UpdateEnrollment(ctx, enr, api.EnrollmentActive); err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			return nil, api.NewError(api.CodeConflict, op, "enrollment changed concurrently", err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "update enrollment", err)
	}

	if _, err := e.log.CancelPendingEntries(ctx, enr.SequenceID, enr.SubjectID); err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "cancel pending steps", err)
	}

	seq, err := e.sequences.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		seq = &api.Sequence{ID: enr.SequenceID, Name: enr.SequenceID}
	}
	note := api.Note{
		ID:        uuid.NewString(),
		Type:      api.NoteTypeNote,
		Source:    api.SourceLocal,
		Timestamp: enr.CancelledAt,
		Author:    actor,
		Text:      fmt.Sprintf("Sequence %q stopped (%s)", seq.Name, reason),
	}
	if _, err := persistence.AppendNote(ctx, e.subjects, enr.SubjectID, note); err != nil {
		e.logger.ErrorContext(ctx, "audit_note_missing",
			slog.String("subject_id", enr.SubjectID),
			slog.String("sequence", seq.Name),
			slog.Any("error", err),
		)
	}

	e.observer.OnSequenceStopped(ctx, enr, seq)
	return enr, nil
}

// CancelOnResponse cancels the subject's active enrollments in sequences that
// stop on response.
func (e *Engine) CancelOnResponse(ctx context.Context, subjectID string) ([]*api.Enrollment, error) {
	return e.cancelWhere(ctx, subjectID, api.CancelResponseDetected, SystemActor, func(seq *api.Sequence) bool {
		return seq.StopOnResponse
	})
}

// CancelForPhase cancels the subject's active enrollments in phase-triggered
// sequences that belong to a phase other than phase.
func (e *Engine) CancelForPhase(ctx context.Context, subjectID, phase, actor string) ([]*api.Enrollment, error) {
	if actor == "" {
		actor = SystemActor
	}
	return e.cancelWhere(ctx, subjectID, api.CancelPhaseChanged, actor, func(seq *api.Sequence) bool {
		return seq.TriggerPhase != "" && seq.TriggerPhase != phase
	})
}

func (e *Engine) cancelWhere(ctx context.Context, subjectID string, reason api.CancelReason, actor string, pred func(*api.Sequence) bool) ([]*api.Enrollment, error) {
	active, err := e.enrollments.ListEnrollments(ctx, persistence.EnrollmentFilter{
		SubjectID: subjectID,
		Status:    api.EnrollmentActive,
	})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "sequence.cancel", "list enrollments", err)
	}

	var stopped []*api.Enrollment
	var errs []error
	for _, enr := range active {
		seq, err := e.sequences.GetSequence(ctx, enr.SequenceID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !pred(seq) {
			continue
		}
		out, err := e.Stop(ctx, enr.ID, reason, actor)
		if err != nil {
			if errors.Is(err, api.ErrDuplicateEnrollment) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		stopped = append(stopped, out)
	}
	return stopped, errors.Join(errs...)
}

// AutoEnroll starts every enabled sequence triggered by phase that applies to
// the subject. Enrollments that already exist are not an error.
func (e *Engine) AutoEnroll(ctx context.Context, s *api.Subject, phase, actor string) ([]*api.Enrollment, error) {
	if phase == "" {
		return nil, nil
	}
	seqs, err := e.sequences.ListSequences(ctx, persistence.SequenceFilter{TriggerPhase: phase, EnabledOnly: true})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "sequence.auto_enroll", "list sequences", err)
	}

	var started []*api.Enrollment
	var errs []error
	for _, seq := range seqs {
		if seq.EntityType != "" && seq.EntityType != s.EntityType {
			continue
		}
		if len(seq.Steps) == 0 {
			continue
		}
		if e.presenceOnly {
			existing, err := e.enrollments.ListEnrollments(ctx, persistence.EnrollmentFilter{SubjectID: s.ID, SequenceID: seq.ID})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if len(existing) > 0 {
				continue
			}
		}
		enr, err := e.Start(ctx, s.ID, seq.ID, 0, actor)
		if err != nil {
			if errors.Is(err, api.ErrDuplicateEnrollment) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		started = append(started, enr)
	}
	return started, errors.Join(errs...)
}

// ExecuteDue runs every pending step scheduled at or before now as one
// action batch, so provider calls are paced by the executor. Each step is
// claimed right before it runs. It returns how many steps it claimed.
func (e *Engine) ExecuteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.log.ListLogEntries(ctx, persistence.LogFilter{Status: api.StepPending, DueBy: now})
	if err != nil {
		return 0, api.NewError(api.CodeDatabase, "sequence.execute_due", "list due steps", err)
	}

	type dueStep struct {
		entry   api.SequenceLogEntry
		seq     *api.Sequence
		claimed bool
	}
	var (
		steps []*dueStep
		items []action.BatchItem
		seqs  = map[string]*api.Sequence{}
		ran   int
	)
	for _, entry := range due {
		seq, ok := seqs[entry.SequenceID]
		if !ok {
			seq, err = e.getSequence(ctx, "sequence.execute_due", entry.SequenceID)
			if err != nil {
				e.logger.ErrorContext(ctx, "execute_due_step", slog.String("log_id", entry.ID), slog.Any("error", err))
				continue
			}
			seqs[entry.SequenceID] = seq
		}

		req, err := stepRequest(entry, seq)
		var s *api.Subject
		if err == nil {
			s, err = e.subjects.GetSubject(ctx, entry.SubjectID)
		}
		if err != nil {
			// Not worth a provider slot; claim it and record the failure now.
			if ok, err := e.runOne(ctx, entry); err != nil {
				e.logger.ErrorContext(ctx, "execute_due_step", slog.String("log_id", entry.ID), slog.Any("error", err))
			} else if ok {
				ran++
			}
			continue
		}

		st := &dueStep{entry: entry, seq: seq}
		steps = append(steps, st)
		items = append(items, action.BatchItem{
			Request: req,
			Subject: s,
			Claim: func(ctx context.Context) bool {
				st.claimed = e.claim(ctx, &st.entry)
				return st.claimed
			},
		})
	}

	results := e.exec.ExecuteBatch(ctx, items)
	for i, st := range steps {
		if !st.claimed {
			continue
		}
		ran++
		e.finish(ctx, st.entry, resultErr(results[i]))
		if _, err := e.refresh(ctx, st.entry.EnrollmentID, st.seq); err != nil {
			e.logger.ErrorContext(ctx, "execute_due_step", slog.String("log_id", st.entry.ID), slog.Any("error", err))
		}
	}
	return ran, ctx.Err()
}

// ExecuteStep runs one log entry if it is still pending and returns its state
// afterwards.
func (e *Engine) ExecuteStep(ctx context.Context, logID string) (*api.SequenceLogEntry, error) {
	const op = "sequence.execute_step"

	entry, err := e.log.GetLogEntry(ctx, logID)
	if err != nil {
		if errors.Is(err, persistence.ErrLogEntryNotFound) {
			return nil, api.NewError(api.CodeNotFound, op, "log entry "+logID, err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "load log entry", err)
	}
	if entry.Status != api.StepPending {
		return entry, nil
	}
	if _, err := e.runOne(ctx, *entry); err != nil {
		return nil, err
	}
	after, err := e.log.GetLogEntry(ctx, logID)
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "reload log entry", err)
	}
	return after, nil
}

func (e *Engine) runOne(ctx context.Context, entry api.SequenceLogEntry) (bool, error) {
	seq, err := e.getSequence(ctx, "sequence.step", entry.SequenceID)
	if err != nil {
		return false, err
	}
	if !e.run(ctx, entry, seq) {
		return false, nil
	}
	if _, err := e.refresh(ctx, entry.EnrollmentID, seq); err != nil {
		return true, err
	}
	return true, nil
}

// List returns the enrollments of a subject.
func (e *Engine) List(ctx context.Context, subjectID string) ([]*api.Enrollment, error) {
	out, err := e.enrollments.ListEnrollments(ctx, persistence.EnrollmentFilter{SubjectID: subjectID})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "sequence.list", "list enrollments", err)
	}
	return out, nil
}

// Log returns the log rows of one enrollment.
func (e *Engine) Log(ctx context.Context, enrollmentID string) ([]api.SequenceLogEntry, error) {
	rows, err := e.log.ListLogEntries(ctx, persistence.LogFilter{EnrollmentID: enrollmentID})
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "sequence.log", "list sequence log", err)
	}
	sortByStep(rows)
	return rows, nil
}

func (e *Engine) getSequence(ctx context.Context, op, id string) (*api.Sequence, error) {
	seq, err := e.sequences.GetSequence(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrSequenceNotFound) {
			return nil, api.NewError(api.CodeNotFound, op, "sequence "+id, err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "load sequence", err)
	}
	return seq, nil
}

func (e *Engine) getSubject(ctx context.Context, op, id string) (*api.Subject, error) {
	s, err := e.subjects.GetSubject(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrSubjectNotFound) {
			return nil, api.NewError(api.CodeNotFound, op, "subject "+id, err)
		}
		return nil, api.NewError(api.CodeDatabase, op, "load subject", err)
	}
	return s, nil
}

func sortByStep(rows []api.SequenceLogEntry) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].StepIndex < rows[j].StepIndex })
}
