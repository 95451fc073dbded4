package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/relay/internal/action"
	"github.com/petrijr/relay/internal/inbound"
	"github.com/petrijr/relay/internal/intake"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/phone"
	"github.com/petrijr/relay/internal/pipeline"
	"github.com/petrijr/relay/internal/sequence"
	"github.com/petrijr/relay/internal/timeline"
	"github.com/petrijr/relay/internal/trigger"
	"github.com/petrijr/relay/pkg/api"
)

// Options holds the engine's tunables.
type Options struct {
	// InitialPhase is the phase new subjects start in.
	InitialPhase string

	// DedupWindow is the timeline merge tolerance.
	DedupWindow time.Duration

	// MaxWait bounds how long a request waits for the automation it fired.
	MaxWait time.Duration

	DeliveryTimeout time.Duration
	BatchInterval   time.Duration

	// EnrollPresenceOnly skips auto-enrolment when the subject was ever
	// enrolled in the sequence, not just when an enrollment is active.
	EnrollPresenceOnly bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		InitialPhase:       intake.DefaultInitialPhase,
		DedupWindow:        timeline.DefaultWindow,
		MaxWait:            5 * time.Second,
		DeliveryTimeout:    action.DefaultDeliveryTimeout,
		BatchInterval:      250 * time.Millisecond,
		EnrollPresenceOnly: true,
	}
}

// Config describes how to construct an engineImpl.
type Config struct {
	Persistence persistence.Persistence
	Messenger   api.Messenger

	// Phases derives a subject's phase. Defaults to a resolver that picks
	// the override or the newest phase timestamp.
	Phases api.PhaseResolver

	// History is optional; without it the timeline holds local notes only.
	History api.HistoryProvider

	// Scheduler is optional; without it delayed steps wait for ExecuteDueSteps.
	Scheduler api.StepScheduler

	Observer api.Observer
	Logger   *slog.Logger
	Options  Options
	Now      func() time.Time
}

// engineImpl wires the automation components together.
type engineImpl struct {
	p        persistence.Persistence
	phases   api.PhaseResolver
	history  api.HistoryProvider
	observer api.Observer
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	dispatcher *trigger.Dispatcher
	sequences  *sequence.Engine
	router     *inbound.Router
	ingester   *intake.Ingester
	bg         *runner
}

var _ api.Engine = (*engineImpl)(nil)

// NewInMemoryEngine returns an Engine whose state lives in process memory.
func NewInMemoryEngine(messenger api.Messenger) api.Engine {
	return NewEngine(Config{
		Persistence: persistence.NewInMemoryPersistence(),
		Messenger:   messenger,
		Options:     DefaultOptions(),
	})
}

// NewSQLiteEngine returns an Engine persisting to db.
func NewSQLiteEngine(db *sql.DB, messenger api.Messenger) (api.Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{
		Persistence: p,
		Messenger:   messenger,
		Options:     DefaultOptions(),
	}), nil
}

// NewEngine creates a new Engine using the given configuration. Zero option
// values fall back to DefaultOptions, except EnrollPresenceOnly which is
// taken as given.
func NewEngine(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	def := DefaultOptions()
	opts := cfg.Options
	if opts.InitialPhase == "" {
		opts.InitialPhase = def.InitialPhase
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = def.DedupWindow
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = def.DeliveryTimeout
	}

	e := &engineImpl{
		p:        cfg.Persistence,
		phases:   cfg.Phases,
		history:  cfg.History,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		opts:     opts,
		now:      cfg.Now,
	}
	if e.phases == nil {
		e.phases = pipeline.New(nil)
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
	e.bg = &runner{maxWait: opts.MaxWait, logger: e.logger}

	exec := action.New(action.Config{
		Subjects:        e.p.Subjects,
		Messenger:       cfg.Messenger,
		Phases:          e.phases,
		Observer:        e.observer,
		Logger:          e.logger,
		DeliveryTimeout: opts.DeliveryTimeout,
		BatchInterval:   opts.BatchInterval,
		Now:             e.now,
	})
	e.dispatcher = trigger.New(trigger.Config{
		Rules:    e.p.Rules,
		Phases:   e.phases,
		Executor: exec,
		Observer: e.observer,
		Logger:   e.logger,
	})
	e.sequences = sequence.New(sequence.Config{
		Persistence:  e.p,
		Executor:     exec,
		Scheduler:    cfg.Scheduler,
		Observer:     e.observer,
		Logger:       e.logger,
		PresenceOnly: opts.EnrollPresenceOnly,
		Now:          e.now,
	})
	e.router = inbound.New(inbound.Config{
		Subjects:   e.p.Subjects,
		Inbound:    e.p.Inbound,
		Dispatcher: boundedDispatcher{e},
		Responses:  e.sequences,
		Observer:   e.observer,
		Logger:     e.logger,
		Now:        e.now,
	})
	e.ingester = intake.New(intake.Config{
		Subjects:     e.p.Subjects,
		APIKeys:      e.p.APIKeys,
		Hook:         e,
		InitialPhase: opts.InitialPhase,
		Observer:     e.observer,
		Logger:       e.logger,
		Now:          e.now,
	})
	return e
}

func (e *engineImpl) RegisterRule(ctx context.Context, r api.Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if err := e.p.Rules.SaveRule(ctx, r); err != nil {
		return api.NewError(api.CodeDatabase, "engine.register_rule", "save rule", err)
	}
	return nil
}

func (e *engineImpl) RegisterSequence(ctx context.Context, seq api.Sequence) error {
	if err := validateSequence(seq); err != nil {
		return err
	}
	if seq.Name == "" {
		seq.Name = seq.ID
	}
	if err := e.p.Sequences.SaveSequence(ctx, seq); err != nil {
		return api.NewError(api.CodeDatabase, "engine.register_sequence", "save sequence", err)
	}
	return nil
}

func (e *engineImpl) RegisterAPIKey(ctx context.Context, key api.APIKey) error {
	if err := validateAPIKey(key); err != nil {
		return err
	}
	if err := e.p.APIKeys.SaveAPIKey(ctx, key); err != nil {
		return api.NewError(api.CodeDatabase, "engine.register_api_key", "save api key", err)
	}
	return nil
}

func (e *engineImpl) CreateSubject(ctx context.Context, s *api.Subject, actor string) (*api.Subject, error) {
	const op = "engine.create_subject"
	if s == nil {
		return nil, api.NewError(api.CodeValidation, op, "subject is required", nil)
	}
	if s.FirstName == "" && s.LastName == "" && s.Phone == "" && s.Email == "" {
		return nil, api.NewError(api.CodeValidation, op, "name, phone or email is required", nil)
	}

	s = s.Clone()
	now := e.now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.EntityType == "" {
		s.EntityType = api.EntityCaregiver
	}
	if n := phone.Normalize(s.Phone); n != "" {
		s.Phone = n
	}
	if s.PhaseOverride == "" && len(s.PhaseTimestamps) == 0 {
		s.PhaseTimestamps = map[string]time.Time{e.opts.InitialPhase: now}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	if err := e.p.Subjects.SaveSubject(ctx, s); err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "save subject", err)
	}
	e.SubjectCreated(ctx, s.Clone(), actor)
	return e.GetSubject(ctx, s.ID)
}

// SubjectCreated fires new_subject automation and enrolls the subject in
// the sequences of its phase, waiting at most MaxWait.
func (e *engineImpl) SubjectCreated(ctx context.Context, s *api.Subject, actor string) {
	e.bg.Go(ctx, "subject_created", func(ctx context.Context) {
		phase := e.phases.CurrentPhase(s)
		e.dispatchLogged(ctx, api.TriggerNewSubject, s, api.TriggerContext{
			EventID: "created:" + s.ID,
			ToPhase: phase,
		})
		if _, err := e.sequences.AutoEnroll(ctx, s, phase, actor); err != nil {
			e.logger.ErrorContext(ctx, "auto_enroll_failed", slog.String("subject_id", s.ID), slog.Any("error", err))
		}
	})
}

func (e *engineImpl) GetSubject(ctx context.Context, id string) (*api.Subject, error) {
	s, err := e.p.Subjects.GetSubject(ctx, id)
	if errors.Is(err, persistence.ErrSubjectNotFound) {
		return nil, api.NewError(api.CodeNotFound, "engine.get_subject", id, err)
	}
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, "engine.get_subject", id, err)
	}
	return s, nil
}

func (e *engineImpl) ChangePhase(ctx context.Context, subjectID, toPhase, actor string) (*api.Subject, error) {
	const op = "engine.change_phase"
	if toPhase == "" {
		return nil, api.NewError(api.CodeValidation, op, "phase is required", nil)
	}

	var fromPhase string
	changed := false
	s, err := persistence.MutateSubject(ctx, e.p.Subjects, subjectID, func(cur *api.Subject) error {
		fromPhase = e.phases.CurrentPhase(cur)
		changed = fromPhase != toPhase
		if !changed {
			return nil
		}
		now := e.now()
		if cur.PhaseTimestamps == nil {
			cur.PhaseTimestamps = make(map[string]time.Time)
		}
		cur.PhaseTimestamps[toPhase] = now
		if cur.PhaseOverride != "" {
			cur.PhaseOverride = toPhase
		}
		cur.Notes = append(cur.Notes, api.Note{
			ID:        uuid.NewString(),
			Text:      phaseNote(fromPhase, toPhase),
			Type:      api.NoteTypeNote,
			Source:    api.SourceLocal,
			Timestamp: now,
			Author:    actor,
		})
		return nil
	})
	if err != nil {
		return nil, storeError(op, subjectID, err)
	}
	if !changed {
		return s, nil
	}

	snapshot := s.Clone()
	e.bg.Go(ctx, "phase_change", func(ctx context.Context) {
		if _, err := e.sequences.CancelForPhase(ctx, subjectID, toPhase, actor); err != nil {
			e.logger.ErrorContext(ctx, "cancel_for_phase_failed", slog.String("subject_id", subjectID), slog.Any("error", err))
		}
		e.dispatchLogged(ctx, api.TriggerPhaseChange, snapshot, api.TriggerContext{
			EventID:   uuid.NewString(),
			FromPhase: fromPhase,
			ToPhase:   toPhase,
		})
		if _, err := e.sequences.AutoEnroll(ctx, snapshot, toPhase, actor); err != nil {
			e.logger.ErrorContext(ctx, "auto_enroll_failed", slog.String("subject_id", subjectID), slog.Any("error", err))
		}
	})
	return s, nil
}

func phaseNote(from, to string) string {
	if from == "" {
		return fmt.Sprintf("Phase set to %s", to)
	}
	return fmt.Sprintf("Phase changed from %s to %s", from, to)
}

func (e *engineImpl) CompleteTask(ctx context.Context, subjectID, taskID, actor string) (*api.Subject, error) {
	const op = "engine.complete_task"
	if taskID == "" {
		return nil, api.NewError(api.CodeValidation, op, "task id is required", nil)
	}

	changed := false
	s, err := persistence.MutateSubject(ctx, e.p.Subjects, subjectID, func(cur *api.Subject) error {
		changed = !cur.Tasks[taskID].Completed
		if !changed {
			return nil
		}
		if cur.Tasks == nil {
			cur.Tasks = make(map[string]api.TaskState)
		}
		cur.Tasks[taskID] = api.TaskState{Completed: true, CompletedAt: e.now(), CompletedBy: actor}
		return nil
	})
	if err != nil {
		return nil, storeError(op, subjectID, err)
	}
	if !changed {
		return s, nil
	}

	snapshot := s.Clone()
	e.bg.Go(ctx, "task_completed", func(ctx context.Context) {
		e.dispatchLogged(ctx, api.TriggerTaskCompleted, snapshot, api.TriggerContext{
			EventID: "task:" + taskID + ":" + uuid.NewString(),
			TaskID:  taskID,
		})
	})
	return s, nil
}

func (e *engineImpl) RecordDocument(ctx context.Context, subjectID string, trig api.TriggerType, documentType string, templateNames []string) error {
	const op = "engine.record_document"
	if trig != api.TriggerDocumentUploaded && trig != api.TriggerDocumentSigned {
		return api.NewError(api.CodeValidation, op, fmt.Sprintf("%q is not a document trigger", trig), nil)
	}
	s, err := e.GetSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	tc := api.TriggerContext{
		EventID:       uuid.NewString(),
		DocumentType:  documentType,
		TemplateNames: append([]string(nil), templateNames...),
	}
	e.bg.Go(ctx, string(trig), func(ctx context.Context) {
		e.dispatchLogged(ctx, trig, s, tc)
	})
	return nil
}

func (e *engineImpl) Dispatch(ctx context.Context, trig api.TriggerType, s *api.Subject, tc api.TriggerContext) ([]api.ActionResult, error) {
	return e.dispatcher.Dispatch(ctx, trig, s, tc)
}

func (e *engineImpl) dispatchLogged(ctx context.Context, trig api.TriggerType, s *api.Subject, tc api.TriggerContext) {
	if _, err := e.dispatcher.Dispatch(ctx, trig, s, tc); err != nil {
		e.logger.ErrorContext(ctx, "dispatch_failed",
			slog.String("trigger", string(trig)),
			slog.String("subject_id", s.ID),
			slog.Any("error", err),
		)
	}
}

// boundedDispatcher hands inbound events to the background runner as one
// task, so the webhook answers within MaxWait however many subjects matched.
type boundedDispatcher struct{ e *engineImpl }

func (b boundedDispatcher) DispatchAll(ctx context.Context, trig api.TriggerType, subjects []*api.Subject, tc api.TriggerContext) error {
	var err error
	done := b.e.bg.Go(ctx, string(trig), func(ctx context.Context) {
		var errs []error
		for _, s := range subjects {
			if _, derr := b.e.dispatcher.Dispatch(ctx, trig, s, tc); derr != nil {
				b.e.logger.ErrorContext(ctx, "dispatch_failed",
					slog.String("trigger", string(trig)),
					slog.String("subject_id", s.ID),
					slog.Any("error", derr),
				)
				errs = append(errs, derr)
			}
		}
		if len(errs) == len(subjects) {
			err = errors.Join(errs...)
		}
	})
	if !done {
		return nil
	}
	return err
}

func (e *engineImpl) Route(ctx context.Context, msg api.InboundMessage) (*api.RouteResult, error) {
	return e.router.Route(ctx, msg)
}

func (e *engineImpl) Ingest(ctx context.Context, payload map[string]any, apiKey string) api.IngestResult {
	return e.ingester.Ingest(ctx, payload, apiKey)
}

func (e *engineImpl) StartSequence(ctx context.Context, subjectID, sequenceID string, startStep int, actor string) (*api.Enrollment, error) {
	return e.sequences.Start(ctx, subjectID, sequenceID, startStep, actor)
}

func (e *engineImpl) StopSequence(ctx context.Context, enrollmentID string, reason api.CancelReason, actor string) (*api.Enrollment, error) {
	return e.sequences.Stop(ctx, enrollmentID, reason, actor)
}

func (e *engineImpl) ListEnrollments(ctx context.Context, subjectID string) ([]*api.Enrollment, error) {
	return e.sequences.List(ctx, subjectID)
}

func (e *engineImpl) SequenceLog(ctx context.Context, enrollmentID string) ([]api.SequenceLogEntry, error) {
	return e.sequences.Log(ctx, enrollmentID)
}

func (e *engineImpl) ExecuteDueSteps(ctx context.Context, now time.Time) (int, error) {
	return e.sequences.ExecuteDue(ctx, now)
}

func (e *engineImpl) ExecuteStep(ctx context.Context, logID string) (*api.SequenceLogEntry, error) {
	return e.sequences.ExecuteStep(ctx, logID)
}

// Timeline merges the subject's notes with provider history. A failing
// provider degrades to local notes only.
func (e *engineImpl) Timeline(ctx context.Context, subjectID string) ([]api.CommunicationEvent, error) {
	s, err := e.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	var provider []api.CommunicationEvent
	if e.history != nil && s.Phone != "" {
		provider, err = e.history.FetchHistory(ctx, s.Phone)
		if err != nil {
			e.logger.WarnContext(ctx, "history_fetch_failed", slog.String("subject_id", s.ID), slog.Any("error", err))
			provider = nil
		}
	}
	return timeline.Merge(s.Notes, provider, e.opts.DedupWindow), nil
}

func (e *engineImpl) Wait() {
	e.bg.Wait()
}

func storeError(op, id string, err error) error {
	var coded *api.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, persistence.ErrSubjectNotFound) {
		return api.NewError(api.CodeNotFound, op, id, err)
	}
	return api.NewError(api.CodeDatabase, op, id, err)
}
