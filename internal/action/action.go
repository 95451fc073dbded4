// Package action performs one automation action against a subject and
// records the audit note that goes with it.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/phone"
	"github.com/petrijr/relay/internal/template"
	"github.com/petrijr/relay/pkg/api"
)

// DefaultDeliveryTimeout bounds a single provider call when Config leaves it unset.
const DefaultDeliveryTimeout = 15 * time.Second

// Request describes one action to perform. Rules and sequence steps are both
// turned into a Request before execution.
type Request struct {
	Kind     api.ActionType
	RuleID   string
	Name     string // rule or sequence name, recorded in the note outcome
	Template string
	Subject  string // email subject line template

	// Ref, when set, is stored on the audit note. A subject that already
	// carries a note with this Ref is skipped.
	Ref string
}

// RuleRequest builds the Request for a rule firing. With an EventID the
// request is idempotent per (rule, subject, event).
func RuleRequest(r api.Rule, tc api.TriggerContext) Request {
	req := Request{
		Kind:     r.Action,
		RuleID:   r.ID,
		Name:     r.Name,
		Template: r.Message,
		Subject:  r.Subject,
	}
	if tc.EventID != "" {
		req.Ref = "rule:" + r.ID + ":" + tc.EventID
	}
	return req
}

// Config describes how to construct an Executor.
type Config struct {
	Subjects  persistence.SubjectStore
	Messenger api.Messenger
	Phases    api.PhaseResolver
	Observer  api.Observer
	Logger    *slog.Logger

	DeliveryTimeout time.Duration
	BatchInterval   time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Executor runs actions. It never retries a failed delivery.
type Executor struct {
	subjects  persistence.SubjectStore
	messenger api.Messenger
	phases    api.PhaseResolver
	observer  api.Observer
	logger    *slog.Logger

	deliveryTimeout time.Duration
	batchInterval   time.Duration
	now             func() time.Time
}

// New returns an Executor for cfg.
func New(cfg Config) *Executor {
	e := &Executor{
		subjects:        cfg.Subjects,
		messenger:       cfg.Messenger,
		phases:          cfg.Phases,
		observer:        cfg.Observer,
		logger:          cfg.Logger,
		deliveryTimeout: cfg.DeliveryTimeout,
		batchInterval:   cfg.BatchInterval,
		now:             cfg.Now,
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.deliveryTimeout <= 0 {
		e.deliveryTimeout = DefaultDeliveryTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ExecuteRule runs the action of a matched rule.
func (e *Executor) ExecuteRule(ctx context.Context, r api.Rule, s *api.Subject, tc api.TriggerContext) api.ActionResult {
	return e.Execute(ctx, RuleRequest(r, tc), s)
}

// Execute performs req against s. Failures are reported in the result, never
// returned or panicked.
func (e *Executor) Execute(ctx context.Context, req Request, s *api.Subject) api.ActionResult {
	start := e.now()
	res := e.execute(ctx, req, s)
	e.observer.OnActionCompleted(ctx, res, e.now().Sub(start))
	return res
}

func (e *Executor) execute(ctx context.Context, req Request, s *api.Subject) api.ActionResult {
	res := api.ActionResult{
		RuleID:    req.RuleID,
		Name:      req.Name,
		SubjectID: s.ID,
		Action:    req.Kind,
		At:        e.now(),
	}

	if s.HasNoteRef(req.Ref) {
		res.Status = api.ActionSkipped
		return res
	}

	phase := ""
	if e.phases != nil {
		phase = e.phases.CurrentPhase(s)
	}
	fields := template.Fields(s, phase)
	res.Text = template.Render(req.Template, fields)

	note := api.Note{
		ID:        uuid.NewString(),
		Direction: api.DirectionOutbound,
		Source:    api.SourceLocal,
		Author:    api.AutomationAuthor,
		Outcome:   "Automation: " + req.Name,
		Ref:       req.Ref,
	}

	switch req.Kind {
	case api.ActionSendSMS:
		to := phone.Normalize(s.Phone)
		if to == "" {
			return fail(res, api.NewError(api.CodeValidation, "action.send_sms", "subject has no valid phone number", nil))
		}
		if err := e.deliver(ctx, func(ctx context.Context) error {
			return e.messenger.SendText(ctx, to, res.Text)
		}); err != nil {
			return fail(res, api.NewError(api.CodeDelivery, "action.send_sms", "", err))
		}
		note.Type = api.NoteTypeText
		note.Text = res.Text

	case api.ActionSendEmail:
		if s.Email == "" {
			return fail(res, api.NewError(api.CodeValidation, "action.send_email", "subject has no email address", nil))
		}
		subject := template.Render(req.Subject, fields)
		if err := e.deliver(ctx, func(ctx context.Context) error {
			return e.messenger.SendEmail(ctx, s.Email, subject, res.Text)
		}); err != nil {
			return fail(res, api.NewError(api.CodeDelivery, "action.send_email", "", err))
		}
		note.Type = api.NoteTypeEmail
		note.Text = fmt.Sprintf("Subject: %s\n\n%s", subject, res.Text)

	case api.ActionCreateTask:
		note.Type = api.NoteTypeTask
		note.Direction = api.DirectionNone
		note.Text = "Task created by " + req.Name
		if res.Text != "" {
			note.Text += ": " + res.Text
		}
		if err := e.appendNote(ctx, s.ID, note); err != nil {
			return fail(res, api.NewError(api.CodeDatabase, "action.create_task", "", err))
		}
		res.Status = api.ActionCreated
		return res

	default:
		return fail(res, api.NewError(api.CodeValidation, "action.execute", fmt.Sprintf("unknown action %q", req.Kind), nil))
	}

	res.Status = api.ActionSent
	if err := e.appendNote(ctx, s.ID, note); err != nil {
		// The message is out; only the audit trail is missing.
		res.NoteErr = api.NewError(api.CodeDatabase, "action.append_note", "", err)
		e.logger.ErrorContext(ctx, "audit_note_missing",
			slog.String("subject_id", s.ID),
			slog.String("action", string(req.Kind)),
			slog.String("name", req.Name),
			slog.String("ref", req.Ref),
			slog.Any("error", err),
		)
	}
	return res
}

func (e *Executor) deliver(ctx context.Context, send func(ctx context.Context) error) error {
	if e.messenger == nil {
		return errors.New("no messenger configured")
	}
	dctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()
	return send(dctx)
}

// appendNote appends note unless a concurrent execution already recorded the
// same Ref.
func (e *Executor) appendNote(ctx context.Context, subjectID string, note api.Note) error {
	_, err := persistence.MutateSubject(ctx, e.subjects, subjectID, func(s *api.Subject) error {
		if s.HasNoteRef(note.Ref) {
			return nil
		}
		if note.Timestamp.IsZero() {
			note.Timestamp = e.now()
		}
		s.Notes = append(s.Notes, note)
		return nil
	})
	return err
}

func fail(res api.ActionResult, err error) api.ActionResult {
	res.Status = api.ActionFailed
	res.Err = err
	return res
}

// BatchItem pairs a request with the subject it targets.
type BatchItem struct {
	Request Request
	Subject *api.Subject

	// Claim, if set, runs right before the item is executed. Returning false
	// reports the item skipped without calling the provider.
	Claim func(ctx context.Context) bool
}

// ExecuteBatch runs items in order, waiting the configured batch interval
// between provider calls. A failing item never aborts the batch; once ctx is
// done the remaining items are reported as failed without being attempted.
func (e *Executor) ExecuteBatch(ctx context.Context, items []BatchItem) []api.ActionResult {
	results := make([]api.ActionResult, 0, len(items))
	called := false
	for _, it := range items {
		if called && e.batchInterval > 0 {
			t := time.NewTimer(e.batchInterval)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}

		res := api.ActionResult{
			RuleID:    it.Request.RuleID,
			Name:      it.Request.Name,
			SubjectID: it.Subject.ID,
			Action:    it.Request.Kind,
			At:        e.now(),
		}
		if err := ctx.Err(); err != nil {
			results = append(results, fail(res, api.NewError(api.CodeInternal, "action.batch", "batch cancelled", err)))
			continue
		}
		if it.Claim != nil && !it.Claim(ctx) {
			res.Status = api.ActionSkipped
			results = append(results, res)
			continue
		}
		results = append(results, e.Execute(ctx, it.Request, it.Subject))
		called = true
	}
	return results
}
