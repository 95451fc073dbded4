// Package inbound routes externally delivered messages to the subjects they
// came from, exactly once per external message ID.
package inbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/phone"
	"github.com/petrijr/relay/pkg/api"
)

// Dispatcher fires trigger once for each subject. It reports per-subject
// failures itself and returns an error only when no subject's automation ran.
type Dispatcher interface {
	DispatchAll(ctx context.Context, trigger api.TriggerType, subjects []*api.Subject, tc api.TriggerContext) error
}

// ResponseCanceller stops sequences that end when the subject replies.
type ResponseCanceller interface {
	CancelOnResponse(ctx context.Context, subjectID string) ([]*api.Enrollment, error)
}

type Config struct {
	Subjects   persistence.SubjectStore
	Inbound    persistence.InboundLogStore
	Dispatcher Dispatcher
	Responses  ResponseCanceller
	Observer   api.Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Router matches inbound messages to subjects by phone number.
type Router struct {
	subjects   persistence.SubjectStore
	inbound    persistence.InboundLogStore
	dispatcher Dispatcher
	responses  ResponseCanceller
	observer   api.Observer
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Router {
	r := &Router{
		subjects:   cfg.Subjects,
		inbound:    cfg.Inbound,
		dispatcher: cfg.Dispatcher,
		responses:  cfg.Responses,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if r.observer == nil {
		r.observer = api.NoopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Route processes msg. A message ID seen before short-circuits with
// Duplicate set and no further effects.
func (r *Router) Route(ctx context.Context, msg api.InboundMessage) (*api.RouteResult, error) {
	const op = "inbound.route"

	if msg.ExternalID == "" {
		return nil, api.NewError(api.CodeValidation, op, "message_id is required", nil)
	}
	if msg.From == "" {
		return nil, api.NewError(api.CodeValidation, op, "from is required", nil)
	}

	sender := phone.Normalize(msg.From)
	if sender == "" {
		sender = msg.From
	}
	entry := api.InboundMessageLogEntry{
		MessageID:  msg.ExternalID,
		FromPhone:  sender,
		ToPhone:    msg.To,
		Text:       msg.Text,
		ReceivedAt: r.now(),
	}

	// Claim first: of two concurrent deliveries only one gets past here.
	claimed, err := r.inbound.ClaimInbound(ctx, entry)
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "claim message", err)
	}
	if !claimed {
		res := &api.RouteResult{Duplicate: true}
		if prev, err := r.inbound.GetInbound(ctx, msg.ExternalID); err == nil {
			res.Entry = prev
			res.MatchedIDs = prev.MatchedIDs
			res.AutomationFired = prev.AutomationFired
		}
		return res, nil
	}

	if err := r.process(ctx, msg, &entry); err != nil {
		// Without the claim a redelivery starts over. Notes carry the message
		// ref and rules the event ID, so nothing already done repeats.
		if rerr := r.inbound.ReleaseInbound(context.WithoutCancel(ctx), msg.ExternalID); rerr != nil {
			r.logger.ErrorContext(ctx, "inbound_release_failed",
				slog.String("message_id", msg.ExternalID),
				slog.Any("error", rerr),
			)
		}
		return nil, err
	}

	res := &api.RouteResult{
		MatchedIDs:      entry.MatchedIDs,
		AutomationFired: entry.AutomationFired,
		Entry:           &entry,
	}
	r.observer.OnInboundRouted(ctx, res)
	return res, nil
}

// process does the work behind a fresh claim and records the outcome on entry.
func (r *Router) process(ctx context.Context, msg api.InboundMessage, entry *api.InboundMessageLogEntry) error {
	const op = "inbound.route"

	candidates, err := r.subjects.ListSubjects(ctx, persistence.SubjectFilter{})
	if err != nil {
		return api.NewError(api.CodeDatabase, op, "list subjects", err)
	}

	ref := "inbound:" + msg.ExternalID
	var matched []*api.Subject
	for _, s := range candidates {
		if !phone.Match(s.Phone, msg.From) {
			continue
		}
		entry.MatchedIDs = append(entry.MatchedIDs, s.ID)
		if entry.SubjectID == "" {
			entry.SubjectID = s.ID
			entry.SubjectName = s.FullName()
		}

		updated, err := persistence.MutateSubject(ctx, r.subjects, s.ID, func(cur *api.Subject) error {
			if cur.HasNoteRef(ref) {
				return nil
			}
			cur.Notes = append(cur.Notes, api.Note{
				ID:        uuid.NewString(),
				Text:      msg.Text,
				Type:      api.NoteTypeText,
				Direction: api.DirectionInbound,
				Source:    api.SourceProvider,
				Timestamp: entry.ReceivedAt,
				Author:    cur.FullName(),
				Ref:       ref,
			})
			return nil
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "inbound_note_failed",
				slog.String("message_id", msg.ExternalID),
				slog.String("subject_id", s.ID),
				slog.Any("error", err),
			)
			updated = s
		}
		matched = append(matched, updated)

		if r.responses != nil {
			if _, err := r.responses.CancelOnResponse(ctx, s.ID); err != nil {
				r.logger.ErrorContext(ctx, "cancel_on_response_failed",
					slog.String("subject_id", s.ID),
					slog.Any("error", err),
				)
			}
		}
	}

	if r.dispatcher != nil && len(matched) > 0 {
		tc := api.TriggerContext{
			EventID:      msg.ExternalID,
			MessageText:  msg.Text,
			SenderNumber: entry.FromPhone,
		}
		if err := r.dispatcher.DispatchAll(ctx, api.TriggerInboundSMS, matched, tc); err != nil {
			r.logger.ErrorContext(ctx, "inbound_dispatch_failed",
				slog.String("message_id", msg.ExternalID),
				slog.Any("error", err),
			)
		} else {
			entry.AutomationFired = true
		}
	}

	if err := r.inbound.UpdateInbound(ctx, *entry); err != nil {
		return api.NewError(api.CodeDatabase, op, "record message", err)
	}
	return nil
}
