// Package intake maps external form submissions onto subjects, creating a
// new subject or annotating the existing one it duplicates.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/phone"
	"github.com/petrijr/relay/pkg/api"
)

// DefaultInitialPhase is the phase new subjects start in.
const DefaultInitialPhase = "intake"

// CreationHook runs automation for a freshly created subject. The engine
// implements it with a bounded wait.
type CreationHook interface {
	SubjectCreated(ctx context.Context, s *api.Subject, actor string)
}

type Config struct {
	Subjects     persistence.SubjectStore
	APIKeys      persistence.APIKeyStore
	Hook         CreationHook
	InitialPhase string
	Observer     api.Observer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Ingester validates, maps and deduplicates intake submissions.
type Ingester struct {
	subjects     persistence.SubjectStore
	keys         persistence.APIKeyStore
	hook         CreationHook
	initialPhase string
	observer     api.Observer
	logger       *slog.Logger
	now          func() time.Time

	// mu serialises the duplicate lookup with the insert that follows it.
	mu sync.Mutex
}

func New(cfg Config) *Ingester {
	in := &Ingester{
		subjects:     cfg.Subjects,
		keys:         cfg.APIKeys,
		hook:         cfg.Hook,
		initialPhase: cfg.InitialPhase,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if in.initialPhase == "" {
		in.initialPhase = DefaultInitialPhase
	}
	if in.observer == nil {
		in.observer = api.NoopObserver{}
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in
}

// Ingest processes one submission. The result's Status is 201 for a new
// subject, 200 for a duplicate, 400, 401 or 500 otherwise.
func (in *Ingester) Ingest(ctx context.Context, payload map[string]any, apiKey string) api.IngestResult {
	source := ""
	res := in.ingest(ctx, payload, apiKey, &source)
	in.observer.OnIntakeProcessed(ctx, source, res)
	return res
}

func (in *Ingester) ingest(ctx context.Context, payload map[string]any, apiKey string, source *string) api.IngestResult {
	const op = "intake.ingest"

	key, err := in.authorize(ctx, apiKey)
	if err != nil {
		return failure(err)
	}
	*source = key.Source

	if len(payload) == 0 {
		return failure(api.NewError(api.CodeValidation, op, "empty payload", nil))
	}
	rec := Map(payload)
	if !rec.Identified() {
		return failure(api.NewError(api.CodeValidation, op, "name, phone or email is required", nil))
	}

	entity := key.EntityType
	if entity == "" {
		entity = api.EntityCaregiver
	}

	created, res := in.register(ctx, entity, key.Source, rec)
	// The hook may wait for automation, so it runs outside the lock.
	if created != nil && in.hook != nil {
		in.hook.SubjectCreated(ctx, created, actorFor(key.Source))
	}
	return res
}

// register resolves rec to an existing subject or stores a new one. It
// returns the new subject, if any, alongside the result.
func (in *Ingester) register(ctx context.Context, entity api.EntityType, source string, rec Record) (*api.Subject, api.IngestResult) {
	in.mu.Lock()
	defer in.mu.Unlock()

	existing, err := in.findDuplicate(ctx, entity, rec)
	if err != nil {
		return nil, failure(api.NewError(api.CodeDatabase, "intake.ingest", "duplicate lookup", err))
	}
	if existing != nil {
		return nil, in.annotateDuplicate(ctx, existing, source, rec)
	}
	return in.create(ctx, entity, source, rec)
}

func (in *Ingester) authorize(ctx context.Context, apiKey string) (*api.APIKey, error) {
	const op = "intake.authorize"
	if apiKey == "" {
		return nil, api.NewError(api.CodeUnauthorized, op, "missing api key", nil)
	}
	key, err := in.keys.GetAPIKey(ctx, apiKey)
	if errors.Is(err, persistence.ErrAPIKeyNotFound) {
		return nil, api.NewError(api.CodeUnauthorized, op, "unknown api key", nil)
	}
	if err != nil {
		return nil, api.NewError(api.CodeDatabase, op, "load api key", err)
	}
	if !key.Enabled {
		return nil, api.NewError(api.CodeUnauthorized, op, "api key disabled", nil)
	}
	return key, nil
}

// findDuplicate checks email first, then phone, among non-archived subjects
// of the same entity type.
func (in *Ingester) findDuplicate(ctx context.Context, entity api.EntityType, rec Record) (*api.Subject, error) {
	if rec.Email == "" && rec.Phone == "" {
		return nil, nil
	}
	candidates, err := in.subjects.ListSubjects(ctx, persistence.SubjectFilter{EntityType: entity})
	if err != nil {
		return nil, err
	}
	if rec.Email != "" {
		for _, s := range candidates {
			if s.Email != "" && strings.EqualFold(s.Email, rec.Email) {
				return s, nil
			}
		}
	}
	if rec.Phone != "" {
		for _, s := range candidates {
			if phone.Match(s.Phone, rec.Phone) {
				return s, nil
			}
		}
	}
	return nil, nil
}

func (in *Ingester) annotateDuplicate(ctx context.Context, s *api.Subject, source string, rec Record) api.IngestResult {
	text := fmt.Sprintf("Repeat submission received via %s", source)
	if extra := rec.UnmappedSummary(); extra != "" {
		text += "\n\nAdditional data:\n" + extra
	}
	_, err := persistence.AppendNote(ctx, in.subjects, s.ID, api.Note{
		ID:        uuid.NewString(),
		Text:      text,
		Type:      api.NoteTypeNote,
		Source:    api.SourceLocal,
		Timestamp: in.now(),
		Author:    actorFor(source),
	})
	if err != nil {
		// The duplicate is still detected; only the audit trail is missing.
		in.logger.ErrorContext(ctx, "intake_duplicate_note_failed",
			slog.String("subject_id", s.ID),
			slog.String("source", source),
			slog.Any("error", err),
		)
	}
	return api.IngestResult{Status: http.StatusOK, SubjectID: s.ID, Duplicate: true}
}

func (in *Ingester) create(ctx context.Context, entity api.EntityType, source string, rec Record) (*api.Subject, api.IngestResult) {
	const op = "intake.create"
	now := in.now()
	author := actorFor(source)

	number := rec.Phone
	if n := phone.Normalize(rec.Phone); n != "" {
		number = n
	}

	s := &api.Subject{
		ID:              uuid.NewString(),
		EntityType:      entity,
		FirstName:       rec.FirstName,
		LastName:        rec.LastName,
		Phone:           number,
		Email:           rec.Email,
		PhaseTimestamps: map[string]time.Time{in.initialPhase: now},
		Tasks:           map[string]api.TaskState{},
		Fields:          rec.Fields,
		CreatedAt:       now,
	}
	s.Notes = append(s.Notes, api.Note{
		ID:        uuid.NewString(),
		Text:      fmt.Sprintf("Created from %s submission", source),
		Type:      api.NoteTypeNote,
		Source:    api.SourceLocal,
		Timestamp: now,
		Author:    author,
	})
	if extra := rec.UnmappedSummary(); extra != "" {
		s.Notes = append(s.Notes, api.Note{
			ID:        uuid.NewString(),
			Text:      "Additional data:\n" + extra,
			Type:      api.NoteTypeNote,
			Source:    api.SourceLocal,
			Timestamp: now,
			Author:    author,
		})
	}

	if err := in.subjects.SaveSubject(ctx, s); err != nil {
		return nil, failure(api.NewError(api.CodeDatabase, op, "save subject", err))
	}
	return s.Clone(), api.IngestResult{Status: http.StatusCreated, SubjectID: s.ID}
}

func actorFor(source string) string {
	if source == "" {
		return "Intake"
	}
	return "Intake: " + source
}

func failure(err error) api.IngestResult {
	status := api.HTTPStatus(err)
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized:
	default:
		status = http.StatusInternalServerError
	}
	return api.IngestResult{Status: status, Err: err}
}
