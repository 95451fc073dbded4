package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/relay/pkg/api"
)

// runStoreContract exercises behaviour every Persistence backend must share.
func runStoreContract(t *testing.T, newP func(t *testing.T) Persistence) {
	t.Run("SubjectSaveGetUpdate", func(t *testing.T) { testSubjectSaveGetUpdate(t, newP(t)) })
	t.Run("SubjectVersionConflict", func(t *testing.T) { testSubjectVersionConflict(t, newP(t)) })
	t.Run("ListSubjectsFilters", func(t *testing.T) { testListSubjectsFilters(t, newP(t)) })
	t.Run("MutateSubjectConcurrent", func(t *testing.T) { testMutateSubjectConcurrent(t, newP(t)) })
	t.Run("RulesFilter", func(t *testing.T) { testRulesFilter(t, newP(t)) })
	t.Run("Sequences", func(t *testing.T) { testSequences(t, newP(t)) })
	t.Run("OneActiveEnrollment", func(t *testing.T) { testOneActiveEnrollment(t, newP(t)) })
	t.Run("EnrollmentStatusCAS", func(t *testing.T) { testEnrollmentStatusCAS(t, newP(t)) })
	t.Run("SequenceLog", func(t *testing.T) { testSequenceLog(t, newP(t)) })
	t.Run("InboundClaim", func(t *testing.T) { testInboundClaim(t, newP(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newP(t)) })
}

func newSubject(id string) *api.Subject {
	return &api.Subject{
		ID:              id,
		EntityType:      api.EntityCaregiver,
		FirstName:       "Maria",
		LastName:        "Garcia",
		Phone:           "+15551234567",
		PhaseTimestamps: map[string]time.Time{"intake": time.Unix(1700000000, 0)},
		Fields:          map[string]string{"city": "Austin"},
		CreatedAt:       time.Unix(1700000000, 0),
	}
}

func testSubjectSaveGetUpdate(t *testing.T, p Persistence) {
	ctx := context.Background()

	s := newSubject("s-1")
	if err := p.Subjects.SaveSubject(ctx, s); err != nil {
		t.Fatalf("SaveSubject failed: %v", err)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1 after save, got %d", s.Version)
	}

	got, err := p.Subjects.GetSubject(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSubject failed: %v", err)
	}
	if got.FirstName != "Maria" || got.Fields["city"] != "Austin" {
		t.Fatalf("unexpected subject: %+v", got)
	}

	got.Notes = append(got.Notes, api.Note{ID: "n-1", Text: "hello", Type: api.NoteTypeNote})
	if err := p.Subjects.UpdateSubject(ctx, got); err != nil {
		t.Fatalf("UpdateSubject failed: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", got.Version)
	}

	again, err := p.Subjects.GetSubject(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSubject failed: %v", err)
	}
	if len(again.Notes) != 1 || again.Notes[0].Text != "hello" {
		t.Fatalf("expected persisted note, got %+v", again.Notes)
	}

	if _, err := p.Subjects.GetSubject(ctx, "missing"); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func testSubjectVersionConflict(t *testing.T, p Persistence) {
	ctx := context.Background()

	if err := p.Subjects.SaveSubject(ctx, newSubject("s-1")); err != nil {
		t.Fatalf("SaveSubject failed: %v", err)
	}
	a, _ := p.Subjects.GetSubject(ctx, "s-1")
	b, _ := p.Subjects.GetSubject(ctx, "s-1")

	if err := p.Subjects.UpdateSubject(ctx, a); err != nil {
		t.Fatalf("first UpdateSubject failed: %v", err)
	}
	if err := p.Subjects.UpdateSubject(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	ghost := newSubject("ghost")
	ghost.Version = 1
	if err := p.Subjects.UpdateSubject(ctx, ghost); !errors.Is(err, ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
}

func testListSubjectsFilters(t *testing.T, p Persistence) {
	ctx := context.Background()

	c := newSubject("c-1")
	c.EntityType = api.EntityClient
	archived := newSubject("g-2")
	archived.Archived = true
	for _, s := range []*api.Subject{newSubject("g-1"), archived, c} {
		if err := p.Subjects.SaveSubject(ctx, s); err != nil {
			t.Fatalf("SaveSubject failed: %v", err)
		}
	}

	got, err := p.Subjects.ListSubjects(ctx, SubjectFilter{EntityType: api.EntityCaregiver})
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "g-1" {
		t.Fatalf("expected only g-1, got %d subjects", len(got))
	}

	all, err := p.Subjects.ListSubjects(ctx, SubjectFilter{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListSubjects failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 subjects, got %d", len(all))
	}
}

func testMutateSubjectConcurrent(t *testing.T, p Persistence) {
	ctx := context.Background()
	if err := p.Subjects.SaveSubject(ctx, newSubject("s-1")); err != nil {
		t.Fatalf("SaveSubject failed: %v", err)
	}

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := AppendNote(ctx, p.Subjects, "s-1", api.Note{Text: "x", Type: api.NoteTypeNote})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, _ := p.Subjects.GetSubject(ctx, "s-1")
	if len(got.Notes) != succeeded {
		t.Fatalf("expected %d notes, got %d (lost update)", succeeded, len(got.Notes))
	}
}

func testRulesFilter(t *testing.T, p Persistence) {
	ctx := context.Background()

	rules := []api.Rule{
		{ID: "r-1", Trigger: api.TriggerPhaseChange, EntityType: api.EntityCaregiver, Action: api.ActionSendSMS, Enabled: true},
		{ID: "r-2", Trigger: api.TriggerPhaseChange, Action: api.ActionSendSMS, Enabled: true},
		{ID: "r-3", Trigger: api.TriggerPhaseChange, EntityType: api.EntityClient, Action: api.ActionSendSMS, Enabled: true},
		{ID: "r-4", Trigger: api.TriggerPhaseChange, EntityType: api.EntityCaregiver, Action: api.ActionSendSMS},
		{ID: "r-5", Trigger: api.TriggerNewSubject, EntityType: api.EntityCaregiver, Action: api.ActionSendSMS, Enabled: true},
	}
	for _, r := range rules {
		if err := p.Rules.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}

	got, err := p.Rules.ListRules(ctx, RuleFilter{
		Trigger:     api.TriggerPhaseChange,
		EntityType:  api.EntityCaregiver,
		EnabledOnly: true,
	})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-1" || got[1].ID != "r-2" {
		t.Fatalf("expected r-1 and r-2, got %+v", got)
	}

	// Upsert replaces.
	rules[0].Enabled = false
	if err := p.Rules.SaveRule(ctx, rules[0]); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}
	got, _ = p.Rules.ListRules(ctx, RuleFilter{Trigger: api.TriggerPhaseChange, EntityType: api.EntityCaregiver, EnabledOnly: true})
	if len(got) != 1 || got[0].ID != "r-2" {
		t.Fatalf("expected only r-2 after disabling r-1, got %+v", got)
	}
}

func testSequences(t *testing.T, p Persistence) {
	ctx := context.Background()

	seq := api.Sequence{
		ID:           "seq-1",
		Name:         "Welcome",
		TriggerPhase: "intake",
		Enabled:      true,
		Steps: []api.Step{
			{Action: api.ActionSendSMS, Template: "Hi {{first_name}}"},
			{Action: api.ActionSendEmail, DelayHours: 24, Subject: "Hello", Template: "Welcome"},
		},
	}
	if err := p.Sequences.SaveSequence(ctx, seq); err != nil {
		t.Fatalf("SaveSequence failed: %v", err)
	}
	if err := p.Sequences.SaveSequence(ctx, api.Sequence{ID: "seq-2", TriggerPhase: "onboarding"}); err != nil {
		t.Fatalf("SaveSequence failed: %v", err)
	}

	got, err := p.Sequences.GetSequence(ctx, "seq-1")
	if err != nil {
		t.Fatalf("GetSequence failed: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].DelayHours != 24 {
		t.Fatalf("unexpected steps: %+v", got.Steps)
	}

	byPhase, err := p.Sequences.ListSequences(ctx, SequenceFilter{TriggerPhase: "intake", EnabledOnly: true})
	if err != nil {
		t.Fatalf("ListSequences failed: %v", err)
	}
	if len(byPhase) != 1 || byPhase[0].ID != "seq-1" {
		t.Fatalf("expected seq-1, got %+v", byPhase)
	}

	if _, err := p.Sequences.GetSequence(ctx, "nope"); !errors.Is(err, ErrSequenceNotFound) {
		t.Fatalf("expected ErrSequenceNotFound, got %v", err)
	}
}

func newEnrollment(id string) *api.Enrollment {
	return &api.Enrollment{
		ID:         id,
		SubjectID:  "s-1",
		SequenceID: "seq-1",
		Status:     api.EnrollmentActive,
		StartedAt:  time.Unix(1700000000, 0),
		StartedBy:  "Dana",
	}
}

func testOneActiveEnrollment(t *testing.T, p Persistence) {
	ctx := context.Background()

	if err := p.Enrollments.CreateEnrollment(ctx, newEnrollment("e-1")); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
	if err := p.Enrollments.CreateEnrollment(ctx, newEnrollment("e-2")); !errors.Is(err, ErrActiveEnrollment) {
		t.Fatalf("expected ErrActiveEnrollment, got %v", err)
	}

	e, err := p.Enrollments.GetEnrollment(ctx, "e-1")
	if err != nil {
		t.Fatalf("GetEnrollment failed: %v", err)
	}
	e.Status = api.EnrollmentCancelled
	e.CancelReason = api.CancelManual
	e.CancelledAt = time.Unix(1700000100, 0)
	if err := p.Enrollments.UpdateEnrollment(ctx, e, api.EnrollmentActive); err != nil {
		t.Fatalf("UpdateEnrollment failed: %v", err)
	}

	// A new active enrollment is allowed once the previous one is terminal.
	if err := p.Enrollments.CreateEnrollment(ctx, newEnrollment("e-3")); err != nil {
		t.Fatalf("CreateEnrollment after cancel failed: %v", err)
	}

	list, err := p.Enrollments.ListEnrollments(ctx, EnrollmentFilter{SubjectID: "s-1"})
	if err != nil {
		t.Fatalf("ListEnrollments failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 enrollments, got %d", len(list))
	}
	active, _ := p.Enrollments.ListEnrollments(ctx, EnrollmentFilter{SubjectID: "s-1", Status: api.EnrollmentActive})
	if len(active) != 1 || active[0].ID != "e-3" {
		t.Fatalf("expected e-3 active, got %+v", active)
	}
}

func testEnrollmentStatusCAS(t *testing.T, p Persistence) {
	ctx := context.Background()

	if err := p.Enrollments.CreateEnrollment(ctx, newEnrollment("e-1")); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
	e, _ := p.Enrollments.GetEnrollment(ctx, "e-1")
	e.Status = api.EnrollmentCompleted
	e.CompletedAt = time.Unix(1700000200, 0)
	if err := p.Enrollments.UpdateEnrollment(ctx, e, api.EnrollmentActive); err != nil {
		t.Fatalf("UpdateEnrollment failed: %v", err)
	}

	e.Status = api.EnrollmentCancelled
	if err := p.Enrollments.UpdateEnrollment(ctx, e, api.EnrollmentActive); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	got, _ := p.Enrollments.GetEnrollment(ctx, "e-1")
	if got.Status != api.EnrollmentCompleted || !got.CompletedAt.Equal(time.Unix(1700000200, 0)) {
		t.Fatalf("unexpected enrollment: %+v", got)
	}

	if _, err := p.Enrollments.GetEnrollment(ctx, "missing"); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("expected ErrEnrollmentNotFound, got %v", err)
	}
}

func testSequenceLog(t *testing.T, p Persistence) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	entries := []api.SequenceLogEntry{
		{ID: "l-0", EnrollmentID: "e-1", SequenceID: "seq-1", SubjectID: "s-1", StepIndex: 0, Action: api.ActionSendSMS, Status: api.StepExecuted, ScheduledAt: base, ExecutedAt: base},
		{ID: "l-1", EnrollmentID: "e-1", SequenceID: "seq-1", SubjectID: "s-1", StepIndex: 1, Action: api.ActionSendSMS, Status: api.StepPending, ScheduledAt: base.Add(time.Hour)},
		{ID: "l-2", EnrollmentID: "e-1", SequenceID: "seq-1", SubjectID: "s-1", StepIndex: 2, Action: api.ActionSendEmail, Status: api.StepPending, ScheduledAt: base.Add(48 * time.Hour)},
	}
	if err := p.SequenceLog.AppendLogEntries(ctx, entries); err != nil {
		t.Fatalf("AppendLogEntries failed: %v", err)
	}

	due, err := p.SequenceLog.ListLogEntries(ctx, LogFilter{Status: api.StepPending, DueBy: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ListLogEntries failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "l-1" {
		t.Fatalf("expected l-1 due, got %+v", due)
	}

	ok, err := p.SequenceLog.TransitionLogEntry(ctx, "l-1", api.StepPending, api.StepExecuted, base.Add(time.Hour), "")
	if err != nil || !ok {
		t.Fatalf("TransitionLogEntry: ok=%v err=%v", ok, err)
	}
	ok, err = p.SequenceLog.TransitionLogEntry(ctx, "l-1", api.StepPending, api.StepExecuted, base.Add(time.Hour), "")
	if err != nil || ok {
		t.Fatalf("second TransitionLogEntry should lose: ok=%v err=%v", ok, err)
	}
	if _, err := p.SequenceLog.TransitionLogEntry(ctx, "nope", api.StepPending, api.StepExecuted, base, ""); !errors.Is(err, ErrLogEntryNotFound) {
		t.Fatalf("expected ErrLogEntryNotFound, got %v", err)
	}

	n, err := p.SequenceLog.CancelPendingEntries(ctx, "seq-1", "s-1")
	if err != nil {
		t.Fatalf("CancelPendingEntries failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled row, got %d", n)
	}

	all, _ := p.SequenceLog.ListLogEntries(ctx, LogFilter{EnrollmentID: "e-1"})
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	want := []api.StepStatus{api.StepExecuted, api.StepExecuted, api.StepCancelled}
	for i, e := range all {
		if e.StepIndex != i || e.Status != want[i] {
			t.Fatalf("row %d: got index=%d status=%s", i, e.StepIndex, e.Status)
		}
	}
	if !all[1].ExecutedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected executed_at to be recorded, got %v", all[1].ExecutedAt)
	}
}

func testInboundClaim(t *testing.T, p Persistence) {
	ctx := context.Background()

	entry := api.InboundMessageLogEntry{
		MessageID:  "msg-1",
		FromPhone:  "+15551234567",
		Text:       "yes",
		ReceivedAt: time.Unix(1700000000, 0),
	}
	claimed, err := p.Inbound.ClaimInbound(ctx, entry)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = p.Inbound.ClaimInbound(ctx, entry)
	if err != nil || claimed {
		t.Fatalf("second claim should be a duplicate: claimed=%v err=%v", claimed, err)
	}

	entry.SubjectID = "s-1"
	entry.SubjectName = "Maria Garcia"
	entry.MatchedIDs = []string{"s-1", "s-2"}
	entry.AutomationFired = true
	if err := p.Inbound.UpdateInbound(ctx, entry); err != nil {
		t.Fatalf("UpdateInbound failed: %v", err)
	}

	got, err := p.Inbound.GetInbound(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetInbound failed: %v", err)
	}
	if got.SubjectID != "s-1" || !got.AutomationFired || len(got.MatchedIDs) != 2 {
		t.Fatalf("unexpected inbound entry: %+v", got)
	}

	if err := p.Inbound.UpdateInbound(ctx, api.InboundMessageLogEntry{MessageID: "other"}); !errors.Is(err, ErrInboundNotFound) {
		t.Fatalf("expected ErrInboundNotFound, got %v", err)
	}

	if err := p.Inbound.ReleaseInbound(ctx, "msg-1"); err != nil {
		t.Fatalf("ReleaseInbound failed: %v", err)
	}
	if _, err := p.Inbound.GetInbound(ctx, "msg-1"); !errors.Is(err, ErrInboundNotFound) {
		t.Fatalf("released message should be gone, got %v", err)
	}
	claimed, err = p.Inbound.ClaimInbound(ctx, entry)
	if err != nil || !claimed {
		t.Fatalf("claim after release: claimed=%v err=%v", claimed, err)
	}
	if err := p.Inbound.ReleaseInbound(ctx, "never-seen"); err != nil {
		t.Fatalf("releasing an unknown message: %v", err)
	}
}

func testAPIKeys(t *testing.T, p Persistence) {
	ctx := context.Background()

	key := api.APIKey{Key: "k-1", Source: "website", EntityType: api.EntityClient, Enabled: true}
	if err := p.APIKeys.SaveAPIKey(ctx, key); err != nil {
		t.Fatalf("SaveAPIKey failed: %v", err)
	}
	got, err := p.APIKeys.GetAPIKey(ctx, "k-1")
	if err != nil {
		t.Fatalf("GetAPIKey failed: %v", err)
	}
	if *got != key {
		t.Fatalf("expected %+v, got %+v", key, *got)
	}
	if _, err := p.APIKeys.GetAPIKey(ctx, "k-2"); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Fatalf("expected ErrAPIKeyNotFound, got %v", err)
	}
}
