package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/testutil"
	"github.com/petrijr/relay/pkg/api"
)

type dispatchCall struct {
	subjectID string
	tc        api.TriggerContext
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches int
	calls   []dispatchCall
}

func (f *fakeDispatcher) DispatchAll(ctx context.Context, trigger api.TriggerType, subjects []*api.Subject, tc api.TriggerContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trigger != api.TriggerInboundSMS {
		panic("unexpected trigger " + trigger)
	}
	f.batches++
	for _, s := range subjects {
		f.calls = append(f.calls, dispatchCall{subjectID: s.ID, tc: tc})
	}
	return nil
}

// flakySubjects fails ListSubjects the given number of times.
type flakySubjects struct {
	persistence.SubjectStore
	failures int
}

func (f *flakySubjects) ListSubjects(ctx context.Context, filter persistence.SubjectFilter) ([]*api.Subject, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	return f.SubjectStore.ListSubjects(ctx, filter)
}

// flakyInbound fails UpdateInbound the given number of times.
type flakyInbound struct {
	persistence.InboundLogStore
	failures int
}

func (f *flakyInbound) UpdateInbound(ctx context.Context, entry api.InboundMessageLogEntry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk I/O error")
	}
	return f.InboundLogStore.UpdateInbound(ctx, entry)
}

type fakeCanceller struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeCanceller) CancelOnResponse(ctx context.Context, subjectID string) ([]*api.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subjectID)
	return nil, nil
}

type fixture struct {
	p          persistence.Persistence
	dispatcher *fakeDispatcher
	canceller  *fakeCanceller
	router     *Router
}

func newFixture(t *testing.T, subjects ...*api.Subject) *fixture {
	t.Helper()
	f := &fixture{
		p:          persistence.NewInMemoryPersistence(),
		dispatcher: &fakeDispatcher{},
		canceller:  &fakeCanceller{},
	}
	f.router = New(Config{
		Subjects:   f.p.Subjects,
		Inbound:    f.p.Inbound,
		Dispatcher: f.dispatcher,
		Responses:  f.canceller,
	})
	for _, s := range subjects {
		require.NoError(t, f.p.Subjects.SaveSubject(context.Background(), s))
	}
	return f
}

func inboundNotes(t *testing.T, p persistence.Persistence, id string) []api.Note {
	t.Helper()
	s, err := p.Subjects.GetSubject(context.Background(), id)
	require.NoError(t, err)
	var out []api.Note
	for _, n := range s.Notes {
		if n.Direction == api.DirectionInbound {
			out = append(out, n)
		}
	}
	return out
}

func TestRoute_MatchesByLastTenDigits(t *testing.T) {
	f := newFixture(t, testutil.Caregiver("s-1", "intake"))

	res, err := f.router.Route(context.Background(), api.InboundMessage{
		ExternalID: "msg-1",
		From:       "+1 604 555 1234",
		To:         "+16045550000",
		Text:       "Yes I can come Tuesday",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, []string{"s-1"}, res.MatchedIDs)
	require.True(t, res.AutomationFired)
	require.Equal(t, "s-1", res.Entry.SubjectID)
	require.Equal(t, "Maria Garcia", res.Entry.SubjectName)

	notes := inboundNotes(t, f.p, "s-1")
	require.Len(t, notes, 1)
	require.Equal(t, api.SourceProvider, notes[0].Source)
	require.Equal(t, "Yes I can come Tuesday", notes[0].Text)

	require.Len(t, f.dispatcher.calls, 1)
	require.Equal(t, "Yes I can come Tuesday", f.dispatcher.calls[0].tc.MessageText)
	require.Equal(t, "+16045551234", f.dispatcher.calls[0].tc.SenderNumber)
	require.Equal(t, []string{"s-1"}, f.canceller.subjects)
}

func TestRoute_IsIdempotent(t *testing.T) {
	f := newFixture(t, testutil.Caregiver("s-1", "intake"))
	msg := api.InboundMessage{ExternalID: "msg-1", From: "6045551234", Text: "hi"}

	first, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, []string{"s-1"}, second.MatchedIDs)

	require.Len(t, inboundNotes(t, f.p, "s-1"), 1)
	require.Len(t, f.dispatcher.calls, 1)

	entry, err := f.p.Inbound.GetInbound(context.Background(), "msg-1")
	require.NoError(t, err)
	require.True(t, entry.AutomationFired)
}

func TestRoute_ConcurrentRedeliveryProcessesOnce(t *testing.T) {
	f := newFixture(t, testutil.Caregiver("s-1", "intake"))
	msg := api.InboundMessage{ExternalID: "msg-1", From: "6045551234", Text: "hi"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.router.Route(context.Background(), msg)
		}()
	}
	wg.Wait()

	require.Len(t, inboundNotes(t, f.p, "s-1"), 1)
	require.Len(t, f.dispatcher.calls, 1)
}

func TestRoute_MultipleMatchesAndArchivedSkipped(t *testing.T) {
	a := testutil.Caregiver("a", "intake")
	b := testutil.Caregiver("b", "intake")
	b.EntityType = api.EntityClient
	b.Phone = "16045551234"
	archived := testutil.Caregiver("c", "intake")
	archived.Archived = true
	other := testutil.Caregiver("d", "intake")
	other.Phone = "6045559999"

	f := newFixture(t, a, b, archived, other)

	res, err := f.router.Route(context.Background(), api.InboundMessage{ExternalID: "m", From: "(604) 555-1234", Text: "hello"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, res.MatchedIDs)
	require.Len(t, f.dispatcher.calls, 2)
	require.Equal(t, 1, f.dispatcher.batches, "all matches go out in one dispatch")
	require.Empty(t, inboundNotes(t, f.p, "c"))
	require.Empty(t, inboundNotes(t, f.p, "d"))
}

func TestRoute_NoMatchStillLogged(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Route(context.Background(), api.InboundMessage{ExternalID: "m", From: "6045550000", Text: "who is this"})
	require.NoError(t, err)
	require.Empty(t, res.MatchedIDs)
	require.False(t, res.AutomationFired)

	entry, err := f.p.Inbound.GetInbound(context.Background(), "m")
	require.NoError(t, err)
	require.Empty(t, entry.SubjectID)
	require.Equal(t, "who is this", entry.Text)
}

func TestRoute_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Route(context.Background(), api.InboundMessage{From: "6045551234"})
	require.ErrorIs(t, err, api.ErrValidation)
	_, err = f.router.Route(context.Background(), api.InboundMessage{ExternalID: "x"})
	require.ErrorIs(t, err, api.ErrValidation)
}

func TestRoute_ListFailureLetsRedeliveryRoute(t *testing.T) {
	f := newFixture(t, testutil.Caregiver("s-1", "intake"))
	subjects := &flakySubjects{SubjectStore: f.p.Subjects, failures: 1}
	router := New(Config{
		Subjects:   subjects,
		Inbound:    f.p.Inbound,
		Dispatcher: f.dispatcher,
		Responses:  f.canceller,
	})
	msg := api.InboundMessage{ExternalID: "m1", From: "6045551234", Text: "yes"}

	_, err := router.Route(context.Background(), msg)
	require.ErrorIs(t, err, api.ErrPersistence)
	_, err = f.p.Inbound.GetInbound(context.Background(), "m1")
	require.ErrorIs(t, err, persistence.ErrInboundNotFound)

	res, err := router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, []string{"s-1"}, res.MatchedIDs)
	require.Len(t, inboundNotes(t, f.p, "s-1"), 1)
	require.Len(t, f.dispatcher.calls, 1)

	again, err := router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
}

func TestRoute_RecordFailureRedeliveryDoesNotRepeatNote(t *testing.T) {
	f := newFixture(t, testutil.Caregiver("s-1", "intake"))
	inbound := &flakyInbound{InboundLogStore: f.p.Inbound, failures: 1}
	router := New(Config{
		Subjects:   f.p.Subjects,
		Inbound:    inbound,
		Dispatcher: f.dispatcher,
	})
	msg := api.InboundMessage{ExternalID: "m1", From: "6045551234", Text: "yes"}

	_, err := router.Route(context.Background(), msg)
	require.ErrorIs(t, err, api.ErrPersistence)

	res, err := router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.True(t, res.AutomationFired)
	require.Len(t, inboundNotes(t, f.p, "s-1"), 1)

	entry, err := f.p.Inbound.GetInbound(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, "s-1", entry.SubjectID)
}
