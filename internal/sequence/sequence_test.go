package sequence

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/relay/internal/action"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/testutil"
	"github.com/petrijr/relay/pkg/api"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingScheduler struct {
	mu      sync.Mutex
	entries []api.SequenceLogEntry
}

func (r *recordingScheduler) ScheduleStep(ctx context.Context, e api.SequenceLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type fixture struct {
	p         persistence.Persistence
	messenger *testutil.Messenger
	clock     *clock
	scheduler *recordingScheduler
	metrics   *api.BasicMetrics
	engine    *Engine
}

func newFixture(t *testing.T, presenceOnly bool) *fixture {
	t.Helper()
	f := &fixture{
		p:         persistence.NewInMemoryPersistence(),
		messenger: &testutil.Messenger{},
		clock:     &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		scheduler: &recordingScheduler{},
		metrics:   &api.BasicMetrics{},
	}
	exec := action.New(action.Config{
		Subjects:  f.p.Subjects,
		Messenger: f.messenger,
		Phases:    testutil.LatestPhase,
		Now:       f.clock.Now,
	})
	f.engine = New(Config{
		Persistence:  f.p,
		Executor:     exec,
		Scheduler:    f.scheduler,
		Observer:     f.metrics,
		PresenceOnly: presenceOnly,
		Now:          f.clock.Now,
	})

	ctx := context.Background()
	require.NoError(t, f.p.Subjects.SaveSubject(ctx, testutil.Caregiver("s-1", "intake")))
	require.NoError(t, f.p.Sequences.SaveSequence(ctx, welcomeSequence()))
	return f
}

// welcomeSequence: immediate SMS, SMS after 24h, email after 72h.
func welcomeSequence() api.Sequence {
	return api.Sequence{
		ID:             "welcome",
		Name:           "Welcome",
		TriggerPhase:   "intake",
		StopOnResponse: true,
		Enabled:        true,
		Steps: []api.Step{
			{Action: api.ActionSendSMS, Template: "Hi {{first_name}}"},
			{Action: api.ActionSendSMS, DelayHours: 24, Template: "Still interested?"},
			{Action: api.ActionSendEmail, DelayHours: 72, Subject: "Checking in", Template: "Last call"},
		},
	}
}

func TestStart_ImmediateStepsRunAndDelayedArePending(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	enr, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	require.Equal(t, api.EnrollmentActive, enr.Status)
	require.Equal(t, 1, enr.CurrentStep)
	require.Equal(t, "Dana", enr.StartedBy)

	rows, err := f.engine.Log(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, api.StepExecuted, rows[0].Status)
	require.Equal(t, api.StepPending, rows[1].Status)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), rows[1].ScheduledAt)
	require.Equal(t, api.StepPending, rows[2].Status)

	require.Len(t, f.messenger.Sent(), 1)
	require.Len(t, f.scheduler.entries, 2)

	cur, total := api.Progress(enr, &api.Sequence{Steps: welcomeSequence().Steps})
	require.Equal(t, 1, cur)
	require.Equal(t, 3, total)
}

func TestStart_TwiceWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.ErrorIs(t, err, api.ErrDuplicateEnrollment)
	require.Equal(t, http.StatusConflict, api.HTTPStatus(err))

	_, err = f.engine.Stop(ctx, first.ID, api.CancelManual, "Dana")
	require.NoError(t, err)

	again, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, again.ID)
}

func TestStart_FromStepKSkipsEarlierSteps(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	enr, err := f.engine.Start(ctx, "s-1", "welcome", 2, "Dana")
	require.NoError(t, err)
	require.Equal(t, 2, enr.CurrentStep)

	rows, err := f.engine.Log(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].StepIndex)
	require.Empty(t, f.messenger.Sent())
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "s-1", "welcome", 3, "Dana")
	require.ErrorIs(t, err, api.ErrValidation)
	_, err = f.engine.Start(ctx, "s-1", "welcome", -1, "Dana")
	require.ErrorIs(t, err, api.ErrValidation)
	_, err = f.engine.Start(ctx, "s-1", "missing", 0, "Dana")
	require.ErrorIs(t, err, api.ErrNotFound)
	_, err = f.engine.Start(ctx, "nobody", "welcome", 0, "Dana")
	require.ErrorIs(t, err, api.ErrNotFound)

	disabled := welcomeSequence()
	disabled.ID = "off"
	disabled.Enabled = false
	require.NoError(t, f.p.Sequences.SaveSequence(ctx, disabled))
	_, err = f.engine.Start(ctx, "s-1", "off", 0, "Dana")
	require.ErrorIs(t, err, api.ErrValidation)
}

func TestStop_CancelsPendingKeepsExecuted(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	enr, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)

	stopped, err := f.engine.Stop(ctx, enr.ID, api.CancelManual, "Lee")
	require.NoError(t, err)
	require.Equal(t, api.EnrollmentCancelled, stopped.Status)
	require.Equal(t, api.CancelManual, stopped.CancelReason)
	require.Equal(t, "Lee", stopped.CancelledBy)
	require.False(t, stopped.CancelledAt.IsZero())

	rows, err := f.engine.Log(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, api.StepExecuted, rows[0].Status)
	require.Equal(t, api.StepCancelled, rows[1].Status)
	require.Equal(t, api.StepCancelled, rows[2].Status)

	s, err := f.p.Subjects.GetSubject(ctx, "s-1")
	require.NoError(t, err)
	notes := testutil.NotesOfType(s, api.NoteTypeNote)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0].Text, "Welcome")

	// Terminal states are final.
	_, err = f.engine.Stop(ctx, enr.ID, api.CancelManual, "Lee")
	require.ErrorIs(t, err, api.ErrDuplicateEnrollment)

	// Nothing left to run.
	f.clock.Advance(100 * time.Hour)
	n, err := f.engine.ExecuteDue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.messenger.Sent(), 1)
}

func TestExecuteDue_RunsStepsAndCompletes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	n, err := f.engine.ExecuteDue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list, err := f.engine.List(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 2, list[0].CurrentStep)
	require.Equal(t, api.EnrollmentActive, list[0].Status)

	// Running again at the same instant does not double-fire.
	n, err = f.engine.ExecuteDue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(48 * time.Hour)
	n, err = f.engine.ExecuteDue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list, _ = f.engine.List(ctx, "s-1")
	require.Equal(t, api.EnrollmentCompleted, list[0].Status)
	require.Equal(t, 3, list[0].CurrentStep)
	require.Len(t, f.messenger.Sent(), 3)

	snap := f.metrics.Snapshot()
	require.Equal(t, int64(1), snap.SequencesCompleted)
	require.Equal(t, int64(0), snap.ActiveSequences)

	// Re-enrollment after completion is allowed.
	_, err = f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
}

func TestExecuteStep_ClaimsOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	enr, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	rows, _ := f.engine.Log(ctx, enr.ID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.ExecuteStep(ctx, rows[1].ID)
		}()
	}
	wg.Wait()

	require.Len(t, f.messenger.Sent(), 2)

	got, err := f.engine.ExecuteStep(ctx, rows[1].ID)
	require.NoError(t, err)
	require.Equal(t, api.StepExecuted, got.Status)

	_, err = f.engine.ExecuteStep(ctx, "missing")
	require.ErrorIs(t, err, api.ErrNotFound)
}

func TestExecuteStep_FailureMarksFailed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	enr, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	rows, _ := f.engine.Log(ctx, enr.ID)

	f.messenger.Fail = func(string) error { return errors.New("carrier down") }
	got, err := f.engine.ExecuteStep(ctx, rows[1].ID)
	require.NoError(t, err)
	require.Equal(t, api.StepFailed, got.Status)
	require.Contains(t, got.Error, "carrier down")

	list, _ := f.engine.List(ctx, "s-1")
	require.Equal(t, 1, list[0].CurrentStep)
	require.Equal(t, api.EnrollmentActive, list[0].Status)
}

func TestCancelOnResponse(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	keep := welcomeSequence()
	keep.ID = "keep"
	keep.Name = "Keep going"
	keep.StopOnResponse = false
	require.NoError(t, f.p.Sequences.SaveSequence(ctx, keep))

	_, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, "s-1", "keep", 0, "Dana")
	require.NoError(t, err)

	stopped, err := f.engine.CancelOnResponse(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	require.Equal(t, "welcome", stopped[0].SequenceID)
	require.Equal(t, api.CancelResponseDetected, stopped[0].CancelReason)
	require.Equal(t, SystemActor, stopped[0].CancelledBy)

	active, _ := f.p.Enrollments.ListEnrollments(ctx, persistence.EnrollmentFilter{SubjectID: "s-1", Status: api.EnrollmentActive})
	require.Len(t, active, 1)
	require.Equal(t, "keep", active[0].SequenceID)
}

func TestCancelForPhase(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	manual := welcomeSequence()
	manual.ID = "manual"
	manual.TriggerPhase = ""
	require.NoError(t, f.p.Sequences.SaveSequence(ctx, manual))

	_, err := f.engine.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, "s-1", "manual", 0, "Dana")
	require.NoError(t, err)

	stopped, err := f.engine.CancelForPhase(ctx, "s-1", "interview", "Dana")
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	require.Equal(t, "welcome", stopped[0].SequenceID)
	require.Equal(t, api.CancelPhaseChanged, stopped[0].CancelReason)
}

func TestAutoEnroll_PresenceOnly(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, true)
	s, _ := f.p.Subjects.GetSubject(ctx, "s-1")

	started, err := f.engine.AutoEnroll(ctx, s, "intake", "Automation")
	require.NoError(t, err)
	require.Len(t, started, 1)

	_, err = f.engine.Stop(ctx, started[0].ID, api.CancelManual, "Dana")
	require.NoError(t, err)

	// A cancelled enrollment still counts as presence.
	started, err = f.engine.AutoEnroll(ctx, s, "intake", "Automation")
	require.NoError(t, err)
	require.Empty(t, started)

	g := newFixture(t, false)
	s2, _ := g.p.Subjects.GetSubject(ctx, "s-1")
	first, err := g.engine.AutoEnroll(ctx, s2, "intake", "Automation")
	require.NoError(t, err)
	require.Len(t, first, 1)
	_, err = g.engine.Stop(ctx, first[0].ID, api.CancelManual, "Dana")
	require.NoError(t, err)

	again, err := g.engine.AutoEnroll(ctx, s2, "intake", "Automation")
	require.NoError(t, err)
	require.Len(t, again, 1)

	// Still active: no error, nothing new.
	none, err := g.engine.AutoEnroll(ctx, s2, "intake", "Automation")
	require.NoError(t, err)
	require.Empty(t, none)
}

// failingLog rejects AppendLogEntries the given number of times.
type failingLog struct {
	persistence.SequenceLogStore
	failures int
}

func (f *failingLog) AppendLogEntries(ctx context.Context, entries []api.SequenceLogEntry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.SequenceLogStore.AppendLogEntries(ctx, entries)
}

func TestStart_LogFailureDoesNotBlockRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	p := f.p
	p.SequenceLog = &failingLog{SequenceLogStore: f.p.SequenceLog, failures: 1}
	eng := New(Config{
		Persistence: p,
		Executor:    action.New(action.Config{Subjects: p.Subjects, Messenger: f.messenger, Now: f.clock.Now}),
		Now:         f.clock.Now,
	})

	_, err := eng.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.ErrorIs(t, err, api.ErrPersistence)

	list, err := eng.List(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, api.EnrollmentCancelled, list[0].Status)
	require.Empty(t, f.messenger.Sent())

	enr, err := eng.Start(ctx, "s-1", "welcome", 0, "Dana")
	require.NoError(t, err)
	require.Equal(t, api.EnrollmentActive, enr.Status)
	require.Len(t, f.messenger.Sent(), 1)
}

func TestExecuteDue_PacesProviderCalls(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.p.Subjects.SaveSubject(ctx, testutil.Caregiver("s-2", "intake")))
	require.NoError(t, f.p.Sequences.SaveSequence(ctx, api.Sequence{
		ID:      "nudge",
		Name:    "Nudge",
		Enabled: true,
		Steps:   []api.Step{{Action: api.ActionSendSMS, DelayHours: 1, Template: "Ping"}},
	}))

	const interval = 40 * time.Millisecond
	eng := New(Config{
		Persistence: f.p,
		Executor: action.New(action.Config{
			Subjects:      f.p.Subjects,
			Messenger:     f.messenger,
			BatchInterval: interval,
			Now:           f.clock.Now,
		}),
		Now: f.clock.Now,
	})
	for _, id := range []string{"s-1", "s-2"} {
		_, err := eng.Start(ctx, id, "nudge", 0, "Dana")
		require.NoError(t, err)
	}

	f.clock.Advance(2 * time.Hour)
	start := time.Now()
	n, err := eng.ExecuteDue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.GreaterOrEqual(t, time.Since(start), interval)
	require.Len(t, f.messenger.Sent(), 2)

	for _, id := range []string{"s-1", "s-2"} {
		list, err := eng.List(ctx, id)
		require.NoError(t, err)
		require.Equal(t, api.EnrollmentCompleted, list[0].Status)
	}
}
