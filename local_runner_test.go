package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/relay/internal/testutil"
	"github.com/petrijr/relay/pkg/api"
)

// oneSecondHours is a step delay short enough for a test to wait out.
const oneSecondHours = 1.0 / 3600

func TestLocalRunner_DelayedStepRunsOnWorker(t *testing.T) {
	ctx := context.Background()
	m := &testutil.Messenger{}
	runner := NewLocalRunner(m)

	NewSequence("welcome").
		TriggerPhase("intake").
		SMS(0, "Hi {{first_name}}").
		SMS(oneSecondHours, "Still interested, {{first_name}}?").
		MustRegister(ctx, runner.Engine)

	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()

	s, err := runner.Engine.CreateSubject(ctx, testutil.Caregiver("s-1", "intake"), "test")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(m.Sent()) == 2 }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "Still interested, Maria?", m.Sent()[1].Body)

	require.Eventually(t, func() bool {
		list, err := runner.Engine.ListEnrollments(ctx, s.ID)
		return err == nil && len(list) == 1 && list[0].Status == api.EnrollmentCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalRunner_DispatchAsync(t *testing.T) {
	ctx := context.Background()
	m := &testutil.Messenger{}
	runner := NewLocalRunner(m)

	require.NoError(t, runner.Engine.RegisterRule(ctx, Rule{
		ID:         "thanks",
		Trigger:    TriggerTaskCompleted,
		Conditions: Conditions{TaskID: "interview"},
		Action:     ActionSendSMS,
		Message:    "Thanks for the interview, {{first_name}}",
		Enabled:    true,
	}))
	_, err := runner.Engine.CreateSubject(ctx, testutil.Caregiver("s-1", "interview"), "test")
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	require.NoError(t, runner.DispatchAsync(ctx, "s-1", TriggerTaskCompleted, TriggerContext{EventID: "e-1", TaskID: "interview"}))
	require.NoError(t, runner.DispatchAsync(ctx, "s-1", TriggerTaskCompleted, TriggerContext{EventID: "e-1", TaskID: "interview"}))

	require.Eventually(t, func() bool { return len(m.Sent()) >= 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return runner.Queue.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
	runner.Stop()
	require.Len(t, m.Sent(), 1, "the same event id must fire a rule once")
}

func TestLocalRunner_StartTwice(t *testing.T) {
	runner := NewLocalRunner(&testutil.Messenger{})
	ctx := context.Background()

	require.NoError(t, runner.StartWorkers(ctx, 1))
	require.ErrorIs(t, runner.StartWorkers(ctx, 1), ErrRunnerStarted)

	runner.Stop()
	runner.Stop()
	require.NoError(t, runner.StartWorkers(ctx, 1))
	runner.Stop()
}
