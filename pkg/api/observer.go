package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay automation.
type Observer interface {
	// OnRuleMatched is called when a rule's conditions matched an event,
	// before its action runs.
	OnRuleMatched(ctx context.Context, rule Rule, subject *Subject)

	// OnActionCompleted is called after every action execution, for
	// successes, skips and failures alike.
	OnActionCompleted(ctx context.Context, res ActionResult, duration time.Duration)

	// OnSequenceStarted is called once an enrollment has been created and its
	// immediate steps executed.
	OnSequenceStarted(ctx context.Context, e *Enrollment, seq *Sequence)

	// OnSequenceStopped is called when an enrollment is cancelled.
	OnSequenceStopped(ctx context.Context, e *Enrollment, seq *Sequence)

	// OnSequenceCompleted is called when the last step of an enrollment ran.
	OnSequenceCompleted(ctx context.Context, e *Enrollment, seq *Sequence)

	// OnStepExecuted is called after a sequence step ran (err != nil on failure).
	OnStepExecuted(ctx context.Context, entry SequenceLogEntry, err error)

	// OnInboundRouted is called once per newly processed inbound message.
	OnInboundRouted(ctx context.Context, res *RouteResult)

	// OnIntakeProcessed is called after every intake submission.
	OnIntakeProcessed(ctx context.Context, source string, res IngestResult)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRuleMatched(ctx context.Context, rule Rule, subject *Subject)               {}
func (NoopObserver) OnActionCompleted(ctx context.Context, res ActionResult, d time.Duration)     {}
func (NoopObserver) OnSequenceStarted(ctx context.Context, e *Enrollment, seq *Sequence)          {}
func (NoopObserver) OnSequenceStopped(ctx context.Context, e *Enrollment, seq *Sequence)          {}
func (NoopObserver) OnSequenceCompleted(ctx context.Context, e *Enrollment, seq *Sequence)        {}
func (NoopObserver) OnStepExecuted(ctx context.Context, entry SequenceLogEntry, err error)        {}
func (NoopObserver) OnInboundRouted(ctx context.Context, res *RouteResult)                        {}
func (NoopObserver) OnIntakeProcessed(ctx context.Context, source string, res IngestResult)       {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRuleMatched(ctx context.Context, rule Rule, subject *Subject) {
	for _, o := range c.observers {
		o.OnRuleMatched(ctx, rule, subject)
	}
}

func (c *CompositeObserver) OnActionCompleted(ctx context.Context, res ActionResult, d time.Duration) {
	for _, o := range c.observers {
		o.OnActionCompleted(ctx, res, d)
	}
}

func (c *CompositeObserver) OnSequenceStarted(ctx context.Context, e *Enrollment, seq *Sequence) {
	for _, o := range c.observers {
		o.OnSequenceStarted(ctx, e, seq)
	}
}

func (c *CompositeObserver) OnSequenceStopped(ctx context.Context, e *Enrollment, seq *Sequence) {
	for _, o := range c.observers {
		o.OnSequenceStopped(ctx, e, seq)
	}
}

func (c *CompositeObserver) OnSequenceCompleted(ctx context.Context, e *Enrollment, seq *Sequence) {
	for _, o := range c.observers {
		o.OnSequenceCompleted(ctx, e, seq)
	}
}

func (c *CompositeObserver) OnStepExecuted(ctx context.Context, entry SequenceLogEntry, err error) {
	for _, o := range c.observers {
		o.OnStepExecuted(ctx, entry, err)
	}
}

func (c *CompositeObserver) OnInboundRouted(ctx context.Context, res *RouteResult) {
	for _, o := range c.observers {
		o.OnInboundRouted(ctx, res)
	}
}

func (c *CompositeObserver) OnIntakeProcessed(ctx context.Context, source string, res IngestResult) {
	for _, o := range c.observers {
		o.OnIntakeProcessed(ctx, source, res)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs engine events using the
// provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRuleMatched(ctx context.Context, rule Rule, subject *Subject) {
	o.Logger.DebugContext(ctx, "rule_matched",
		slog.String("rule_id", rule.ID),
		slog.String("rule", rule.Name),
		slog.String("trigger", string(rule.Trigger)),
		slog.String("subject_id", subject.ID),
	)
}

func (o *LoggingObserver) OnActionCompleted(ctx context.Context, res ActionResult, d time.Duration) {
	level := slog.LevelInfo
	if res.Err != nil || res.NoteErr != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "action_completed",
		slog.String("name", res.Name),
		slog.String("action", string(res.Action)),
		slog.String("subject_id", res.SubjectID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", d),
		slog.Any("error", res.Err),
		slog.Any("note_error", res.NoteErr),
	)
}

func (o *LoggingObserver) OnSequenceStarted(ctx context.Context, e *Enrollment, seq *Sequence) {
	o.Logger.InfoContext(ctx, "sequence_started",
		slog.String("sequence", seq.Name),
		slog.String("enrollment_id", e.ID),
		slog.String("subject_id", e.SubjectID),
		slog.Int("current_step", e.CurrentStep),
		slog.String("started_by", e.StartedBy),
	)
}

func (o *LoggingObserver) OnSequenceStopped(ctx context.Context, e *Enrollment, seq *Sequence) {
	o.Logger.InfoContext(ctx, "sequence_stopped",
		slog.String("sequence", seq.Name),
		slog.String("enrollment_id", e.ID),
		slog.String("subject_id", e.SubjectID),
		slog.String("reason", string(e.CancelReason)),
		slog.String("cancelled_by", e.CancelledBy),
	)
}

func (o *LoggingObserver) OnSequenceCompleted(ctx context.Context, e *Enrollment, seq *Sequence) {
	o.Logger.InfoContext(ctx, "sequence_completed",
		slog.String("sequence", seq.Name),
		slog.String("enrollment_id", e.ID),
		slog.String("subject_id", e.SubjectID),
	)
}

func (o *LoggingObserver) OnStepExecuted(ctx context.Context, entry SequenceLogEntry, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_executed",
		slog.String("sequence_id", entry.SequenceID),
		slog.String("enrollment_id", entry.EnrollmentID),
		slog.String("subject_id", entry.SubjectID),
		slog.Int("step_index", entry.StepIndex),
		slog.String("status", string(entry.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnInboundRouted(ctx context.Context, res *RouteResult) {
	o.Logger.InfoContext(ctx, "inbound_routed",
		slog.String("message_id", res.Entry.MessageID),
		slog.Int("matches", len(res.MatchedIDs)),
		slog.Bool("automation_fired", res.AutomationFired),
	)
}

func (o *LoggingObserver) OnIntakeProcessed(ctx context.Context, source string, res IngestResult) {
	level := slog.LevelInfo
	if res.Err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "intake_processed",
		slog.String("source", source),
		slog.Int("status", res.Status),
		slog.String("subject_id", res.SubjectID),
		slog.Bool("duplicate", res.Duplicate),
		slog.Any("error", res.Err),
	)
}

// BasicMetrics collects simple counters. It implements Observer, and can be
// combined with LoggingObserver via NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	rulesMatched       atomic.Int64
	actionsSucceeded   atomic.Int64
	actionsFailed      atomic.Int64
	sequencesStarted   atomic.Int64
	sequencesStopped   atomic.Int64
	sequencesCompleted atomic.Int64
	stepsExecuted      atomic.Int64
	inboundRouted      atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RulesMatched       int64
	ActionsSucceeded   int64
	ActionsFailed      int64
	SequencesStarted   int64
	SequencesStopped   int64
	SequencesCompleted int64
	ActiveSequences    int64
	StepsExecuted      int64
	InboundRouted      int64
}

func (m *BasicMetrics) OnRuleMatched(ctx context.Context, rule Rule, subject *Subject) {
	m.rulesMatched.Add(1)
}

func (m *BasicMetrics) OnActionCompleted(ctx context.Context, res ActionResult, d time.Duration) {
	switch {
	case res.OK():
		m.actionsSucceeded.Add(1)
	case res.Status == ActionFailed:
		m.actionsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnSequenceStarted(ctx context.Context, e *Enrollment, seq *Sequence) {
	m.sequencesStarted.Add(1)
}

func (m *BasicMetrics) OnSequenceStopped(ctx context.Context, e *Enrollment, seq *Sequence) {
	m.sequencesStopped.Add(1)
}

func (m *BasicMetrics) OnSequenceCompleted(ctx context.Context, e *Enrollment, seq *Sequence) {
	m.sequencesCompleted.Add(1)
}

func (m *BasicMetrics) OnStepExecuted(ctx context.Context, entry SequenceLogEntry, err error) {
	if err == nil {
		m.stepsExecuted.Add(1)
	}
}

func (m *BasicMetrics) OnInboundRouted(ctx context.Context, res *RouteResult) {
	m.inboundRouted.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.sequencesStarted.Load()
	stopped := m.sequencesStopped.Load()
	completed := m.sequencesCompleted.Load()

	return BasicMetricsSnapshot{
		RulesMatched:       m.rulesMatched.Load(),
		ActionsSucceeded:   m.actionsSucceeded.Load(),
		ActionsFailed:      m.actionsFailed.Load(),
		SequencesStarted:   started,
		SequencesStopped:   stopped,
		SequencesCompleted: completed,
		ActiveSequences:    started - stopped - completed,
		StepsExecuted:      m.stepsExecuted.Load(),
		InboundRouted:      m.inboundRouted.Load(),
	}
}
