package relay

import (
	"database/sql"

	"github.com/petrijr/relay/internal/engine"
	"github.com/petrijr/relay/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	Subject          = api.Subject
	Note             = api.Note
	Rule             = api.Rule
	Conditions       = api.Conditions
	TriggerType      = api.TriggerType
	TriggerContext   = api.TriggerContext
	ActionType       = api.ActionType
	ActionResult     = api.ActionResult
	Sequence         = api.Sequence
	Step             = api.Step
	Enrollment       = api.Enrollment
	SequenceLogEntry = api.SequenceLogEntry
	CancelReason     = api.CancelReason
	InboundMessage   = api.InboundMessage
	RouteResult      = api.RouteResult
	APIKey           = api.APIKey
	IngestResult     = api.IngestResult
	Messenger        = api.Messenger
	HistoryProvider  = api.HistoryProvider
	PhaseResolver    = api.PhaseResolver

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

const (
	TriggerNewSubject       = api.TriggerNewSubject
	TriggerTaskCompleted    = api.TriggerTaskCompleted
	TriggerPhaseChange      = api.TriggerPhaseChange
	TriggerDocumentUploaded = api.TriggerDocumentUploaded
	TriggerDocumentSigned   = api.TriggerDocumentSigned
	TriggerInboundSMS       = api.TriggerInboundSMS

	ActionSendSMS    = api.ActionSendSMS
	ActionSendEmail  = api.ActionSendEmail
	ActionCreateTask = api.ActionCreateTask
)

// NewInMemoryEngine returns an Engine whose state lives in process memory.
func NewInMemoryEngine(m Messenger) Engine {
	return engine.NewInMemoryEngine(m)
}

// NewSQLiteEngine returns an Engine that persists subjects, definitions,
// enrollments and the inbound message log in db.
func NewSQLiteEngine(db *sql.DB, m Messenger) (Engine, error) {
	return engine.NewSQLiteEngine(db, m)
}
