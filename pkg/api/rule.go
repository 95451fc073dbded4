package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(TriggerContext{})
}

// TriggerType identifies the domain event that fires a rule.
type TriggerType string

const (
	TriggerNewSubject       TriggerType = "new_subject"
	TriggerTaskCompleted    TriggerType = "task_completed"
	TriggerPhaseChange      TriggerType = "phase_change"
	TriggerDocumentUploaded TriggerType = "document_uploaded"
	TriggerDocumentSigned   TriggerType = "document_signed"
	TriggerInboundSMS       TriggerType = "inbound_sms"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerNewSubject, TriggerTaskCompleted, TriggerPhaseChange,
		TriggerDocumentUploaded, TriggerDocumentSigned, TriggerInboundSMS:
		return true
	}
	return false
}

// ActionType is the kind of work an automation performs.
type ActionType string

const (
	ActionSendSMS    ActionType = "send_sms"
	ActionSendEmail  ActionType = "send_email"
	ActionCreateTask ActionType = "create_task"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSendSMS, ActionSendEmail, ActionCreateTask:
		return true
	}
	return false
}

// Conditions is the flat, AND-combined predicate set of a rule.
// An empty string means the key is absent and is vacuously satisfied.
type Conditions struct {
	Phase        string `yaml:"phase,omitempty"`
	ToPhase      string `yaml:"to_phase,omitempty"`
	TaskID       string `yaml:"task_id,omitempty"`
	DocumentType string `yaml:"document_type,omitempty"`
	TemplateName string `yaml:"template_name,omitempty"`
	Keyword      string `yaml:"keyword,omitempty"`
}

// IsEmpty reports whether no condition key is present.
func (c Conditions) IsEmpty() bool {
	return c == Conditions{}
}

// Rule is a declarative trigger + condition + action automation.
type Rule struct {
	ID         string
	Name       string
	Trigger    TriggerType
	EntityType EntityType // empty matches every entity type
	Conditions Conditions
	Action     ActionType
	Message    string
	Subject    string // email subject line
	Enabled    bool
}

// TriggerContext is the ephemeral payload of one event firing.
type TriggerContext struct {
	// EventID, when set, makes action execution idempotent per
	// (rule, subject, event).
	EventID string

	FromPhase     string
	ToPhase       string
	TaskID        string
	DocumentType  string
	TemplateNames []string
	MessageText   string
	SenderNumber  string
}

// ActionStatus is the per-action outcome.
type ActionStatus string

const (
	ActionSent    ActionStatus = "sent"
	ActionCreated ActionStatus = "created"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// ActionResult reports what one action execution did.
type ActionResult struct {
	RuleID    string
	Name      string
	SubjectID string
	Action    ActionType
	Status    ActionStatus
	Text      string
	At        time.Time

	// Err is the delivery or validation error, if any.
	Err error

	// NoteErr is set when the side effect happened but the audit note could
	// not be recorded.
	NoteErr error
}

// OK reports whether the action had its intended effect.
func (r ActionResult) OK() bool {
	return r.Status == ActionSent || r.Status == ActionCreated
}
