package api

import (
	"encoding/gob"
	"strings"
	"time"
)

func init() {
	gob.Register(Subject{})
	gob.Register(Note{})
}

// EntityType distinguishes the kinds of pipeline records the engine acts on.
type EntityType string

const (
	EntityCaregiver EntityType = "caregiver"
	EntityClient    EntityType = "client"
)

// NoteType classifies an entry in a subject's notes log.
type NoteType string

const (
	NoteTypeNote  NoteType = "note"
	NoteTypeText  NoteType = "text"
	NoteTypeEmail NoteType = "email"
	NoteTypeCall  NoteType = "call"
	NoteTypeTask  NoteType = "task"
)

// Direction of a communication relative to the organisation.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// NoteSource records who wrote a note. Provider-sourced notes were logged by
// a webhook on behalf of the messaging provider.
type NoteSource string

const (
	SourceLocal    NoteSource = "local"
	SourceProvider NoteSource = "provider"
)

// AutomationAuthor is the author recorded on notes the engine appends.
const AutomationAuthor = "Automation"

// Note is one entry of a subject's append-only notes log.
type Note struct {
	ID           string
	Text         string
	Type         NoteType
	Direction    Direction
	Source       NoteSource
	Timestamp    time.Time
	Author       string
	Outcome      string
	HasRecording bool

	// Ref identifies the automation firing that produced this note, if any.
	// It is the idempotency key for rule and step executions.
	Ref string
}

// TaskState is the completion state of one task on a subject's checklist.
type TaskState struct {
	Completed   bool
	CompletedAt time.Time
	CompletedBy string
}

// Subject is a caregiver or client record.
type Subject struct {
	ID         string
	EntityType EntityType

	FirstName string
	LastName  string
	Phone     string
	Email     string

	// PhaseOverride, when set, pins the subject to a phase regardless of
	// PhaseTimestamps. Phase derivation itself is done by a PhaseResolver.
	PhaseOverride   string
	PhaseTimestamps map[string]time.Time

	Tasks map[string]TaskState
	Notes []Note

	// Fields holds entity-specific merge fields (care_recipient_name, city, ...).
	Fields map[string]string

	Archived  bool
	CreatedAt time.Time

	// Version is bumped by the store on every successful update.
	Version int64
}

// FullName joins first and last name.
func (s *Subject) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// HasNoteRef reports whether a note with the given reference was already appended.
func (s *Subject) HasNoteRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, n := range s.Notes {
		if n.Ref == ref {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate it without touching
// another goroutine's view.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	cp := *s
	if s.PhaseTimestamps != nil {
		cp.PhaseTimestamps = make(map[string]time.Time, len(s.PhaseTimestamps))
		for k, v := range s.PhaseTimestamps {
			cp.PhaseTimestamps[k] = v
		}
	}
	if s.Tasks != nil {
		cp.Tasks = make(map[string]TaskState, len(s.Tasks))
		for k, v := range s.Tasks {
			cp.Tasks[k] = v
		}
	}
	if s.Fields != nil {
		cp.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			cp.Fields[k] = v
		}
	}
	cp.Notes = append([]Note(nil), s.Notes...)
	return &cp
}

// PhaseResolver derives the current pipeline phase of a subject from its
// override and per-phase timestamps.
type PhaseResolver interface {
	CurrentPhase(s *Subject) string
}

// PhaseResolverFunc adapts a function to PhaseResolver.
type PhaseResolverFunc func(s *Subject) string

func (f PhaseResolverFunc) CurrentPhase(s *Subject) string { return f(s) }
