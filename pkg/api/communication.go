package api

import (
	"context"
	"time"
)

// CommunicationSource marks where a timeline item came from.
type CommunicationSource string

const (
	CommLocal    CommunicationSource = "local"
	CommProvider CommunicationSource = "provider"
)

// CommunicationEvent is one item of the merged communication timeline.
// It is synthesised at read time and never persisted.
type CommunicationEvent struct {
	ID           string
	Source       CommunicationSource
	Type         NoteType
	Direction    Direction
	Timestamp    time.Time
	Text         string
	Outcome      string
	HasRecording bool

	// NoteSource is the source tag of the local note this event came from.
	NoteSource NoteSource
}

// InboundMessage is an externally-delivered message as received by the webhook.
type InboundMessage struct {
	ExternalID string `json:"message_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Text       string `json:"text"`
}

// InboundMessageLogEntry is the idempotency fence for inbound routing.
type InboundMessageLogEntry struct {
	MessageID       string
	FromPhone       string
	ToPhone         string
	Text            string
	SubjectID       string
	SubjectName     string
	MatchedIDs      []string
	AutomationFired bool
	ReceivedAt      time.Time
}

// RouteResult reports the outcome of routing one inbound message.
type RouteResult struct {
	Duplicate       bool
	MatchedIDs      []string
	AutomationFired bool
	Entry           *InboundMessageLogEntry
}

// Messenger is the outbound messaging provider.
type Messenger interface {
	SendText(ctx context.Context, toPhone, text string) error
	SendEmail(ctx context.Context, toAddress, subject, body string) error
}

// HistoryProvider returns provider-side communication history for a phone number.
type HistoryProvider interface {
	FetchHistory(ctx context.Context, phone string) ([]CommunicationEvent, error)
}

// APIKey authorises an external intake source.
type APIKey struct {
	Key        string
	Source     string
	EntityType EntityType
	Enabled    bool
}

// IngestResult is the outcome of an intake submission. Status uses HTTP codes:
// 201 created, 200 duplicate, 400 validation, 401 bad key, 500 internal.
type IngestResult struct {
	Status    int
	SubjectID string
	Duplicate bool
	Err       error
}
