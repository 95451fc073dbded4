// Package testutil holds fakes shared by the engine's package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/petrijr/relay/pkg/api"
)

// SentMessage is one call recorded by Messenger.
type SentMessage struct {
	Kind    api.ActionType
	To      string
	Subject string
	Body    string
}

// Messenger records every send. Fail, when set, is consulted first and its
// error returned instead of recording.
type Messenger struct {
	mu   sync.Mutex
	sent []SentMessage

	Fail func(to string) error
}

var _ api.Messenger = (*Messenger)(nil)

func (m *Messenger) SendText(ctx context.Context, toPhone, text string) error {
	return m.record(ctx, SentMessage{Kind: api.ActionSendSMS, To: toPhone, Body: text})
}

func (m *Messenger) SendEmail(ctx context.Context, toAddress, subject, body string) error {
	return m.record(ctx, SentMessage{Kind: api.ActionSendEmail, To: toAddress, Subject: subject, Body: body})
}

func (m *Messenger) record(ctx context.Context, msg SentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Fail != nil {
		if err := m.Fail(msg.To); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *Messenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
