// Package messaging holds the Messenger used when no provider gateway is
// configured. It records every send as a structured log line.
package messaging

import (
	"context"
	"log/slog"

	"github.com/petrijr/relay/pkg/api"
)

// LogMessenger implements api.Messenger by logging instead of delivering.
type LogMessenger struct {
	logger *slog.Logger
}

var _ api.Messenger = (*LogMessenger)(nil)

func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMessenger{logger: logger.With(slog.String("component", "messenger"))}
}

func (m *LogMessenger) SendText(ctx context.Context, toPhone, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "sms_sent",
		slog.String("to", toPhone),
		slog.Int("length", len(text)),
		slog.String("text", text),
	)
	return nil
}

func (m *LogMessenger) SendEmail(ctx context.Context, toAddress, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "email_sent",
		slog.String("to", toAddress),
		slog.String("subject", subject),
		slog.Int("length", len(body)),
	)
	return nil
}
