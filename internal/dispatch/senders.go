package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// LogSender is a ChannelSender that only logs. Used when no provider is
// configured, so workflows can run end to end in development.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, channel schema.Channel, contact *store.Contact, subject, body, idempotencyKey string) (*SendResult, error) {
	s.logger.InfoContext(ctx, "channel send",
		"channel", string(channel),
		"contact_id", contact.ID,
		"subject", subject,
		"body_len", len(body),
		"idempotency_key", idempotencyKey)
	return &SendResult{Success: true, ProviderMessageID: "log-" + uuid.New().String()}, nil
}
