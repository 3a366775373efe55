package email

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender logs messages instead of delivering them. Used when no SMTP
// relay is configured, typically in development.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Info().
		Str("to", Redact(to)).
		Str("subject", subject).
		Msg("email delivery disabled, message dropped")
	return nil
}
