package sms

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender logs messages instead of delivering them. Used when no SMS
// provider is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, _ string) error {
	s.logger.Info().
		Str("to", to).
		Msg("sms delivery disabled, message dropped")
	return nil
}
