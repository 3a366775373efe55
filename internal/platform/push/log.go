package push

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender logs messages instead of delivering them. Used when no push
// provider is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, _, title, _ string) error {
	s.logger.Info().
		Str("title", title).
		Msg("push delivery disabled, message dropped")
	return nil
}
