package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Worker periodically delivers scheduled notifications and retries failed
// channels.
type Worker struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// NewWorker builds a Worker. interval defaults to one minute, batch to 100.
func NewWorker(svc *Service, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{svc: svc, interval: interval, batch: 100, logger: logger}
}

// Run processes due notifications until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("notification worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("notification worker stopped")
			return
		case <-ticker.C:
			processed, err := w.svc.ProcessDue(ctx, w.batch)
			if err != nil {
				w.logger.Error().Err(err).Msg("failed to process due notifications")
				continue
			}
			if processed > 0 {
				w.logger.Debug().Int("processed", processed).Msg("delivered due notifications")
			}
		}
	}
}
