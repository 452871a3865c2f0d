package workers

import (
	"chat-relay/clock"
	"chat-relay/services"
	"context"
	"log/slog"
	"time"
)

type RetentionConfig struct {
	Interval         time.Duration
	ArchiveAfterDays int
	PruneAfterDays   int
}

// RetentionWorker triggers both retention sweeps on every tick.
// A failed sweep is logged and retried on the next tick with a fresh cutoff.
type RetentionWorker struct {
	log     *slog.Logger
	service services.IRetentionService
	clock   clock.Clock
	config  RetentionConfig
}

func NewRetentionWorker(log *slog.Logger, service services.IRetentionService, clk clock.Clock, config RetentionConfig) *RetentionWorker {
	return &RetentionWorker{log: log, service: service, clock: clk, config: config}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info("Starting retention worker",
		"interval", w.config.Interval,
		"archive_after_days", w.config.ArchiveAfterDays,
		"prune_after_days", w.config.PruneAfterDays)
	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	if w.config.ArchiveAfterDays > 0 {
		if _, err := w.service.ArchiveOlderThan(ctx, w.config.ArchiveAfterDays); err != nil {
			w.log.Error("Archive sweep failed", "error", err)
		}
	}
	if w.config.PruneAfterDays > 0 {
		if _, err := w.service.PruneInactiveConversations(ctx, w.config.PruneAfterDays); err != nil {
			w.log.Error("Prune sweep failed", "error", err)
		}
	}
}
