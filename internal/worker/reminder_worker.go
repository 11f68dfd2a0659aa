package worker

import (
	"context"
	"time"

	"approval-service/internal/service"

	"go.uber.org/zap"
)

// ReminderWorker triggers the reminder sweep on a fixed interval. It is the
// only long-lived goroutine in the service.
type ReminderWorker struct {
	reminders *service.ReminderService
	logger    *zap.Logger
	interval  time.Duration
	stopChan  chan bool
}

func NewReminderWorker(reminders *service.ReminderService, logger *zap.Logger, interval time.Duration) *ReminderWorker {
	return &ReminderWorker{
		reminders: reminders,
		logger:    logger,
		interval:  interval,
		stopChan:  make(chan bool),
	}
}

func (w *ReminderWorker) Start(ctx context.Context) {
	w.logger.Info("starting reminder worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)

		case <-w.stopChan:
			w.logger.Info("stopping reminder worker")
			return

		case <-ctx.Done():
			w.logger.Info("context cancelled, stopping reminder worker")
			return
		}
	}
}

func (w *ReminderWorker) sweep(ctx context.Context) {
	fired, err := w.reminders.SweepDueReminders(ctx, time.Now())
	if err != nil {
		w.logger.Error("reminder sweep failed", zap.Error(err))
		return
	}
	if len(fired) > 0 {
		w.logger.Info("reminder sweep complete", zap.Int("fired", len(fired)))
	}
}

func (w *ReminderWorker) Stop() {
	close(w.stopChan)
}
