package worker

import (
	"context"
	"time"

	"dripline/scheduler"
	"dripline/utils"

	"github.com/sirupsen/logrus"
)

// Ticker is the part of the scheduler the worker drives.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.Report, error)
	Wait()
}

type SchedulerWorker struct {
	Scheduler Ticker
	Interval  time.Duration
	Logger    *logrus.Entry
}

func NewSchedulerWorker(s Ticker, interval time.Duration) *SchedulerWorker {
	return &SchedulerWorker{
		Scheduler: s,
		Interval:  interval,
		Logger:    utils.NewLogger("scheduler_worker"),
	}
}

// Start runs a tick immediately and then every Interval until ctx is done.
// On shutdown it waits for in-flight dispatches to be recorded.
func (w *SchedulerWorker) Start(ctx context.Context) {
	w.Logger.WithField("interval", w.Interval.String()).Info("Scheduler worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Scheduler worker shutting down...")
			w.Scheduler.Wait()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *SchedulerWorker) tick(ctx context.Context) {
	if _, err := w.Scheduler.Tick(ctx); err != nil && ctx.Err() == nil {
		utils.LogError("scheduler_tick", err, nil)
	}
}
