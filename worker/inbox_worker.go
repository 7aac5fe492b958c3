package worker

import (
	"context"
	"time"

	"dripline/signals"
	"dripline/utils"

	"github.com/sirupsen/logrus"
)

// Mailbox yields unseen inbound mail.
type Mailbox interface {
	Poll(ctx context.Context, handle func(context.Context, *signals.InboundMessage) error) (int, error)
}

// InboxWorker polls the reply mailbox and feeds replies and bounces to the
// signal listener.
type InboxWorker struct {
	Mailbox  Mailbox
	Handle   func(context.Context, *signals.InboundMessage) error
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewInboxWorker(mailbox Mailbox, listener *signals.Listener, interval time.Duration) *InboxWorker {
	return &InboxWorker{
		Mailbox:  mailbox,
		Handle:   listener.HandleInbound,
		Interval: interval,
		Logger:   utils.NewLogger("inbox_worker"),
	}
}

func (w *InboxWorker) Start(ctx context.Context) {
	w.Logger.Info("Starting inbox worker...")
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ticker.C:
			w.poll(ctx)
		case <-ctx.Done():
			w.Logger.Info("Stopping inbox worker...")
			return
		}
	}
}

func (w *InboxWorker) poll(ctx context.Context) {
	n, err := w.Mailbox.Poll(ctx, w.Handle)
	if err != nil {
		if ctx.Err() == nil {
			utils.LogError("inbox_poll", err, nil)
		}
		return
	}
	if n > 0 {
		w.Logger.WithField("messages", n).Info("Processed inbound mail")
	}
}
