package journey

import (
	"context"
	"fmt"
	"time"

	"dripline/models"
)

// Stats are aggregate counters for a window of the log. They are always
// derived from the events; nothing else stores them.
type Stats struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Sent           int `json:"sent"`
	Delivered      int `json:"delivered"`
	Bounced        int `json:"bounced"`
	Failed         int `json:"failed"`
	RateLimited    int `json:"skipped_rate_limited"`
	Opened         int `json:"opened"`
	Clicked        int `json:"clicked"`
	Replied        int `json:"replied"`
	VoicemailsLeft int `json:"voicemails_left"`
	Meetings       int `json:"meetings_scheduled"`
	Unsubscribed   int `json:"unsubscribed"`

	Enrolled  int `json:"enrolled"`
	Completed int `json:"completed"`
	Halted    int `json:"halted"`
	Canceled  int `json:"canceled"`

	SentByChannel map[models.Channel]int `json:"sent_by_channel"`

	ReplyRate float64 `json:"reply_rate"` // replied / sent
	OpenRate  float64 `json:"open_rate"`  // opened / sent
}

func newStats(from, to time.Time) Stats {
	return Stats{From: from, To: to, SentByChannel: make(map[models.Channel]int)}
}

func (s *Stats) add(kind models.EventKind, channel models.Channel, n int) {
	switch kind {
	case models.EventSent:
		s.Sent += n
		if channel != "" {
			s.SentByChannel[channel] += n
		}
	case models.EventDelivered:
		s.Delivered += n
	case models.EventBounced:
		s.Bounced += n
	case models.EventFailed:
		s.Failed += n
	case models.EventSkippedRateLimited:
		s.RateLimited += n
	case models.EventOpened:
		s.Opened += n
	case models.EventClicked:
		s.Clicked += n
	case models.EventReplied:
		s.Replied += n
	case models.EventVoicemailLeft:
		s.VoicemailsLeft += n
	case models.EventMeetingScheduled:
		s.Meetings += n
	case models.EventUnsubscribed:
		s.Unsubscribed += n
	case models.EventEnrolled:
		s.Enrolled += n
	case models.EventCompleted:
		s.Completed += n
	case models.EventHalted:
		s.Halted += n
	case models.EventCanceled:
		s.Canceled += n
	}
}

func (s *Stats) finish() {
	if s.Sent > 0 {
		s.ReplyRate = float64(s.Replied) / float64(s.Sent)
		s.OpenRate = float64(s.Opened) / float64(s.Sent)
	}
}

// Fold computes stats over the events that fall in [from, to].
func Fold(events []models.JourneyEvent, from, to time.Time) Stats {
	s := newStats(from, to)
	for i := range events {
		at := events[i].OccurredAt
		if at.Before(from) || at.After(to) {
			continue
		}
		s.add(events[i].Kind, events[i].Channel, 1)
	}
	s.finish()
	return s
}

type kindCount struct {
	Kind    models.EventKind
	Channel models.Channel
	N       int
}

// Stats folds the window [now-window, now] of the log, both ends inclusive
// like Fold, grouped in the database so the rows never leave it.
func (l *Log) Stats(ctx context.Context, f Filter, window time.Duration, now time.Time) (Stats, error) {
	to := now.UTC()
	from := to.Add(-window)

	var rows []kindCount
	err := f.apply(l.DB.WithContext(ctx).Model(&models.JourneyEvent{})).
		Select("kind, channel, COUNT(*) AS n").
		Where("occurred_at >= ? AND occurred_at <= ?", from, to).
		Group("kind, channel").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("journey stats: %w", err)
	}

	s := newStats(from, to)
	for _, r := range rows {
		s.add(r.Kind, r.Channel, r.N)
	}
	s.finish()
	return s, nil
}
