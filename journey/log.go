// Package journey is the append-only event log behind the activity feed and
// campaign statistics.
package journey

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dripline/models"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	subscriberBuffer = 64
)

// Filter narrows List, Stats and Subscribe. Zero fields match everything.
type Filter struct {
	Channel      models.Channel
	LeadID       uint
	EnrollmentID uint
	SequenceID   uint
	Kinds        []models.EventKind
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.LeadID != 0 {
		q = q.Where("lead_id = ?", f.LeadID)
	}
	if f.EnrollmentID != 0 {
		q = q.Where("enrollment_id = ?", f.EnrollmentID)
	}
	if f.SequenceID != 0 {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	return q
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev *models.JourneyEvent) bool {
	if f.Channel != "" && ev.Channel != f.Channel {
		return false
	}
	if f.LeadID != 0 && ev.LeadID != f.LeadID {
		return false
	}
	if f.EnrollmentID != 0 && (ev.EnrollmentID == nil || *ev.EnrollmentID != f.EnrollmentID) {
		return false
	}
	if f.SequenceID != 0 && (ev.SequenceID == nil || *ev.SequenceID != f.SequenceID) {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan models.JourneyEvent
}

// Log persists journey events and fans them out to live subscribers.
type Log struct {
	DB     *gorm.DB
	Logger *logrus.Entry

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

func NewLog(db *gorm.DB) *Log {
	return &Log{
		DB:     db,
		Logger: utils.NewLogger("journey"),
		subs:   make(map[int]*subscriber),
	}
}

// Record appends an event. It is the only way the log changes.
func (l *Log) Record(ctx context.Context, ev *models.JourneyEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.ID = 0

	if err := l.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("record journey event: %w", err)
	}
	l.publish(*ev)
	return nil
}

func (l *Log) publish(ev models.JourneyEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for id, sub := range l.subs {
		if !sub.filter.Match(&ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			l.Logger.WithFields(logrus.Fields{"subscriber": id, "event_id": ev.ID}).Warn("Journey subscriber is slow, dropping event")
		}
	}
}

// Subscribe streams newly recorded events that match f. The returned cancel
// func closes the channel and must be called once.
func (l *Log) Subscribe(f Filter) (<-chan models.JourneyEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	sub := &subscriber{filter: f, ch: make(chan models.JourneyEvent, subscriberBuffer)}
	l.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (l *Log) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Page is one newest-first slice of the log.
type Page struct {
	Events     []models.JourneyEvent `json:"events"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// List returns events newest first. cursor is the NextCursor of the previous
// page, empty for the first.
func (l *Log) List(ctx context.Context, f Filter, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	q := f.apply(l.DB.WithContext(ctx).Model(&models.JourneyEvent{}))
	if cursor != "" {
		before, err := strconv.ParseUint(cursor, 36, 64)
		if err != nil {
			return Page{}, &models.ValidationError{Kind: models.ErrValidation, Field: "cursor", Message: "is malformed"}
		}
		q = q.Where("id < ?", before)
	}

	var events []models.JourneyEvent
	if err := q.Order("id DESC").Limit(limit + 1).Find(&events).Error; err != nil {
		return Page{}, fmt.Errorf("list journey events: %w", err)
	}

	page := Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = strconv.FormatUint(uint64(page.Events[limit-1].ID), 36)
	}
	return page, nil
}
