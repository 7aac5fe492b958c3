package models

import (
	"time"

	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeSent               Outcome = "sent"
	OutcomeDelivered          Outcome = "delivered"
	OutcomeBounced            Outcome = "bounced"
	OutcomeFailed             Outcome = "failed"
	OutcomeSkippedRateLimited Outcome = "skipped_rate_limited"
)

// Succeeded reports whether the outcome lets the enrollment advance.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSent || o == OutcomeDelivered
}

// DeliveryAttempt records a single dispatch outcome. Rows are never updated;
// retries and delivery receipts append new rows.
type DeliveryAttempt struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`
	LeadID       uint `gorm:"not null;index" json:"lead_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`

	Position    int       `gorm:"not null" json:"position"`
	Channel     Channel   `gorm:"type:varchar(16);not null" json:"channel"`
	AttemptedAt time.Time `gorm:"not null;index" json:"attempted_at"`
	Outcome     Outcome   `gorm:"type:varchar(32);not null;index" json:"outcome"`
	ProviderRef string    `gorm:"index" json:"provider_ref,omitempty"`
	Error       string    `gorm:"type:text" json:"error,omitempty"`
}

type EventKind string

const (
	EventSent               EventKind = "sent"
	EventDelivered          EventKind = "delivered"
	EventBounced            EventKind = "bounced"
	EventFailed             EventKind = "failed"
	EventSkippedRateLimited EventKind = "skipped_rate_limited"

	EventOpened           EventKind = "opened"
	EventClicked          EventKind = "clicked"
	EventReplied          EventKind = "replied"
	EventVoicemailLeft    EventKind = "voicemail_left"
	EventMeetingScheduled EventKind = "meeting_scheduled"
	EventUnsubscribed     EventKind = "unsubscribed"

	EventEnrolled  EventKind = "enrolled"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventCanceled  EventKind = "canceled"
	EventCompleted EventKind = "completed"
	EventHalted    EventKind = "halted"
)

// EngagementKinds are the inbound signals that only ever feed the journey.
var EngagementKinds = []EventKind{EventOpened, EventClicked, EventVoicemailLeft, EventMeetingScheduled}

// EventKindFor maps a delivery outcome to its journey event kind.
func EventKindFor(o Outcome) EventKind {
	return EventKind(o)
}

// JourneyEvent is one entry of a lead's human-facing timeline
type JourneyEvent struct {
	gorm.Model
	LeadID       uint  `gorm:"not null;index" json:"lead_id"`
	EnrollmentID *uint `gorm:"index" json:"enrollment_id,omitempty"`
	SequenceID   *uint `gorm:"index" json:"sequence_id,omitempty"`
	Position     *int  `json:"position,omitempty"`

	Kind        EventKind `gorm:"type:varchar(32);not null;index" json:"kind"`
	Channel     Channel   `gorm:"type:varchar(16);index" json:"channel,omitempty"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	OccurredAt  time.Time `gorm:"not null;index" json:"occurred_at"`
}
