package models

import (
	"time"

	"gorm.io/gorm"
)

type EnrollmentStatus string

const (
	EnrollmentPending         EnrollmentStatus = "pending"
	EnrollmentInProgress      EnrollmentStatus = "in_progress"
	EnrollmentCompleted       EnrollmentStatus = "completed"
	EnrollmentHaltedByReply   EnrollmentStatus = "halted_by_reply"
	EnrollmentHaltedByFailure EnrollmentStatus = "halted_by_failure"
	EnrollmentPaused          EnrollmentStatus = "paused"
	EnrollmentCanceled        EnrollmentStatus = "canceled"
)

// Active reports whether the scheduler may still dispatch for this status.
func (s EnrollmentStatus) Active() bool {
	return s == EnrollmentPending || s == EnrollmentInProgress
}

// Terminal reports whether no further transition is possible.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentCompleted, EnrollmentHaltedByReply, EnrollmentHaltedByFailure, EnrollmentCanceled:
		return true
	}
	return false
}

// LiveStatuses are the statuses covered by the one-live-enrollment-per-lead-and-sequence rule.
var LiveStatuses = []EnrollmentStatus{EnrollmentPending, EnrollmentInProgress, EnrollmentPaused}

// Enrollment binds a lead to a sequence and tracks its progress
type Enrollment struct {
	gorm.Model
	LeadID     uint `gorm:"not null;index;uniqueIndex:idx_enrollments_live,where:status = 'pending' OR status = 'in_progress' OR status = 'paused'" json:"lead_id"`
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_enrollments_live" json:"sequence_id"`

	CurrentPosition int              `gorm:"not null;default:0" json:"current_position"`
	Status          EnrollmentStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	PausedFrom      EnrollmentStatus `gorm:"type:varchar(32)" json:"paused_from,omitempty"`
	HaltReason      string           `json:"halt_reason,omitempty"`

	// Timing
	EnrolledAt   time.Time `gorm:"not null;index" json:"enrolled_at"`
	LastActionAt time.Time `gorm:"not null" json:"last_action_at"`
	NextDueAt    time.Time `gorm:"not null;index" json:"next_due_at"` // LastActionAt + delay of CurrentPosition

	// Concurrency control
	DispatchingAt *time.Time `json:"dispatching_at,omitempty"` // set while an attempt is with an adapter
	Version       int64      `gorm:"not null;default:1" json:"version"`
}
