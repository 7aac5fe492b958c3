package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel is one of the fixed outreach mediums a step can use.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelLinkedIn Channel = "linkedin"
	ChannelVoice    Channel = "voice"
)

// Channels lists every supported channel in catalog order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelLinkedIn, ChannelVoice}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelLinkedIn, ChannelVoice:
		return true
	}
	return false
}

// SupportsSubject reports whether messages on the channel carry a subject line.
// Only email does.
func (c Channel) SupportsSubject() bool {
	return c == ChannelEmail
}

type SequenceStatus string

const (
	SequenceDraft  SequenceStatus = "draft"
	SequenceActive SequenceStatus = "active"
	SequencePaused SequenceStatus = "paused"
)

// SequenceDefinition represents an automated multi-channel sequence
type SequenceDefinition struct {
	gorm.Model

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"type:varchar(16);default:'draft';index" json:"status"` // draft, active, paused

	// Versioning: edits to an active sequence go through Duplicate
	Version  int   `gorm:"not null;default:1" json:"version"`
	ParentID *uint `gorm:"index" json:"parent_id,omitempty"`

	// Campaign-scoped placeholder values
	Tokens map[string]string `gorm:"type:jsonb;serializer:json" json:"tokens"`

	ActivatedAt *time.Time `json:"activated_at"`

	// Relations
	Steps []StepDefinition `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// Locked reports whether the step list can no longer change.
func (s *SequenceDefinition) Locked() bool {
	return s.Status != SequenceDraft
}

// Step returns the step at the given position, or nil.
func (s *SequenceDefinition) Step(position int) *StepDefinition {
	for i := range s.Steps {
		if s.Steps[i].Position == position {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepDefinition represents one timed step of a sequence
type StepDefinition struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	Position int           `gorm:"not null" json:"position"`
	Channel  Channel       `gorm:"type:varchar(16);not null" json:"channel"`
	Delay    time.Duration `gorm:"not null;default:0" json:"delay"` // relative to the previous step's completion

	// Template
	Subject string `json:"subject,omitempty"` // email only
	Body    string `gorm:"type:text;not null" json:"body"`
}
