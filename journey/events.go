package journey

import (
	"time"

	"dripline/models"
	"dripline/utils"
)

// FromAttempt projects a delivery attempt onto the journey.
func FromAttempt(a *models.DeliveryAttempt) *models.JourneyEvent {
	return &models.JourneyEvent{
		LeadID:       a.LeadID,
		EnrollmentID: utils.Pointer(a.EnrollmentID),
		SequenceID:   utils.Pointer(a.SequenceID),
		Position:     utils.Pointer(a.Position),
		Kind:         models.EventKindFor(a.Outcome),
		Channel:      a.Channel,
		ProviderRef:  a.ProviderRef,
		Detail:       a.Error,
		OccurredAt:   a.AttemptedAt,
	}
}

// Lifecycle builds an enrollment lifecycle event.
func Lifecycle(e *models.Enrollment, kind models.EventKind, detail string, at time.Time) *models.JourneyEvent {
	return &models.JourneyEvent{
		LeadID:       e.LeadID,
		EnrollmentID: utils.Pointer(e.ID),
		SequenceID:   utils.Pointer(e.SequenceID),
		Position:     utils.Pointer(e.CurrentPosition),
		Kind:         kind,
		Detail:       detail,
		OccurredAt:   at,
	}
}

// Signal builds an event for an inbound signal about a lead.
func Signal(leadID uint, kind models.EventKind, channel models.Channel, ref, detail string, at time.Time) *models.JourneyEvent {
	return &models.JourneyEvent{
		LeadID:      leadID,
		Kind:        kind,
		Channel:     channel,
		ProviderRef: ref,
		Detail:      detail,
		OccurredAt:  at,
	}
}
