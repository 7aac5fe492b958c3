// Package signals applies asynchronous inbound events (replies, bounces,
// delivery receipts, unsubscribes and engagement) to leads and enrollments.
package signals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dripline/enrollments"
	"dripline/journey"
	"dripline/models"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Listener turns signals into enrollment transitions and journey events. Its
// transitions go through the same compare-and-swap as the scheduler.
type Listener struct {
	DB          *gorm.DB
	Enrollments *enrollments.Tracker
	Journal     enrollments.Journal
	Logger      *logrus.Entry
	Now         func() time.Time
}

func NewListener(db *gorm.DB, tracker *enrollments.Tracker, journal enrollments.Journal) *Listener {
	return &Listener{
		DB:          db,
		Enrollments: tracker,
		Journal:     journal,
		Logger:      utils.NewLogger("signals"),
		Now:         time.Now,
	}
}

// Target identifies what a signal is about: a provider reference of an
// earlier send, a lead, or both. A reference wins when both are set.
type Target struct {
	ProviderRef string
	LeadID      uint
}

// resolved is a target after looking up its provider reference.
type resolved struct {
	leadID  uint
	attempt *models.DeliveryAttempt
}

func (l *Listener) resolve(ctx context.Context, t Target) (resolved, error) {
	if t.ProviderRef != "" {
		a, err := l.Enrollments.AttemptByRef(ctx, t.ProviderRef)
		if err == nil {
			return resolved{leadID: a.LeadID, attempt: a}, nil
		}
		if !errors.Is(err, models.ErrNotFound) || t.LeadID == 0 {
			return resolved{}, err
		}
	}
	if t.LeadID == 0 {
		return resolved{}, &models.ValidationError{Kind: models.ErrValidation, Message: "provider_ref or lead_id is required"}
	}
	var lead models.Lead
	if err := l.DB.WithContext(ctx).Select("id").First(&lead, t.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return resolved{}, fmt.Errorf("%w: lead %d", models.ErrNotFound, t.LeadID)
		}
		return resolved{}, err
	}
	return resolved{leadID: lead.ID}, nil
}

func (l *Listener) record(ctx context.Context, ev *models.JourneyEvent, a *models.DeliveryAttempt) {
	if l.Journal == nil {
		return
	}
	if a != nil {
		ev.EnrollmentID = utils.Pointer(a.EnrollmentID)
		ev.SequenceID = utils.Pointer(a.SequenceID)
		ev.Position = utils.Pointer(a.Position)
		if ev.Channel == "" {
			ev.Channel = a.Channel
		}
	}
	if err := l.Journal.Record(ctx, ev); err != nil {
		utils.LogError("journey_record", err, map[string]interface{}{"lead_id": ev.LeadID, "kind": ev.Kind})
	}
}

// haltLive moves every live enrollment of the lead to status. Enrollments
// that reach a terminal status concurrently are skipped.
func (l *Listener) haltLive(ctx context.Context, leadID uint, status models.EnrollmentStatus, reason string) ([]models.Enrollment, error) {
	live, err := l.Enrollments.ActiveForLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	var halted []models.Enrollment
	for _, e := range live {
		got, err := l.Enrollments.Halt(ctx, e.ID, status, reason)
		if errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return halted, err
		}
		halted = append(halted, *got)
	}
	return halted, nil
}

// OnReply halts every live enrollment of the replying lead across all
// sequences.
func (l *Listener) OnReply(ctx context.Context, t Target, channel models.Channel, detail string) ([]models.Enrollment, error) {
	r, err := l.resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	l.record(ctx, journey.Signal(r.leadID, models.EventReplied, channel, t.ProviderRef, detail, l.Now()), r.attempt)

	now := l.Now().UTC()
	if err := l.DB.WithContext(ctx).Model(&models.Lead{}).Where("id = ?", r.leadID).
		Update("last_contact", now).Error; err != nil {
		return nil, err
	}

	reason := "reply received"
	if channel != "" {
		reason = fmt.Sprintf("reply received on %s", channel)
	}
	halted, err := l.haltLive(ctx, r.leadID, models.EnrollmentHaltedByReply, reason)
	if err != nil {
		return halted, err
	}

	utils.LogEvent("reply_received", map[string]interface{}{
		"lead_id": r.leadID,
		"channel": channel,
		"halted":  len(halted),
	})
	return halted, nil
}

// OnReplyFrom resolves a lead by its email address and applies OnReply.
// Mail from unknown senders is ignored.
func (l *Listener) OnReplyFrom(ctx context.Context, address, inReplyTo, detail string) ([]models.Enrollment, error) {
	if ref := strings.Trim(strings.TrimSpace(inReplyTo), "<>"); ref != "" {
		if _, err := l.Enrollments.AttemptByRef(ctx, ref); err == nil {
			return l.OnReply(ctx, Target{ProviderRef: ref}, models.ChannelEmail, detail)
		}
	}

	var lead models.Lead
	err := l.DB.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(address))).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		l.Logger.WithField("from", address).Debug("Inbound mail from unknown sender, ignoring")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l.OnReply(ctx, Target{LeadID: lead.ID}, models.ChannelEmail, detail)
}

// OnBounce records a bounced attempt for the send it refers to, flags the
// lead's email as bounced and halts the affected enrollment. Without a
// provider reference every live enrollment of the lead is halted.
func (l *Listener) OnBounce(ctx context.Context, t Target, channel models.Channel, detail string) error {
	r, err := l.resolve(ctx, t)
	if err != nil {
		return err
	}
	if channel == "" && r.attempt != nil {
		channel = r.attempt.Channel
	}
	reason := "bounced"
	if detail != "" {
		reason = "bounced: " + detail
	}

	if channel == models.ChannelEmail || channel == "" {
		if err := l.DB.WithContext(ctx).Model(&models.Lead{}).Where("id = ?", r.leadID).
			Update("is_bounced", true).Error; err != nil {
			return err
		}
	}

	if r.attempt == nil {
		l.record(ctx, journey.Signal(r.leadID, models.EventBounced, channel, "", detail, l.Now()), nil)
		_, err := l.haltLive(ctx, r.leadID, models.EnrollmentHaltedByFailure, reason)
		return err
	}

	bounce := &models.DeliveryAttempt{
		EnrollmentID: r.attempt.EnrollmentID,
		LeadID:       r.attempt.LeadID,
		SequenceID:   r.attempt.SequenceID,
		Position:     r.attempt.Position,
		Channel:      channel,
		AttemptedAt:  l.Now(),
		Outcome:      models.OutcomeBounced,
		ProviderRef:  r.attempt.ProviderRef,
		Error:        detail,
	}
	if err := l.Enrollments.RecordAttempt(ctx, bounce); err != nil {
		return err
	}

	_, err = l.Enrollments.Halt(ctx, r.attempt.EnrollmentID, models.EnrollmentHaltedByFailure, reason)
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	return err
}

// OnDelivered records an asynchronous delivery receipt. It changes no state.
func (l *Listener) OnDelivered(ctx context.Context, providerRef string) error {
	a, err := l.Enrollments.AttemptByRef(ctx, providerRef)
	if err != nil {
		return err
	}
	return l.Enrollments.RecordAttempt(ctx, &models.DeliveryAttempt{
		EnrollmentID: a.EnrollmentID,
		LeadID:       a.LeadID,
		SequenceID:   a.SequenceID,
		Position:     a.Position,
		Channel:      a.Channel,
		AttemptedAt:  l.Now(),
		Outcome:      models.OutcomeDelivered,
		ProviderRef:  a.ProviderRef,
	})
}

// OnUnsubscribe flags the lead and cancels its live enrollments.
func (l *Listener) OnUnsubscribe(ctx context.Context, t Target, channel models.Channel) ([]models.Enrollment, error) {
	r, err := l.resolve(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := l.DB.WithContext(ctx).Model(&models.Lead{}).Where("id = ?", r.leadID).
		Update("is_unsubscribed", true).Error; err != nil {
		return nil, err
	}
	l.record(ctx, journey.Signal(r.leadID, models.EventUnsubscribed, channel, t.ProviderRef, "", l.Now()), r.attempt)
	return l.haltLive(ctx, r.leadID, models.EnrollmentCanceled, "lead unsubscribed")
}

// IsEngagement reports whether kind is an engagement signal.
func IsEngagement(kind models.EventKind) bool {
	for _, k := range models.EngagementKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OnEngagement records opens, clicks, voicemails and booked meetings. They
// only feed the journey.
func (l *Listener) OnEngagement(ctx context.Context, t Target, kind models.EventKind, channel models.Channel, detail string) error {
	if !IsEngagement(kind) {
		return &models.ValidationError{Kind: models.ErrValidation, Field: "kind", Message: fmt.Sprintf("%q is not an engagement signal", kind)}
	}
	r, err := l.resolve(ctx, t)
	if err != nil {
		return err
	}
	l.record(ctx, journey.Signal(r.leadID, kind, channel, t.ProviderRef, detail, l.Now()), r.attempt)
	return nil
}
