package enrollments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripline/journey"
	"dripline/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecordAttempt appends a delivery attempt that changes no enrollment state,
// e.g. a rate-limit skip or an asynchronous delivery receipt.
func (t *Tracker) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	a.ID = 0
	a.AttemptedAt = a.AttemptedAt.UTC()
	if err := t.DB.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	t.record(ctx, journey.FromAttempt(a))
	return nil
}

// AttemptByRef finds the successful send a provider reference belongs to.
func (t *Tracker) AttemptByRef(ctx context.Context, ref string) (*models.DeliveryAttempt, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty provider reference", models.ErrNotFound)
	}
	var a models.DeliveryAttempt
	err := t.DB.WithContext(ctx).
		Where("provider_ref = ? AND outcome IN ?", ref, []models.Outcome{models.OutcomeSent, models.OutcomeDelivered}).
		Order("id ASC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: attempt with provider ref %q", models.ErrNotFound, ref)
	}
	return &a, err
}

// Attempts returns an enrollment's attempts in the order they were written.
func (t *Tracker) Attempts(ctx context.Context, enrollmentID uint) ([]models.DeliveryAttempt, error) {
	var list []models.DeliveryAttempt
	err := t.DB.WithContext(ctx).Where("enrollment_id = ?", enrollmentID).Order("id ASC").Find(&list).Error
	return list, err
}

// Complete records the outcome of a claimed dispatch and moves the
// enrollment on, in one transaction:
//
//   - sent/delivered advances to the next step (completed after the last one)
//     and sets last_action_at to doneAt, the time the adapter returned;
//   - bounced/failed halts with halted_by_failure.
//
// A paused enrollment absorbs the outcome but stays paused unless it became
// terminal. An enrollment halted or canceled while in flight keeps its state;
// only the attempt is written. a.AttemptedAt is kept as given.
func (t *Tracker) Complete(ctx context.Context, id uint, seq *models.SequenceDefinition, a *models.DeliveryAttempt, doneAt time.Time) (*models.Enrollment, error) {
	retries := t.MaxRetries
	if retries < 1 {
		retries = 1
	}
	a.AttemptedAt = a.AttemptedAt.UTC()
	doneAt = doneAt.UTC()

	var (
		e         *models.Enrollment
		lifecycle *models.JourneyEvent
		err       error
	)
	for i := 0; i < retries; i++ {
		lifecycle = nil
		err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			a.ID = 0
			if err := tx.Create(a).Error; err != nil {
				return fmt.Errorf("record delivery attempt: %w", err)
			}

			var err error
			if e, err = get(tx, id); err != nil {
				return err
			}
			lifecycle = applyOutcome(e, seq, a, doneAt)
			e.DispatchingAt = nil
			return compareAndSwap(tx, e)
		})
		if !errors.Is(err, models.ErrRaceLost) {
			break
		}
		t.Logger.WithFields(logrus.Fields{"enrollment_id": id, "attempt": i + 1}).Debug("Completion lost race, re-evaluating")
	}
	if err != nil {
		return nil, err
	}

	t.record(ctx, journey.FromAttempt(a))
	if lifecycle != nil {
		t.record(ctx, lifecycle)
	}
	return e, nil
}

// applyOutcome mutates e for attempt a, completed at doneAt, and returns the
// lifecycle event the change produced, if any.
func applyOutcome(e *models.Enrollment, seq *models.SequenceDefinition, a *models.DeliveryAttempt, doneAt time.Time) *models.JourneyEvent {
	paused := e.Status == models.EnrollmentPaused
	if !e.Status.Active() && !paused {
		return nil
	}
	if a.Position != e.CurrentPosition {
		return nil
	}

	if !a.Outcome.Succeeded() {
		reason := fmt.Sprintf("step %d %s: %s", a.Position, a.Outcome, a.Error)
		e.Status = models.EnrollmentHaltedByFailure
		e.HaltReason = reason
		e.PausedFrom = ""
		return journey.Lifecycle(e, models.EventHalted, reason, doneAt)
	}

	e.LastActionAt = doneAt
	next := seq.Step(e.CurrentPosition + 1)
	if next == nil {
		e.Status = models.EnrollmentCompleted
		e.PausedFrom = ""
		e.NextDueAt = doneAt
		return journey.Lifecycle(e, models.EventCompleted, "", doneAt)
	}

	e.CurrentPosition = next.Position
	e.NextDueAt = doneAt.Add(next.Delay)
	if paused {
		e.PausedFrom = models.EnrollmentInProgress
	} else {
		e.Status = models.EnrollmentInProgress
	}
	return nil
}
