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

// compareAndSwap writes e if nobody changed it since it was read, and bumps
// its version. It returns models.ErrRaceLost otherwise.
func compareAndSwap(tx *gorm.DB, e *models.Enrollment) error {
	res := tx.Model(&models.Enrollment{}).
		Where("id = ? AND version = ?", e.ID, e.Version).
		Updates(map[string]interface{}{
			"current_position": e.CurrentPosition,
			"status":           e.Status,
			"paused_from":      e.PausedFrom,
			"halt_reason":      e.HaltReason,
			"last_action_at":   e.LastActionAt,
			"next_due_at":      e.NextDueAt,
			"dispatching_at":   e.DispatchingAt,
			"version":          e.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: enrollment %d at version %d", models.ErrRaceLost, e.ID, e.Version)
	}
	e.Version++
	return nil
}

// Transition reads the enrollment, applies fn and writes it back with a
// compare-and-swap. A lost race re-reads and re-applies fn, so fn must decide
// from the state it is given. Errors from fn abort without writing.
func (t *Tracker) Transition(ctx context.Context, id uint, fn func(e *models.Enrollment) error) (*models.Enrollment, error) {
	retries := t.MaxRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		e, err := t.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		err = compareAndSwap(t.DB.WithContext(ctx), e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, models.ErrRaceLost) {
			return nil, err
		}
		lastErr = err
		t.Logger.WithFields(logrus.Fields{"enrollment_id": id, "attempt": i + 1}).Debug("Transition lost race, re-evaluating")
	}
	return nil, lastErr
}

// Pause suspends a pending or in-progress enrollment.
func (t *Tracker) Pause(ctx context.Context, id uint) (*models.Enrollment, error) {
	e, err := t.Transition(ctx, id, func(e *models.Enrollment) error {
		if !e.Status.Active() {
			return fmt.Errorf("%w: cannot pause a %s enrollment", models.ErrInvalidTransition, e.Status)
		}
		e.PausedFrom = e.Status
		e.Status = models.EnrollmentPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.record(ctx, journey.Lifecycle(e, models.EventPaused, "", t.now()))
	return e, nil
}

// Resume returns a paused enrollment to the status it was paused from. A step
// whose delay elapsed during the pause is due immediately.
func (t *Tracker) Resume(ctx context.Context, id uint) (*models.Enrollment, error) {
	e, err := t.Transition(ctx, id, func(e *models.Enrollment) error {
		if e.Status != models.EnrollmentPaused {
			return fmt.Errorf("%w: cannot resume a %s enrollment", models.ErrInvalidTransition, e.Status)
		}
		e.Status = e.PausedFrom
		if !e.Status.Active() {
			e.Status = models.EnrollmentPending
		}
		e.PausedFrom = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.record(ctx, journey.Lifecycle(e, models.EventResumed, "", t.now()))
	return e, nil
}

// Cancel ends any non-terminal enrollment.
func (t *Tracker) Cancel(ctx context.Context, id uint, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	return t.Halt(ctx, id, models.EnrollmentCanceled, reason)
}

// Halt moves a non-terminal enrollment to a terminal status. Halting an
// enrollment that already reached a terminal status is an invalid transition.
func (t *Tracker) Halt(ctx context.Context, id uint, status models.EnrollmentStatus, reason string) (*models.Enrollment, error) {
	if !status.Terminal() || status == models.EnrollmentCompleted {
		return nil, fmt.Errorf("%w: %s is not a halt status", models.ErrInvalidTransition, status)
	}

	e, err := t.Transition(ctx, id, func(e *models.Enrollment) error {
		if e.Status.Terminal() {
			return fmt.Errorf("%w: enrollment is already %s", models.ErrInvalidTransition, e.Status)
		}
		e.Status = status
		e.HaltReason = reason
		e.PausedFrom = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := models.EventHalted
	if status == models.EnrollmentCanceled {
		kind = models.EventCanceled
	}
	t.record(ctx, journey.Lifecycle(e, kind, reason, t.now()))
	t.Logger.WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"status":        e.Status,
		"reason":        reason,
	}).Info("Enrollment halted")
	return e, nil
}

// Claim marks an enrollment as in flight. It fails with models.ErrRaceLost if
// the enrollment changed since e was read, e.g. a reply halted it.
func (t *Tracker) Claim(ctx context.Context, e *models.Enrollment, now time.Time) error {
	if !e.Status.Active() {
		return fmt.Errorf("%w: enrollment %d is %s", models.ErrInvalidTransition, e.ID, e.Status)
	}
	at := now.UTC()
	prev := e.DispatchingAt
	e.DispatchingAt = &at
	if err := compareAndSwap(t.DB.WithContext(ctx), e); err != nil {
		e.DispatchingAt = prev
		return err
	}
	return nil
}

// Release drops an in-flight claim without recording anything.
func (t *Tracker) Release(ctx context.Context, id uint) error {
	_, err := t.Transition(ctx, id, func(e *models.Enrollment) error {
		e.DispatchingAt = nil
		return nil
	})
	return err
}
