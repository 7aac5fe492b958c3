// Package enrollments owns the durable per-lead progress through a sequence and
// every transition of its state machine.
package enrollments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dripline/journey"
	"dripline/models"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultMaxRetries bounds how often a transition is re-evaluated after
// losing an optimistic-lock race.
const DefaultMaxRetries = 5

// Journal receives lifecycle events. *journey.Log implements it.
type Journal interface {
	Record(ctx context.Context, ev *models.JourneyEvent) error
}

type Tracker struct {
	DB         *gorm.DB
	Journal    Journal
	Logger     *logrus.Entry
	Now        func() time.Time
	MaxRetries int
}

func NewTracker(db *gorm.DB, journal Journal) *Tracker {
	return &Tracker{
		DB:         db,
		Journal:    journal,
		Logger:     utils.NewLogger("enrollments"),
		Now:        time.Now,
		MaxRetries: DefaultMaxRetries,
	}
}

func (t *Tracker) now() time.Time {
	return t.Now().UTC()
}

func (t *Tracker) record(ctx context.Context, ev *models.JourneyEvent) {
	if t.Journal == nil {
		return
	}
	if err := t.Journal.Record(ctx, ev); err != nil {
		utils.LogError("journey_record", err, map[string]interface{}{
			"lead_id": ev.LeadID,
			"kind":    ev.Kind,
		})
	}
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %d", models.ErrNotFound, what, id)
	}
	return err
}

// Enroll binds a lead to an active sequence. The live-enrollment check and the
// insert share a transaction, and a unique partial index backs it up.
func (t *Tracker) Enroll(ctx context.Context, leadID, seqID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	err := t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lead models.Lead
		if err := tx.First(&lead, leadID).Error; err != nil {
			return notFound(err, "lead", leadID)
		}
		if !lead.Contactable() {
			return fmt.Errorf("%w: lead %d", models.ErrLeadNotContactable, lead.ID)
		}

		var seq models.SequenceDefinition
		if err := tx.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).First(&seq, seqID).Error; err != nil {
			return notFound(err, "sequence", seqID)
		}
		if seq.Status != models.SequenceActive {
			return fmt.Errorf("%w: sequence %d is %s", models.ErrSequenceNotActive, seq.ID, seq.Status)
		}
		first := seq.Step(0)
		if first == nil {
			return fmt.Errorf("%w: sequence %d", models.ErrNoSteps, seq.ID)
		}

		var live int64
		if err := tx.Model(&models.Enrollment{}).
			Where("lead_id = ? AND sequence_id = ? AND status IN ?", lead.ID, seq.ID, models.LiveStatuses).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return fmt.Errorf("%w: lead %d, sequence %d", models.ErrAlreadyEnrolled, lead.ID, seq.ID)
		}

		now := t.now()
		enrollment = models.Enrollment{
			LeadID:          lead.ID,
			SequenceID:      seq.ID,
			CurrentPosition: 0,
			Status:          models.EnrollmentPending,
			EnrolledAt:      now,
			LastActionAt:    now,
			NextDueAt:       now.Add(first.Delay),
			Version:         1,
		}
		if err := tx.Create(&enrollment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: lead %d, sequence %d", models.ErrAlreadyEnrolled, lead.ID, seq.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.record(ctx, journey.Lifecycle(&enrollment, models.EventEnrolled, "", enrollment.EnrolledAt))
	t.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"lead_id":       leadID,
		"sequence_id":   seqID,
	}).Info("Lead enrolled")
	return &enrollment, nil
}

func (t *Tracker) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	return get(t.DB.WithContext(ctx), id)
}

func get(db *gorm.DB, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := db.First(&e, id).Error; err != nil {
		return nil, notFound(err, "enrollment", id)
	}
	return &e, nil
}

// ActiveForLead returns the lead's enrollments that can still act: pending,
// in progress or paused.
func (t *Tracker) ActiveForLead(ctx context.Context, leadID uint) ([]models.Enrollment, error) {
	var list []models.Enrollment
	err := t.DB.WithContext(ctx).
		Where("lead_id = ? AND status IN ?", leadID, models.LiveStatuses).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

// ListForLead returns every enrollment of the lead, newest first.
func (t *Tracker) ListForLead(ctx context.Context, leadID uint) ([]models.Enrollment, error) {
	var list []models.Enrollment
	err := t.DB.WithContext(ctx).Where("lead_id = ?", leadID).Order("id DESC").Find(&list).Error
	return list, err
}

// DueEnrollments returns pending and in-progress enrollments of active
// sequences whose current step is due at now, in dispatch order: enrolled_at
// ascending, then id. Enrollments with an in-flight claim younger than
// claimTTL are skipped.
func (t *Tracker) DueEnrollments(ctx context.Context, now time.Time, claimTTL time.Duration) ([]models.Enrollment, error) {
	now = now.UTC()
	db := t.DB.WithContext(ctx)

	activeSeqs := db.Model(&models.SequenceDefinition{}).
		Select("id").
		Where("status = ?", models.SequenceActive)

	q := db.Where("status IN ?", []models.EnrollmentStatus{models.EnrollmentPending, models.EnrollmentInProgress}).
		Where("sequence_id IN (?)", activeSeqs).
		Where("next_due_at <= ?", now)
	if claimTTL > 0 {
		q = q.Where("dispatching_at IS NULL OR dispatching_at <= ?", now.Add(-claimTTL))
	} else {
		q = q.Where("dispatching_at IS NULL")
	}

	var due []models.Enrollment
	if err := q.Order("enrolled_at ASC, id ASC").Find(&due).Error; err != nil {
		return nil, fmt.Errorf("due enrollments: %w", err)
	}
	return due, nil
}
