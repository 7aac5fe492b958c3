// Package sequences stores sequence definitions and enforces their authoring
// rules: dense step positions, channel/subject rules and the draft-only edit
// window.
package sequences

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dripline/models"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TemplateChecker parses a template without executing it.
type TemplateChecker interface {
	Check(tpl string) error
}

type Store struct {
	DB        *gorm.DB
	Templates TemplateChecker // optional
	Logger    *logrus.Entry
	Now       func() time.Time
}

func NewStore(db *gorm.DB, templates TemplateChecker) *Store {
	return &Store{
		DB:        db,
		Templates: templates,
		Logger:    utils.NewLogger("sequences"),
		Now:       time.Now,
	}
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func notFound(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %d", models.ErrNotFound, what, id)
	}
	return err
}

// Create stores a new draft sequence at version 1.
func (s *Store) Create(ctx context.Context, name, description string, tokens map[string]string) (*models.SequenceDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &models.ValidationError{Kind: models.ErrValidation, Field: "name", Message: "is required"}
	}
	seq := &models.SequenceDefinition{
		Name:        strings.TrimSpace(name),
		Description: description,
		Status:      models.SequenceDraft,
		Version:     1,
		Tokens:      tokens,
	}
	if err := s.DB.WithContext(ctx).Create(seq).Error; err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	return seq, nil
}

// Get loads a sequence with its steps in position order.
func (s *Store) Get(ctx context.Context, id uint) (*models.SequenceDefinition, error) {
	return s.get(s.DB.WithContext(ctx), id)
}

func (s *Store) get(db *gorm.DB, id uint) (*models.SequenceDefinition, error) {
	var seq models.SequenceDefinition
	if err := db.Preload("Steps", orderedSteps).First(&seq, id).Error; err != nil {
		return nil, notFound(err, "sequence", id)
	}
	return &seq, nil
}

// List returns sequences, optionally filtered by status, oldest first.
func (s *Store) List(ctx context.Context, status models.SequenceStatus) ([]models.SequenceDefinition, error) {
	q := s.DB.WithContext(ctx).Preload("Steps", orderedSteps).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var seqs []models.SequenceDefinition
	if err := q.Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return seqs, nil
}

// ValidateStep checks a step for the given position.
func (s *Store) ValidateStep(step *models.StepDefinition, position int) error {
	if !step.Channel.Valid() {
		return models.InvalidStep("channel", fmt.Sprintf("%q is not a supported channel", step.Channel))
	}
	if strings.TrimSpace(step.Body) == "" {
		return models.InvalidStep("body", "is required")
	}
	if step.Subject != "" && !step.Channel.SupportsSubject() {
		return models.InvalidStep("subject", fmt.Sprintf("is not allowed on %s steps", step.Channel))
	}
	if step.Delay < 0 {
		return models.InvalidStep("delay", "must not be negative")
	}
	if position > 0 && step.Delay == 0 {
		return models.InvalidStep("delay", fmt.Sprintf("must be positive for position %d", position))
	}
	if s.Templates != nil {
		if err := s.Templates.Check(step.Subject); err != nil {
			return models.InvalidStep("subject", err.Error())
		}
		if err := s.Templates.Check(step.Body); err != nil {
			return models.InvalidStep("body", err.Error())
		}
	}
	return nil
}

// AddStep appends a step at the next free position of a draft sequence.
func (s *Store) AddStep(ctx context.Context, seqID uint, step models.StepDefinition) (*models.StepDefinition, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.get(tx, seqID)
		if err != nil {
			return err
		}
		if seq.Locked() {
			return fmt.Errorf("%w: sequence %d is %s", models.ErrSequenceLocked, seq.ID, seq.Status)
		}

		position := len(seq.Steps)
		if err := s.ValidateStep(&step, position); err != nil {
			return err
		}

		step.ID = 0
		step.SequenceID = seq.ID
		step.Position = position
		return tx.Create(&step).Error
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// RemoveStep deletes a step from a draft sequence and closes the gap.
func (s *Store) RemoveStep(ctx context.Context, seqID uint, position int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.get(tx, seqID)
		if err != nil {
			return err
		}
		if seq.Locked() {
			return fmt.Errorf("%w: sequence %d is %s", models.ErrSequenceLocked, seq.ID, seq.Status)
		}
		step := seq.Step(position)
		if step == nil {
			return fmt.Errorf("%w: step %d of sequence %d", models.ErrNotFound, position, seq.ID)
		}

		if err := tx.Delete(step).Error; err != nil {
			return err
		}
		return tx.Model(&models.StepDefinition{}).
			Where("sequence_id = ? AND position > ?", seq.ID, position).
			Update("position", gorm.Expr("position - 1")).Error
	})
}

// Reorder rearranges the steps of a draft sequence. order lists the current
// positions in their new order and must be a permutation of 0..n-1.
func (s *Store) Reorder(ctx context.Context, seqID uint, order []int) (*models.SequenceDefinition, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.get(tx, seqID)
		if err != nil {
			return err
		}
		if seq.Locked() {
			return fmt.Errorf("%w: sequence %d is %s", models.ErrSequenceLocked, seq.ID, seq.Status)
		}
		if len(order) != len(seq.Steps) {
			return &models.ValidationError{Kind: models.ErrValidation, Field: "order",
				Message: fmt.Sprintf("must list all %d steps", len(seq.Steps))}
		}

		seen := make(map[int]bool, len(order))
		for newPos, oldPos := range order {
			step := seq.Step(oldPos)
			if step == nil || seen[oldPos] {
				return &models.ValidationError{Kind: models.ErrValidation, Field: "order",
					Message: "must be a permutation of the current positions"}
			}
			seen[oldPos] = true
			if err := s.ValidateStep(step, newPos); err != nil {
				return err
			}
		}

		for newPos, oldPos := range order {
			step := seq.Step(oldPos)
			if step.Position == newPos {
				continue
			}
			if err := tx.Model(&models.StepDefinition{}).Where("id = ?", step.ID).
				Update("position", newPos).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, seqID)
}

// Activate makes a sequence enrollable. Activating an active sequence is a
// no-op; a paused one must be resumed instead.
func (s *Store) Activate(ctx context.Context, seqID uint) (*models.SequenceDefinition, error) {
	var seq *models.SequenceDefinition
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if seq, err = s.get(tx, seqID); err != nil {
			return err
		}
		switch seq.Status {
		case models.SequenceActive:
			return nil
		case models.SequencePaused:
			return fmt.Errorf("%w: sequence %d is paused, resume it instead", models.ErrInvalidTransition, seq.ID)
		}
		if len(seq.Steps) == 0 {
			return fmt.Errorf("%w: sequence %d", models.ErrNoSteps, seq.ID)
		}

		now := s.Now().UTC()
		seq.Status = models.SequenceActive
		seq.ActivatedAt = &now
		return tx.Model(seq).Updates(map[string]interface{}{
			"status":       seq.Status,
			"activated_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	utils.LogEvent("sequence_activated", map[string]interface{}{
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
	})
	return seq, nil
}

// Pause stops the scheduler from dispatching for the sequence's enrollments.
func (s *Store) Pause(ctx context.Context, seqID uint) (*models.SequenceDefinition, error) {
	return s.setStatus(ctx, seqID, models.SequenceActive, models.SequencePaused)
}

func (s *Store) Resume(ctx context.Context, seqID uint) (*models.SequenceDefinition, error) {
	return s.setStatus(ctx, seqID, models.SequencePaused, models.SequenceActive)
}

func (s *Store) setStatus(ctx context.Context, seqID uint, from, to models.SequenceStatus) (*models.SequenceDefinition, error) {
	res := s.DB.WithContext(ctx).Model(&models.SequenceDefinition{}).
		Where("id = ? AND status = ?", seqID, from).
		Update("status", to)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		seq, err := s.Get(ctx, seqID)
		if err != nil {
			return nil, err
		}
		if seq.Status == to {
			return seq, nil
		}
		if from == models.SequenceActive {
			return nil, fmt.Errorf("%w: sequence %d is %s", models.ErrSequenceNotActive, seq.ID, seq.Status)
		}
		return nil, fmt.Errorf("%w: sequence %d is %s, not %s", models.ErrInvalidTransition, seq.ID, seq.Status, from)
	}

	s.Logger.WithFields(logrus.Fields{"sequence_id": seqID, "status": to}).Info("Sequence status changed")
	return s.Get(ctx, seqID)
}

// Duplicate clones a sequence into a new draft one version up. Enrollments on
// the source keep running against the unchanged original.
func (s *Store) Duplicate(ctx context.Context, seqID uint) (*models.SequenceDefinition, error) {
	var clone models.SequenceDefinition
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		src, err := s.get(tx, seqID)
		if err != nil {
			return err
		}

		tokens := make(map[string]string, len(src.Tokens))
		for k, v := range src.Tokens {
			tokens[k] = v
		}
		clone = models.SequenceDefinition{
			Name:        src.Name,
			Description: src.Description,
			Status:      models.SequenceDraft,
			Version:     src.Version + 1,
			ParentID:    &src.ID,
			Tokens:      tokens,
		}
		for _, st := range src.Steps {
			clone.Steps = append(clone.Steps, models.StepDefinition{
				Position: st.Position,
				Channel:  st.Channel,
				Delay:    st.Delay,
				Subject:  st.Subject,
				Body:     st.Body,
			})
		}
		return tx.Create(&clone).Error
	})
	if err != nil {
		return nil, err
	}
	return &clone, nil
}
