package controller

import (
	"context"
	"strconv"

	"dripline/models"
	"dripline/sequences"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type SequenceController struct {
	Store  *sequences.Store
	Logger *logrus.Entry
}

func NewSequenceController(store *sequences.Store) *SequenceController {
	return &SequenceController{
		Store:  store,
		Logger: utils.NewLogger("sequences_api"),
	}
}

type stepInput struct {
	Channel models.Channel `json:"channel" validate:"required,channel"`
	Delay   string         `json:"delay"` // "0", "90m", "2d"
	Subject string         `json:"subject"`
	Body    string         `json:"body" validate:"required"`
}

func (in stepInput) step() (models.StepDefinition, error) {
	d, err := sequences.ParseDelay(in.Delay)
	if err != nil {
		return models.StepDefinition{}, models.InvalidStep("delay", err.Error())
	}
	return models.StepDefinition{Channel: in.Channel, Delay: d, Subject: in.Subject, Body: in.Body}, nil
}

// CreateSequence creates a draft sequence, optionally with its steps.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name        string            `json:"name" validate:"required,max=200"`
		Description string            `json:"description"`
		Tokens      map[string]string `json:"tokens"`
		Steps       []stepInput       `json:"steps" validate:"dive"`
	}
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}

	// Validate every step up front so a bad step leaves nothing behind.
	steps := make([]models.StepDefinition, 0, len(input.Steps))
	for i, in := range input.Steps {
		st, err := in.step()
		if err != nil {
			return respondError(c, err)
		}
		if err := sc.Store.ValidateStep(&st, i); err != nil {
			return respondError(c, err)
		}
		steps = append(steps, st)
	}

	ctx := c.UserContext()
	seq, err := sc.Store.Create(ctx, input.Name, input.Description, input.Tokens)
	if err != nil {
		return respondError(c, err)
	}
	for _, st := range steps {
		if _, err := sc.Store.AddStep(ctx, seq.ID, st); err != nil {
			return respondError(c, err)
		}
	}

	seq, err = sc.Store.Get(ctx, seq.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

// GetSequences lists sequences, optionally filtered by ?status=.
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	list, err := sc.Store.List(c.UserContext(), models.SequenceStatus(c.Query("status")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(list))
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := sc.Store.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var input stepInput
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	st, err := input.step()
	if err != nil {
		return respondError(c, err)
	}

	step, err := sc.Store.AddStep(c.UserContext(), id, st)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

func (sc *SequenceController) RemoveStep(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	position, err := strconv.Atoi(c.Params("position"))
	if err != nil {
		return respondError(c, &models.ValidationError{Kind: models.ErrValidation, Field: "position", Message: "must be an integer"})
	}

	if err := sc.Store.RemoveStep(c.UserContext(), id, position); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ReorderSteps takes {"order": [2, 0, 1]}: the old positions in their new order.
func (sc *SequenceController) ReorderSteps(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var input struct {
		Order []int `json:"order" validate:"required,min=1"`
	}
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}

	seq, err := sc.Store.Reorder(c.UserContext(), id, input.Order)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) ActivateSequence(c *fiber.Ctx) error {
	return sc.apply(c, sc.Store.Activate)
}

func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	return sc.apply(c, sc.Store.Pause)
}

func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	return sc.apply(c, sc.Store.Resume)
}

func (sc *SequenceController) DuplicateSequence(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := sc.Store.Duplicate(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) apply(c *fiber.Ctx, fn func(context.Context, uint) (*models.SequenceDefinition, error)) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := fn(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(seq))
}
