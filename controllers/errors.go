package controller

import (
	"errors"

	"dripline/models"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
)

// respondError maps a domain error onto a status code. Anything unknown is
// logged and reported as a 500.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidStep):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, models.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", err)
	case errors.Is(err, models.ErrAlreadyEnrolled):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is already enrolled in this sequence", err)
	case errors.Is(err, models.ErrRaceLost):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Enrollment was modified concurrently, retry", err)
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrSequenceLocked),
		errors.Is(err, models.ErrSequenceNotActive),
		errors.Is(err, models.ErrNoSteps),
		errors.Is(err, models.ErrLeadNotContactable):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Operation not allowed", err)
	}

	utils.LogError("http_request", err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}

// parseBody decodes and validates a JSON request body.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return &models.ValidationError{Kind: models.ErrValidation, Message: "invalid request body"}
	}
	return utils.ValidateStruct(out)
}

// paramID reads a positive numeric route parameter.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	id := utils.ParseUint(c.Params(name))
	if id == 0 {
		return 0, &models.ValidationError{Kind: models.ErrValidation, Field: name, Message: "must be a positive integer"}
	}
	return id, nil
}
