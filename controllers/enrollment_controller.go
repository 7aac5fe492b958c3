package controller

import (
	"dripline/enrollments"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type EnrollmentController struct {
	Tracker *enrollments.Tracker
	Logger  *logrus.Entry
}

func NewEnrollmentController(tracker *enrollments.Tracker) *EnrollmentController {
	return &EnrollmentController{
		Tracker: tracker,
		Logger:  utils.NewLogger("enrollments_api"),
	}
}

// Enroll starts a lead on a sequence.
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	var input struct {
		LeadID     uint `json:"leadId" validate:"required"`
		SequenceID uint `json:"sequenceId" validate:"required"`
	}
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}

	e, err := ec.Tracker.Enroll(c.UserContext(), input.LeadID, input.SequenceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(e))
}

func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	e, err := ec.Tracker.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	attempts, err := ec.Tracker.Attempts(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"enrollment": e,
		"attempts":   attempts,
	}))
}

func (ec *EnrollmentController) PauseEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	e, err := ec.Tracker.Pause(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(e))
}

func (ec *EnrollmentController) ResumeEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	e, err := ec.Tracker.Resume(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(e))
}

// CancelEnrollment accepts an optional {"reason": "..."} body.
func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var input struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	e, err := ec.Tracker.Cancel(c.UserContext(), id, input.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(e))
}

func (ec *EnrollmentController) ListLeadEnrollments(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	list, err := ec.Tracker.ListForLead(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(list))
}
