package controller

import (
	"errors"
	"fmt"
	"strings"

	"dripline/models"
	"dripline/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewLeadController(db *gorm.DB) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: utils.NewLogger("leads_api"),
	}
}

func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input struct {
		Email        string            `json:"email" validate:"omitempty,email"`
		FirstName    string            `json:"first_name"`
		LastName     string            `json:"last_name"`
		Company      string            `json:"company"`
		Position     string            `json:"position"`
		Phone        string            `json:"phone"`
		Website      string            `json:"website"`
		LinkedInURL  string            `json:"linkedin_url" validate:"omitempty,url"`
		CustomFields map[string]string `json:"custom_fields"`
		Source       string            `json:"source"`
	}
	if err := parseBody(c, &input); err != nil {
		return respondError(c, err)
	}
	if input.Email == "" && input.Phone == "" && input.LinkedInURL == "" {
		return respondError(c, &models.ValidationError{Kind: models.ErrValidation, Message: "one of email, phone or linkedin_url is required"})
	}

	lead := models.Lead{
		Email:        strings.ToLower(strings.TrimSpace(input.Email)),
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Company:      input.Company,
		Position:     input.Position,
		Phone:        input.Phone,
		Website:      input.Website,
		LinkedInURL:  input.LinkedInURL,
		CustomFields: input.CustomFields,
		Source:       input.Source,
	}
	if err := lc.DB.WithContext(c.UserContext()).Create(&lead).Error; err != nil {
		return respondError(c, fmt.Errorf("create lead: %w", err))
	}

	utils.LogEvent("lead_created", map[string]interface{}{"lead_id": lead.ID})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}

	var lead models.Lead
	if err := lc.DB.WithContext(c.UserContext()).First(&lead, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, fmt.Errorf("%w: lead %d", models.ErrNotFound, id))
		}
		return respondError(c, err)
	}
	return c.JSON(utils.SuccessResponse(lead))
}
