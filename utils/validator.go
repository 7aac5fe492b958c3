package utils

import (
	"errors"
	"strings"

	"dripline/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return models.Channel(fl.Field().String()).Valid()
	})
	return v
}

// ValidateStruct validates s and returns a *models.ValidationError listing
// every failed field.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &models.ValidationError{Kind: models.ErrValidation, Message: err.Error()}
	}

	var msgs []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+param)
		case "max":
			msgs = append(msgs, field+" must be at most "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+param)
		case "gtfield":
			msgs = append(msgs, field+" must be greater than "+strings.ToLower(param))
		case "channel":
			msgs = append(msgs, field+" must be a supported channel")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return &models.ValidationError{Kind: models.ErrValidation, Message: strings.Join(msgs, ", ")}
}
