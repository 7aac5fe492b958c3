package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidStep        = errors.New("invalid step")
	ErrNoSteps            = errors.New("sequence has no steps")
	ErrSequenceLocked     = errors.New("sequence is locked")
	ErrSequenceNotActive  = errors.New("sequence is not active")
	ErrAlreadyEnrolled    = errors.New("lead already enrolled in sequence")
	ErrLeadNotContactable = errors.New("lead cannot be contacted")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrRaceLost           = errors.New("enrollment was modified concurrently")
)

// ValidationError is returned for malformed sequences, steps and requests.
// It is raised at authoring time and never reaches the scheduler.
type ValidationError struct {
	Kind    error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: %s %s", e.Kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// InvalidStep builds a ValidationError for a step definition.
func InvalidStep(field, message string) error {
	return &ValidationError{Kind: ErrInvalidStep, Field: field, Message: message}
}
