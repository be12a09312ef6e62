package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

func (v ValidationError) Error() string { return v.Message }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct tag validation and returns the formatted errors joined
// into one error, or nil.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	ves := FormatValidationErrors(err)
	if len(ves) == 0 {
		return err
	}
	errs := make([]error, len(ves))
	for i := range ves {
		errs[i] = ves[i]
	}
	return errors.Join(errs...)
}

// FormatValidationErrors converts validator.ValidationErrors into a slice of ValidationError
func FormatValidationErrors(err error) []ValidationError {
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]ValidationError, len(ve))
	for i, fe := range ve {
		field := strings.ToLower(fe.Field())
		out[i] = ValidationError{
			Field: field,
			Tag:   fe.Tag(),
			Value: fmt.Sprintf("%v", fe.Value()),
		}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", field)
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
		case "url":
			out[i].Message = fmt.Sprintf("%s must be a valid url", field)
		default:
			out[i].Message = fmt.Sprintf("validation failed on field '%s' for tag '%s'", field, fe.Tag())
		}
	}
	return out
}
