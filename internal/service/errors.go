package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrDuplicateName is returned when a schedule with the same name exists
	ErrDuplicateName = errors.New("a schedule with this name already exists")

	// ErrScheduleNotFound is returned when no schedule matches an id or name
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrSourceNotAllowed is returned when a source is outside the allowlist
	ErrSourceNotAllowed = errors.New("source is not in the allowed repositories list")
)

// ValidationError describes rejected request fields
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// fromValidator converts the first validator failure into a ValidationError
func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Message: "is required"}
	case "max":
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %s characters", fe.Param())}
	case "oneof":
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be one of %s", strings.ReplaceAll(fe.Param(), " ", ", "))}
	default:
		return &ValidationError{Field: field, Message: fmt.Sprintf("failed %q validation", fe.Tag())}
	}
}
