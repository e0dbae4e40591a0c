package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Length limits.
const (
	MaxModelIDLength = 128 // model identifiers become file names
	MaxPathLength    = 1024
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// modelIDRegex matches model identifiers: alphanumeric start, then
// alphanumerics, dots, hyphens and underscores.
var modelIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateRequired checks that a string field is present and non-blank.
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:      field,
			Constraint: "required",
		}
	}

	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:      field,
			Constraint: "must be valid UTF-8",
		}
	}

	return nil
}

// ValidateModelID validates a model identifier that is turned into
// <root>/<id><ext>. It must be a single path element.
func ValidateModelID(id string) error {
	if err := ValidateRequired("model", id); err != nil {
		return err
	}

	if len(id) > MaxModelIDLength {
		return &ValidationError{
			Field:      "model",
			Value:      len(id),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxModelIDLength),
		}
	}

	if !modelIDRegex.MatchString(id) || strings.Contains(id, "..") {
		return &ValidationError{
			Field:      "model",
			Value:      SanitizeForLog(id),
			Constraint: "must contain only alphanumeric characters, dots, hyphens, and underscores, and start with alphanumeric",
		}
	}

	return nil
}

// ValidateLocation validates a path or URI argument handed to an external
// process: required, no NUL bytes, bounded length.
func ValidateLocation(field, value string) error {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}

	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:      field,
			Constraint: "contains null byte",
		}
	}

	if len(value) > MaxPathLength {
		return &ValidationError{
			Field:      field,
			Value:      len(value),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxPathLength),
		}
	}

	return nil
}
