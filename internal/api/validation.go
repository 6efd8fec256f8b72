package api

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator accumulates validation errors
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new Validator
func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

// Email: simplified RFC 5322
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// strictPolicy strips all markup; operator-supplied free text is stored and
// echoed back, so it never carries HTML.
var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup and surrounding whitespace from free-text input.
func Sanitize(s string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(s))
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ValidateEmail validates an email address
func (v *Validator) ValidateEmail(field, value string) {
	if value == "" {
		return
	}

	if len(value) > 254 {
		v.AddError(field, "email address too long (max 254 characters)")
		return
	}

	if !emailRegex.MatchString(value) {
		v.AddError(field, "invalid email address format")
	}
}
