// Package validation checks user-supplied identity fields
package validation

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every failed field
type ValidationErrors struct {
	Errors []*ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, verr := range e.Errors {
		msgs = append(msgs, verr.Error())
	}
	if len(msgs) == 0 {
		return "validation failed"
	}
	return strings.Join(msgs, "; ")
}

// Add adds a validation error
func (e *ValidationErrors) Add(field, message string, value ...string) {
	verr := &ValidationError{Field: field, Message: message}
	if len(value) > 0 {
		verr.Value = value[0]
	}
	e.Errors = append(e.Errors, verr)
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateRequired checks if a string is not blank
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateEmail checks an optional email address
func ValidateEmail(field, value string) error {
	if value == "" {
		return nil
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		return &ValidationError{Field: field, Message: "must be a valid email address", Value: value}
	}
	return nil
}

// ValidateMaxLength checks that a string has at most max characters
func ValidateMaxLength(field, value string, max int) error {
	if n := utf8.RuneCountInString(value); n > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at most %d characters", max),
			Value:   fmt.Sprintf("%d characters", n),
		}
	}
	return nil
}

// ValidatePrintable rejects control characters, which directories cannot
// store in naming attributes
func ValidatePrintable(field, value string) error {
	for _, r := range value {
		if unicode.IsControl(r) {
			return &ValidationError{Field: field, Message: "must not contain control characters"}
		}
	}
	return nil
}

// ValidatePhone checks an optional phone number: digits, spaces and + - ( ) .
func ValidatePhone(field, value string) error {
	for _, r := range value {
		if unicode.IsDigit(r) || strings.ContainsRune(" +-().", r) {
			continue
		}
		return &ValidationError{Field: field, Message: "must be a phone number", Value: value}
	}
	return nil
}

// ValidateAll runs multiple validators and collects errors
func ValidateAll(validators ...func() error) error {
	errs := &ValidationErrors{}
	for _, validator := range validators {
		err := validator()
		switch e := err.(type) {
		case nil:
		case *ValidationError:
			errs.Errors = append(errs.Errors, e)
		case *ValidationErrors:
			errs.Errors = append(errs.Errors, e.Errors...)
		default:
			errs.Add("", err.Error())
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
