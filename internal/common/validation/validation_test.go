package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		value       string
		expectError bool
	}{
		{"Valid value", "username", "john.doe", false},
		{"Empty string", "username", "", true},
		{"Whitespace only", "username", "   ", true},
		{"Valid with spaces", "name", "John Doe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequired(tt.field, tt.value)
			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "is required")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name        string
		email       string
		expectError bool
	}{
		{"Valid email", "john.doe@example.com", false},
		{"Valid email with subdomain", "user@mail.example.com", false},
		{"Valid email with plus", "user+tag@example.com", false},
		{"Invalid - no @", "notanemail", true},
		{"Invalid - no domain", "user@", true},
		{"Invalid - no local", "@example.com", true},
		{"Invalid - display name", "John <john@example.com>", true},
		{"Empty string - should pass (use ValidateRequired)", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail("email", tt.email)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMaxLength(t *testing.T) {
	assert.NoError(t, ValidateMaxLength("name", "Zoë", 3))
	err := ValidateMaxLength("name", "Zoëy", 3)
	require.Error(t, err)
	assert.Equal(t, "name: must be at most 3 characters (value: 4 characters)", err.Error())
}

func TestValidatePrintable(t *testing.T) {
	assert.NoError(t, ValidatePrintable("username", "jdoe"))
	assert.Error(t, ValidatePrintable("username", "j\ndoe"))
	assert.Error(t, ValidatePrintable("username", "j\x00doe"))
}

func TestValidatePhone(t *testing.T) {
	tests := []struct {
		phone       string
		expectError bool
	}{
		{"", false},
		{"+1 (555) 010-9999", false},
		{"555.0100", false},
		{"call me", true},
	}

	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			err := ValidatePhone("phone_number", tt.phone)
			assert.Equal(t, tt.expectError, err != nil)
		})
	}
}

func TestValidationErrors(t *testing.T) {
	errs := &ValidationErrors{}
	assert.False(t, errs.HasErrors())
	assert.Equal(t, "validation failed", errs.Error())

	errs.Add("email", "must be a valid email address", "nope")
	errs.Add("username", "is required")
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "email: must be a valid email address (value: nope); username: is required", errs.Error())
}

func TestValidateAll(t *testing.T) {
	assert.NoError(t, ValidateAll(
		func() error { return ValidateRequired("username", "jdoe") },
		func() error { return ValidateEmail("email", "jdoe@example.com") },
	))

	err := ValidateAll(
		func() error { return ValidateRequired("username", "") },
		func() error { return ValidateEmail("email", "bad") },
		func() error { return errors.New("opaque") },
	)
	var verrs *ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs.Errors, 3)
	assert.Equal(t, "username", verrs.Errors[0].Field)
	assert.Equal(t, "email", verrs.Errors[1].Field)
}
