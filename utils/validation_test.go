package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registrationInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	Role      string `json:"role" validate:"required,role"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(registrationInput{
			Email:     "ana@example.com",
			Password:  "long-enough",
			FirstName: "Ana",
			Role:      "driver",
		})
		assert.NoError(t, err)
	})

	t.Run("field errors use json names", func(t *testing.T) {
		err := ValidateStruct(registrationInput{Email: "nope", Password: "short", Role: "pilot"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "email must be a valid email", fields["email"])
		assert.Equal(t, "password must be at least 8", fields["password"])
		assert.Equal(t, "firstName is required", fields["firstName"])
		assert.Contains(t, fields["role"], "must be one of")
	})

	t.Run("non-struct", func(t *testing.T) {
		err := ValidateStruct("string")
		assert.Error(t, err)
		assert.False(t, IsValidationError(err))
	})
}

func TestValidationErrorHelpers(t *testing.T) {
	ve := &ValidationError{Message: "Validation failed", Fields: map[string]string{"a": "b"}}
	assert.Equal(t, "Validation failed", ve.Error())
	assert.True(t, IsValidationError(ve))
	assert.Equal(t, map[string]string{"a": "b"}, GetValidationFields(ve))

	plain := errors.New("x")
	assert.False(t, IsValidationError(plain))
	assert.Nil(t, GetValidationFields(plain))
}
