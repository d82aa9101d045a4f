package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].type", ErrCodeDefinition, "unknown step type \"teleport\"")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].type", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].config.duration", ErrCodeValidation, "falls back to 1s")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeDefinition, "err1")
	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeParse, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("steps[0].name", ErrCodeDefinition, "name is required")

		fe, ok := AsFlowError(r.ToError())
		require.True(t, ok)
		assert.Equal(t, ErrCodeDefinition, fe.Code)
		assert.Equal(t, "steps[0].name: name is required", fe.Message)
		assert.Equal(t, 1, fe.Details["error_count"])
	})

	t.Run("multiple", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("id", ErrCodeDefinition, "id is required")
		r.AddError("steps", ErrCodeDefinition, "at least one step")

		fe, ok := AsFlowError(r.ToError())
		require.True(t, ok)
		assert.Contains(t, fe.Message, "2 errors")
		assert.Equal(t, []string{"id: id is required", "steps: at least one step"}, fe.Details["violations"])
	})
}
