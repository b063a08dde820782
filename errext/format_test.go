package errext_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.nextest.dev/nextest/errext"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	t.Run("Nil", func(t *testing.T) {
		t.Parallel()
		errorText, fields := errext.Format(nil)
		assert.Equal(t, "", errorText)
		assert.Empty(t, fields)
	})

	t.Run("Simple", func(t *testing.T) {
		t.Parallel()
		errorText, fields := errext.Format(errors.New("simple error"))
		assert.Equal(t, "simple error", errorText)
		assert.Empty(t, fields)
	})

	t.Run("Hint", func(t *testing.T) {
		t.Parallel()
		err := errext.WithHint(errors.New("error with hint"), "hint message")
		errorText, fields := errext.Format(err)
		assert.Equal(t, "error with hint", errorText)
		assert.Equal(t, map[string]interface{}{"hint": "hint message"}, fields)
	})

	t.Run("WrappedHint", func(t *testing.T) {
		t.Parallel()
		err := errext.WithHint(errext.WithHint(errors.New("wrapped"), "inner"), "outer")
		errorText, fields := errext.Format(err)
		assert.Equal(t, "wrapped", errorText)
		assert.Equal(t, map[string]interface{}{"hint": "outer (inner)"}, fields)
	})
}
