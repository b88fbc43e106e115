package flockerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorySentinelMatching(t *testing.T) {
	err := Conflict("set_if_matches", "tag mismatch", nil)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestCategoryOfUnwrapsWrappedErrors(t *testing.T) {
	cause := errors.New("ec2: rate limited")
	err := TransientBackend("attach_volume", "ec2 rate limit", cause)

	cat, ok := CategoryOf(err)
	assert.True(t, ok)
	assert.Equal(t, CategoryTransientBackend, cat)
	assert.ErrorIs(t, err, cause)
}

func TestCategoryOfReturnsFalseForPlainErrors(t *testing.T) {
	_, ok := CategoryOf(errors.New("plain"))
	assert.False(t, ok)
}
