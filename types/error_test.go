package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrProviderUnavailable, "no keys left")
	assert.Equal(t, "[PROVIDER_UNAVAILABLE] no keys left", err.Error())

	cause := errors.New("boom")
	err = NewError(ErrPersistenceFailed, "flush failed").WithCause(cause)
	assert.Equal(t, "[PERSISTENCE_FAILED] flush failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestError_Builders(t *testing.T) {
	err := NewError(ErrUpstreamTimeout, "deadline exceeded").
		WithRetryable(true).
		WithProvider("groq")

	assert.True(t, IsRetryable(err))
	assert.Equal(t, "groq", err.Provider)
	assert.Equal(t, ErrUpstreamTimeout, GetErrorCode(err))
}

func TestGetErrorCode_PlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
