package corelib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableClassifiesFastFailCorrectly(t *testing.T) {
	assert.False(t, IsRetryable(ErrAuthentication))
	assert.False(t, IsRetryable(ErrInvalidDefinition))
	assert.False(t, IsRetryable(ErrCancelled))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.False(t, IsRetryable(nil))
}

func TestIsFastFail(t *testing.T) {
	assert.True(t, IsFastFail(ErrAuthentication))
	assert.False(t, IsFastFail(ErrTimeout))
}

func TestBuildErrorUnwraps(t *testing.T) {
	err := Wrap("router.RouteTask", ErrProviderUnavailable)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Contains(t, err.Error(), "router.RouteTask")
}

func TestUserMessageFormat(t *testing.T) {
	msg := UserMessage("creating_schema", 3, ErrFallbackExhausted)
	assert.Equal(t, "stage creating_schema failed after 3 attempts: no provider could complete the request", msg)
}

func TestRecommendedAction(t *testing.T) {
	assert.Equal(t, "retry with alternative model", RecommendedAction(ErrFallbackExhausted))
	assert.Equal(t, "contact support", RecommendedAction(ErrAuthentication))
	assert.Equal(t, "", RecommendedAction(ErrCancelled))
}
