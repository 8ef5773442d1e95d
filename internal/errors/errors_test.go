package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeMatchNotFound, "Match not found")
		assert.Equal(t, "MATCH_NOT_FOUND: Match not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("redis: connection refused")
		err := StoreUnavailable(cause)
		assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		err := ValidationError("bad payload").WithDetails(map[string]string{"field": "sessionId"})
		assert.NotNil(t, err.Details)
	})

	t.Run("InvalidTimestamp carries the observed skew", func(t *testing.T) {
		err := InvalidTimestamp(12345)
		assert.Equal(t, ErrCodeInvalidTimestamp, err.Code)
		details, ok := err.Details.(map[string]int64)
		assert.True(t, ok)
		assert.Equal(t, int64(12345), details["skewMs"])
	})

	t.Run("errors.Is works through wrapping", func(t *testing.T) {
		cause := errors.New("root")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		wrapped := fmt.Errorf("outer: %w", err)
		assert.True(t, errors.Is(wrapped, cause))
	})
}

func TestHelpers(t *testing.T) {
	t.Run("AsAppError extracts AppError", func(t *testing.T) {
		err := SessionNotFound()
		wrapped := fmt.Errorf("handler: %w", err)
		appErr, ok := AsAppError(wrapped)
		assert.True(t, ok)
		assert.Equal(t, ErrCodeSessionNotFound, appErr.Code)
	})

	t.Run("GetCode falls back to internal", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
		assert.Equal(t, ErrCodeRateLimitExceeded, GetCode(RateLimitExceeded()))
	})

	t.Run("IsAppError distinguishes plain errors", func(t *testing.T) {
		assert.False(t, IsAppError(errors.New("plain")))
		assert.True(t, IsAppError(MatchNotFound()))
	})
}
