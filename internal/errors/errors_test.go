package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeUnknownIdentity, "identity acct|a@b|pro not found")
		assert.Equal(t, "UNKNOWN_IDENTITY: identity acct|a@b|pro not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(ErrCodeRefreshFailed, "token refresh failed", cause)
		assert.Contains(t, err.Error(), "REFRESH_FAILED")
		assert.Contains(t, err.Error(), "token refresh failed")
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]any{"retryAtMs": int64(1234)}
		err := New(ErrCodeAllAccountsCoolingDown, "no eligible account").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"AllAccountsCoolingDown", func() *AppError { return AllAccountsCoolingDown("claude", 0) }, ErrCodeAllAccountsCoolingDown},
		{"RefreshFailed", func() *AppError { return RefreshFailed("k", errors.New("boom")) }, ErrCodeRefreshFailed},
		{"DisallowedOutboundRequest", func() *AppError { return DisallowedOutboundRequest("missing url") }, ErrCodeDisallowedOutboundRequest},
		{"UnknownIdentity", func() *AppError { return UnknownIdentity("k") }, ErrCodeUnknownIdentity},
		{"UnknownDomain", func() *AppError { return UnknownDomain("claude") }, ErrCodeUnknownDomain},
		{"LockUnavailable", func() *AppError { return LockUnavailable(errors.New("flock")) }, ErrCodeLockUnavailable},
		{"StorageCorrupt", func() *AppError { return StorageCorrupt(errors.New("bad json")) }, ErrCodeStorageCorrupt},
		{"Upstream", func() *AppError { return Upstream(502, nil) }, ErrCodeUpstream},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped AppError", func(t *testing.T) {
		inner := RefreshFailed("k", errors.New("boom"))
		assert.True(t, HasCode(inner, ErrCodeRefreshFailed))
		assert.False(t, HasCode(inner, ErrCodeInternal))
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("plain"), ErrCodeInternal))
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("plain")))
	})
}

func TestRetryAtMs(t *testing.T) {
	t.Run("extracts hint from cooling down error", func(t *testing.T) {
		err := AllAccountsCoolingDown("claude", 4200)
		assert.Equal(t, int64(4200), RetryAtMs(err))
	})

	t.Run("zero for other errors", func(t *testing.T) {
		assert.Equal(t, int64(0), RetryAtMs(Internal("x")))
		assert.Equal(t, int64(0), RetryAtMs(errors.New("plain")))
	})
}
