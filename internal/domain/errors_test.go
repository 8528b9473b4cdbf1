package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("issue: %w", RateLimitError(ReasonCooldown, 30*time.Second))
	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, ReasonCooldown, ReasonOf(err))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "", ReasonOf(errors.New("boom")))
}

func TestStorageError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageError("put otp record", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "put otp record: connection refused", err.Error())
}

func TestOTPRecord_IsExpired_Boundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &OTPRecord{ExpiresAt: now}
	assert.True(t, rec.IsExpired(now))
	assert.False(t, rec.IsExpired(now.Add(-time.Nanosecond)))
}
