package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Run("should find code and kind through wrapping", func(t *testing.T) {
		base := Conflict(CodeAlreadyVoted, "voter %s already voted", "0xabc")
		wrapped := fmt.Errorf("cast vote: %w", base)

		assert.Equal(t, CodeAlreadyVoted, GetCode(wrapped))
		assert.Equal(t, KindConflict, KindOf(wrapped))
		assert.True(t, IsCode(wrapped, CodeAlreadyVoted))
		assert.False(t, IsRetryable(wrapped))
	})

	t.Run("should treat unknown errors as internal", func(t *testing.T) {
		err := fmt.Errorf("boom")
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Equal(t, CodeUnknown, GetCode(err))
	})

	t.Run("should mark dependency and unconfirmed errors retryable", func(t *testing.T) {
		assert.True(t, IsRetryable(Unavailable(CodeStoreUnavailable, "redis down", nil)))
		assert.True(t, IsRetryable(Unconfirmed(CodeUnconfirmedTransfer, "receipt pending", nil)))
	})

	t.Run("should carry retry-after on rate limits", func(t *testing.T) {
		err := fmt.Errorf("gate: %w", RateLimited(7*time.Second))
		assert.Equal(t, 7*time.Second, RetryAfter(err))
		assert.Equal(t, http.StatusTooManyRequests, KindOf(err).HTTPStatus())
	})
}
