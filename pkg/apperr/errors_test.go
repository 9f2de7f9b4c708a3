package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Run("kind is preserved through wrapping", func(t *testing.T) {
		inner := NotFound("session %s not found", "abc")
		wrapped := fmt.Errorf("lookup: %w", inner)

		assert.True(t, IsKind(wrapped, KindNotFound))
		assert.False(t, IsKind(wrapped, KindTimeout))
		assert.Equal(t, KindNotFound, KindOf(wrapped))
	})

	t.Run("non-structured errors map to internal", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
		assert.Equal(t, Kind(""), KindOf(nil))
	})

	t.Run("provider failures are retryable by default", func(t *testing.T) {
		err := ProviderFailure("upstream 503")
		assert.True(t, IsRetryable(err))

		err.Retryable = false
		assert.False(t, IsRetryable(err))
	})

	t.Run("details and cause", func(t *testing.T) {
		cause := errors.New("tag mismatch")
		err := IntegrityFailure("audit chain broken").
			WithDetail("event_id", "e5").
			WithCause(cause)

		require.NotNil(t, err.Details)
		assert.Equal(t, "e5", err.Details["event_id"])
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "tag mismatch")
	})
}
