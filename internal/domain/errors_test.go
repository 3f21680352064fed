package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeUnwraps(t *testing.T) {
	err := fmt.Errorf("redis: update phase: %w", ErrStaleState)
	assert.Equal(t, CodeStaleState, ErrorCode(err))
	assert.True(t, IsRetryable(err))

	assert.Equal(t, CodeDuplicateAnswer, ErrorCode(ErrDuplicateAnswer))
	assert.False(t, IsRetryable(ErrDuplicateAnswer))
	assert.Equal(t, CodeUnknown, ErrorCode(errors.New("boom")))
}
