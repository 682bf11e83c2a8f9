package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := New(CodeCarrierTransient, "connection reset")
	wrapped := fmt.Errorf("dispatch job: %w", base)

	assert.Equal(t, CodeCarrierTransient, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		terminal  bool
	}{
		{CodeValidation, false, true},
		{CodeContactability, false, true},
		{CodeModelTransient, true, false},
		{CodeModelPermanent, false, true},
		{CodeCarrierTransient, true, false},
		{CodeCarrierPermanent, false, true},
		{CodeStoreTransient, true, false},
		{CodeStorePermanent, false, true},
		{CodeBreakerOpen, true, false},
		{CodeIdempotencyConflict, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			assert.Equal(t, tt.retryable, Retryable(err))
			assert.Equal(t, tt.terminal, Terminal(err))
		})
	}
}
