package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bissquit/sms-relay/internal/pkg/breaker"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", &TransientError{Code: 503, Message: "unavailable"}, true},
		{"permanent", &PermanentError{Code: 400, Message: "invalid number"}, false},
		{"wrapped permanent", fmt.Errorf("send: %w", &PermanentError{Message: "blocked"}), false},
		{"breaker open", breaker.ErrOpen, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unknown", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestIsProviderFault(t *testing.T) {
	assert.False(t, IsProviderFault(nil))
	assert.False(t, IsProviderFault(&PermanentError{Message: "invalid number"}))
	assert.True(t, IsProviderFault(&TransientError{Message: "timeout"}))
	assert.True(t, IsProviderFault(&TransientError{Message: "send request", Err: context.DeadlineExceeded}))
	assert.False(t, IsProviderFault(&TransientError{Message: "send request", Err: context.Canceled}))
}

func TestPermanentError_MatchesSentinel(t *testing.T) {
	err := &SendError{EntryID: "e1", Err: &PermanentError{Code: 422, Message: "blocked"}}

	assert.ErrorIs(t, err, ErrPermanentFailure)
	assert.Equal(t, "entry e1 failed: permanent provider error 422: blocked", err.Error())
	assert.NotErrorIs(t, &TransientError{Message: "x"}, ErrPermanentFailure)
}

func TestTransientError_Message(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransientError{Err: cause}

	assert.Equal(t, "transient provider error: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	err = &TransientError{Message: "send request", Err: cause}
	assert.Equal(t, "transient provider error: send request: connection refused", err.Error())

	err = &TransientError{Code: 503, Message: "service unavailable"}
	assert.Equal(t, "transient provider error 503: service unavailable", err.Error())
}
