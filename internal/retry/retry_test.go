package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestedWait(t *testing.T) {
	cases := []struct {
		message string
		want    time.Duration
	}{
		{"Rate limit reached. Please try again in 2.5s.", 2500 * time.Millisecond},
		{"please try again in 1s", time.Second},
		{"Try again in 30s", 30 * time.Second},
		{"try again later", 0},
		{"", 0},
	}

	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			assert.Equal(t, tc.want, SuggestedWait(tc.message))
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped deadline", fmt.Errorf("submit: %w", context.DeadlineExceeded), ClassTimeout},
		{"conn reset", syscall.ECONNRESET, ClassConnectionError},
		{"conn refused", syscall.ECONNREFUSED, ClassConnectionError},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassConnectionError},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, ClassConnectionError},
		{"plain error", errors.New("something odd"), ClassUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ce := Classify(tc.err)
			require.NotNil(t, ce)
			assert.Equal(t, tc.want, ce.Class)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		message string
		want    Class
	}{
		{"rate limit", 429, "Rate limit reached", ClassRateLimit},
		{"quota 429", 429, "You exceeded your current quota", ClassQuotaExceeded},
		{"timeout", 408, "request timeout", ClassTimeout},
		{"server", 500, "internal error", ClassServerError},
		{"bad gateway", 502, "bad gateway", ClassServerError},
		{"invalid model", 404, "The model `gpt-nope` does not exist", ClassInvalidRequest},
		{"token overflow", 400, "This model's maximum context length is 128000 tokens", ClassTooManyTokens},
		{"prompt too long", 400, "prompt is too long", ClassTooManyTokens},
		{"bad request", 400, "missing field", ClassInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyStatus(tc.status, tc.message))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassTransientTerminal(t *testing.T) {
	assert.True(t, ClassTimeout.Transient())
	assert.True(t, ClassRateLimit.Transient())
	assert.False(t, ClassInvalidRequest.Transient())
	assert.False(t, ClassUnknown.Transient())

	assert.True(t, ClassInvalidRequest.Terminal())
	assert.True(t, ClassQuotaExceeded.Terminal())
	assert.True(t, ClassTooManyTokens.Terminal())
	assert.False(t, ClassRateLimit.Terminal())
	assert.False(t, ClassUnknown.Terminal())
}

func TestPolicyBackoff(t *testing.T) {
	p := DefaultPolicy()

	t.Run("no delay for transient network classes", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), p.Backoff(3, &ClassifiedError{Class: ClassTimeout}))
		assert.Equal(t, time.Duration(0), p.Backoff(3, &ClassifiedError{Class: ClassServerError}))
	})

	t.Run("exponential for rate limits", func(t *testing.T) {
		assert.Equal(t, time.Second, p.Backoff(1, &ClassifiedError{Class: ClassRateLimit}))
		assert.Equal(t, 2*time.Second, p.Backoff(2, &ClassifiedError{Class: ClassRateLimit}))
		assert.Equal(t, 8*time.Second, p.Backoff(4, &ClassifiedError{Class: ClassRateLimit}))
	})

	t.Run("suggested wait overrides", func(t *testing.T) {
		ce := &ClassifiedError{Class: ClassRateLimit, SuggestedWait: 2500 * time.Millisecond}
		assert.Equal(t, 2500*time.Millisecond, p.Backoff(4, ce))
	})
}

func TestPolicyAttemptCaps(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.ShouldRetrySubmit(1, ClassRateLimit))
	assert.True(t, p.ShouldRetrySubmit(7, ClassRateLimit))
	assert.False(t, p.ShouldRetrySubmit(8, ClassRateLimit))
	assert.False(t, p.ShouldRetrySubmit(1, ClassInvalidRequest))

	assert.True(t, p.ShouldRetryStream(0, ClassRateLimit))
	assert.True(t, p.ShouldRetryStream(4, ClassRateLimit))
	assert.False(t, p.ShouldRetryStream(5, ClassRateLimit))
	assert.False(t, p.ShouldRetryStream(0, ClassServerError))
}

func TestWaitHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Wait(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitZeroReturnsImmediately(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
}
