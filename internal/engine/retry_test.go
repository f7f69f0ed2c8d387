package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection reset")))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeNodeExecution, "x")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "x")))
	for _, code := range []string{
		schema.ErrCodeParse,
		schema.ErrCodeEval,
		schema.ErrCodeValidation,
		schema.ErrCodeToolUnavailable,
		schema.ErrCodeCancelled,
		schema.ErrCodeMaxIterations,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestComputeBackoff(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"none", &schema.RetryPolicy{Backoff: "none", Delay: "100"}, 2, 0},
		{"constant", &schema.RetryPolicy{Delay: "100"}, 3, 100 * ms},
		{"linear", &schema.RetryPolicy{Backoff: "linear", Delay: "100ms"}, 2, 300 * ms},
		{"exponential first", &schema.RetryPolicy{Backoff: "exponential", Delay: "100"}, 0, 100 * ms},
		{"exponential third", &schema.RetryPolicy{Backoff: "exponential", Delay: "100"}, 2, 400 * ms},
		{"capped", &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "5s"}, 10, 5 * time.Second},
		{"invalid delay", &schema.RetryPolicy{Delay: "soon"}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.policy, tc.attempt))
		})
	}
}

func TestComputeBackoff_ExponentialDoesNotOverflow(t *testing.T) {
	d := ComputeBackoff(&schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, 1000)
	assert.Positive(t, d)
	assert.LessOrEqual(t, d, 2*time.Hour)
}

func TestWaitForBackoff(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
	require.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, maxAttempts(nil))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{}))
	assert.Equal(t, 4, maxAttempts(&schema.RetryPolicy{Max: 3}))
}

// --- Failure resolution ---

func TestResolveFailure(t *testing.T) {
	err := schema.NewError(schema.ErrCodeNodeExecution, "boom")

	d := ResolveFailure(&schema.Node{ID: "a", Fail: "h", ContinueOnFail: true}, err)
	assert.Equal(t, FailureRoute, d.Strategy)
	assert.Equal(t, "h", d.Target)
	assert.Equal(t, "a", d.Err.NodeID)

	d = ResolveFailure(&schema.Node{ID: "a", ContinueOnFail: true}, err)
	assert.Equal(t, FailureContinue, d.Strategy)

	d = ResolveFailure(&schema.Node{ID: "a"}, errors.New("plain"))
	assert.Equal(t, FailureEscalate, d.Strategy)
	assert.Equal(t, schema.ErrCodeNodeExecution, d.Err.Code)

	d = ResolveFailure(&schema.Node{ID: "a", Fail: "h"}, schema.NewError(schema.ErrCodeCancelled, "stop"))
	assert.Equal(t, FailureEscalate, d.Strategy)
}

func TestExhaustedAndPayload(t *testing.T) {
	last := schema.NewError(schema.ErrCodeTimeout, "slow")
	fe := exhausted("a", 3, last)

	assert.Equal(t, schema.ErrCodeRetryExhausted, fe.Code)
	assert.Equal(t, "a", fe.NodeID)
	assert.Equal(t, 3, fe.Details["attempts"])
	assert.Equal(t, schema.ErrCodeTimeout, fe.Details["last_code"])
	assert.ErrorIs(t, fe, last)

	p := errorPayload(fe, FailureEscalate)
	assert.Equal(t, schema.ErrCodeRetryExhausted, p["code"])
	assert.Equal(t, "escalate", p["strategy"])
	assert.Equal(t, schema.ErrCodeTimeout, p["cause"])
}
