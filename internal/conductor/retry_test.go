package conductor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/model"
)

func TestCallDriverRetriesTransientFailures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var attempts atomic.Int32
	err := e.raw.callDriver(ctx, "fake-hardware", func(_ context.Context) error {
		if attempts.Add(1) < 3 {
			return &model.TransientError{Err: errors.New("connection reset")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestCallDriverDoesNotRetryFaults(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var attempts atomic.Int32
	fault := &model.HardwareFaultError{Err: errors.New("PSU failure")}
	err := e.raw.callDriver(ctx, "fake-hardware", func(_ context.Context) error {
		attempts.Add(1)
		return fault
	})

	assert.Equal(t, fault, err)
	assert.Equal(t, int32(1), attempts.Load(), "faults are terminal")
}

func TestCallDriverDoesNotRetryValidationErrors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var attempts atomic.Int32
	err := e.raw.callDriver(ctx, "fake-hardware", func(_ context.Context) error {
		attempts.Add(1)
		return &model.ValidationError{Reason: "missing key"}
	})

	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCallDriverEscalatesAfterMaxAttempts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var attempts atomic.Int32
	err := e.raw.callDriver(ctx, "fake-hardware", func(_ context.Context) error {
		attempts.Add(1)
		return &model.TransientError{Err: errors.New("timeout")}
	})

	var fault *model.HardwareFaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int32(e.cfg.Retry.MaxAttempts), attempts.Load())
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestCallDriverHonorsCanceledContext(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.raw.callDriver(ctx, "fake-hardware", func(_ context.Context) error {
		return &model.TransientError{Err: errors.New("timeout")}
	})

	require.ErrorIs(t, err, context.Canceled)
}
