package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/imagewall/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDelaySchedule(t *testing.T) {
	t.Parallel()

	h := &Handler{}
	assert.Equal(t, time.Second, h.Delay(0))
	assert.Equal(t, 2*time.Second, h.Delay(1))
	assert.Equal(t, 4*time.Second, h.Delay(2))
	assert.Equal(t, 5*time.Second, h.Delay(3), "capped")
	assert.Equal(t, 5*time.Second, h.Delay(30), "no overflow")
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	var retries []int
	h := &Handler{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
		OnFinalFailure: func(error) {
			t.Error("final failure hook must not run on success")
		},
	}

	calls := 0
	err := h.Do(context.Background(), func(_ context.Context, attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errors.NewStd("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, retries)
}

func TestReturnsLastErrorAfterExhaustion(t *testing.T) {
	t.Parallel()

	last := errors.NewStd("third")
	var final error
	h := &Handler{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		OnFinalFailure: func(err error) { final = err },
	}

	msgs := []error{errors.NewStd("first"), errors.NewStd("second"), last}
	calls := 0
	err := h.Do(context.Background(), func(context.Context, int) error {
		e := msgs[calls]
		calls++
		return e
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, last)
	assert.Same(t, last, final)
	assert.True(t, errors.IsCategory(err, errors.CategoryRetry))
}

func TestStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{MaxAttempts: 5, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- h.Do(ctx, func(context.Context, int) error {
			calls++
			return errors.NewStd("down")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := (&Handler{}).Do(ctx, func(context.Context, int) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}
