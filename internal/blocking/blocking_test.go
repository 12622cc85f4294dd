package blocking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
)

func TestRunReturnsFnResultBeforeDeadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	err := Run(ctx, func() error { return nil })
	require.NoError(t, err)

	sentinel := errors.New("boom")

	err = Run(ctx, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestRunReturnsDeadlineExceededWhenContextDoneFirst(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	blocked := make(chan struct{})

	err := Run(ctx, func() error {
		<-blocked
		return nil
	})

	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.DeadlineExceeded))

	close(blocked)
}

func TestRunValueReturnsValueAndError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	val, err := RunValue(ctx, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestRunValueReturnsZeroValueOnDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	blocked := make(chan struct{})

	val, err := RunValue(ctx, func() (string, error) {
		<-blocked
		return "unused", nil
	})

	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.DeadlineExceeded))
	assert.Equal(t, "", val)

	close(blocked)
}
