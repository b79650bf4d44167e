package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func always(error) bool { return true }

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), always, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterAttempts(t *testing.T) {
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), always, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	p := Policy{Attempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(error) bool { return false }, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestDoSingleAttempt(t *testing.T) {
	p := Policy{Attempts: 1}

	calls := 0
	_ = p.Do(context.Background(), always, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	p := Policy{Attempts: 10, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, always, func(context.Context) error {
			calls++
			return errFlaky
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
