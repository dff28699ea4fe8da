package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTimeout    = errors.New("i/o timeout")
	errBadKey     = errors.New("api key rejected")
	transientOnly = func(err error) bool { return !errors.Is(err, errBadKey) }
)

// flaky fails with the given errors in order, then succeeds.
type flaky struct {
	errs  []error
	calls int
}

func (f *flaky) call(context.Context) error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func TestRetrier_Do(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{"first call succeeds", nil, nil, nil, 1},
		{"recovers after timeouts", []Option{WithMaxRetries(3)}, []error{errTimeout, errTimeout}, nil, 3},
		{"gives up after max retries", []Option{WithMaxRetries(2)}, []error{errTimeout, errTimeout, errTimeout, errTimeout}, errTimeout, 3},
		{"no retries configured", []Option{WithMaxRetries(0)}, []error{errTimeout}, errTimeout, 1},
		{"permanent error is returned at once", []Option{WithRetryIf(transientOnly)}, []error{errBadKey}, errBadKey, 1},
		{"transient then permanent", []Option{WithRetryIf(transientOnly)}, []error{errTimeout, errBadKey}, errBadKey, 2},
		{"deadline is never retried", nil, []error{context.DeadlineExceeded}, context.DeadlineExceeded, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(append([]Option{WithInitialInterval(time.Millisecond)}, tt.opts...)...)
			f := &flaky{errs: tt.errs}

			err := r.Do(context.Background(), f.call)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, f.calls)
		})
	}
}

func TestRetrier_StopsWhenContextIsDone(t *testing.T) {
	r := New(WithMaxRetries(5), WithInitialInterval(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestRetrier_OnRetry(t *testing.T) {
	var attempts []int
	r := New(WithMaxRetries(2), WithInitialInterval(time.Millisecond),
		WithOnRetry(func(attempt int, err error) {
			assert.ErrorIs(t, err, errTimeout)
			attempts = append(attempts, attempt)
		}))

	err := r.Do(context.Background(), (&flaky{errs: []error{errTimeout, errTimeout, errTimeout}}).call)
	assert.ErrorIs(t, err, errTimeout)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetrier_Backoff(t *testing.T) {
	r := New(WithInitialInterval(time.Second), WithMaxInterval(5*time.Second), WithMultiplier(2), WithJitter(0))

	delay := time.Second
	var seen []time.Duration
	for i := 0; i < 4; i++ {
		seen = append(seen, r.withJitter(delay))
		delay = r.grow(delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, seen)

	jittered := New(WithJitter(0.5))
	for i := 0; i < 20; i++ {
		d := jittered.withJitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDoWithData(t *testing.T) {
	r := New(WithMaxRetries(1), WithInitialInterval(time.Millisecond))

	calls := 0
	balances, err := DoWithData(r, context.Background(), func(context.Context) ([]string, error) {
		calls++
		if calls == 1 {
			return []string{"partial"}, errTimeout
		}
		return []string{"BTC", "USDT"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "USDT"}, balances)

	got, err := DoWithData(r, context.Background(), func(context.Context) ([]string, error) {
		return []string{"partial"}, errBadKey
	})
	assert.ErrorIs(t, err, errBadKey)
	assert.Nil(t, got)
}
