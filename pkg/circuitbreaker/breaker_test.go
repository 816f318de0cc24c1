package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	cfg := DefaultConfig("notifications")
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("broker down")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Do(context.Background(), func(context.Context) error { return boom }), boom)
	}

	assert.Equal(t, StateOpen, cb.State())
	called := false
	err = cb.Do(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_SuccessKeepsClosed(t *testing.T) {
	cb, err := New(DefaultConfig("notifications"), nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Do(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(10), cb.Counts().TotalSuccesses)
}

func TestState_Gauge(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Gauge())
	assert.Equal(t, 1.0, StateOpen.Gauge())
	assert.Equal(t, 2.0, StateHalfOpen.Gauge())
}
