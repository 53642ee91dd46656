package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errEndpoint = errors.New("endpoint down")

func failing() error { return errEndpoint }
func succeeding() error { return nil }

func TestBreaker_StaysClosedUnderSuccess(t *testing.T) {
	b := New(DefaultConfig("test"))
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Execute(succeeding))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New(DefaultConfig("test"))
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(failing), errEndpoint)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(succeeding), ErrOpen)
}

func TestBreaker_SuccessResetsTheConsecutiveCount(t *testing.T) {
	b := New(DefaultConfig("test"))
	for i := 0; i < 4; i++ {
		_ = b.Execute(failing)
	}
	require.NoError(t, b.Execute(succeeding))
	for i := 0; i < 4; i++ {
		_ = b.Execute(failing)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbesAndRecloses(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = b.Execute(failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// MaxProbes consecutive successes close the circuit again.
	for i := 0; i < int(cfg.MaxProbes); i++ {
		require.NoError(t, b.Execute(succeeding))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = b.Execute(failing)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(failing)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_EachExecuteCountsOneRequest(t *testing.T) {
	b := New(DefaultConfig("test"))
	require.NoError(t, b.Execute(succeeding))
	require.NoError(t, b.Execute(succeeding))
	_ = b.Execute(failing)

	counts := b.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestBreaker_HalfOpenAdmitsExactlyMaxProbes(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxProbes = 2
	b := New(cfg)

	for i := 0; i < 5; i++ {
		_ = b.Execute(failing)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Probes that never report back hold their admission slots.
	release := make(chan struct{})
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(func() error {
				<-release
				return nil
			})
		}()
	}
	assert.Eventually(t, func() bool {
		return b.Counts().Requests == 2
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, b.Execute(succeeding), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
