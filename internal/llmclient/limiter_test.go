package llmclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderState_NewIsHealthy(t *testing.T) {
	st := newProviderState()
	assert.True(t, st.healthy)
	assert.Equal(t, 0, st.consecutiveFailures)
}

func TestProviderState_RecordFailureFlipsUnhealthyAfterThreshold(t *testing.T) {
	st := newProviderState()
	st.recordFailure()
	assert.True(t, st.healthy)
	st.recordFailure()
	assert.True(t, st.healthy)
	st.recordFailure()
	assert.False(t, st.healthy)
	assert.Equal(t, 3, st.consecutiveFailures)
}

func TestProviderState_RecordSuccessResetsFailures(t *testing.T) {
	st := newProviderState()
	st.recordFailure()
	st.recordFailure()
	st.recordFailure()
	assert.False(t, st.healthy)

	st.recordSuccess()
	assert.True(t, st.healthy)
	assert.Equal(t, 0, st.consecutiveFailures)
}

func TestProviderState_StaleWhenNeverChecked(t *testing.T) {
	st := newProviderState()
	assert.True(t, st.stale(time.Now()))
}

func TestProviderState_NotStaleRightAfterSuccess(t *testing.T) {
	st := newProviderState()
	st.recordSuccess()
	assert.False(t, st.stale(time.Now()))
}

func TestProviderState_StaleAfterTenMinutes(t *testing.T) {
	st := newProviderState()
	st.recordSuccess()
	assert.True(t, st.stale(time.Now().Add(11*time.Minute)))
}

func TestProviderState_AcquireRespectsRPMLimit(t *testing.T) {
	st := newProviderState()
	var slept time.Duration
	noSleep := func(d time.Duration) { slept += d }

	for i := 0; i < 3; i++ {
		st.acquire(3, noSleep)
	}
	assert.Equal(t, time.Duration(0), slept, "first 3 acquires under the limit should never sleep")

	st.acquire(3, noSleep)
	assert.Greater(t, slept, time.Duration(0), "4th acquire within the window must wait for the oldest entry to expire")
}

func TestProviderState_PruneRemovesExpiredTimestamps(t *testing.T) {
	st := newProviderState()
	st.window = []time.Time{
		time.Now().Add(-2 * time.Minute),
		time.Now().Add(-30 * time.Second),
	}
	st.pruneLocked(time.Now())
	assert.Len(t, st.window, 1)
}

func TestProviderState_ParkRetryAfterDelaysNextAcquire(t *testing.T) {
	st := newProviderState()
	st.parkRetryAfter(50 * time.Millisecond)

	var slept time.Duration
	st.acquire(0, func(d time.Duration) { slept = d })
	assert.Greater(t, slept, time.Duration(0))
	assert.True(t, st.retryAfter.IsZero(), "retryAfter must be cleared after the wait")
}

func TestProviderState_SnapshotReportsStats(t *testing.T) {
	st := newProviderState()
	st.acquire(0, func(time.Duration) {})
	st.recordSuccess()

	snap := st.snapshot("openai", "gpt-4o-mini", nil)
	assert.Equal(t, "openai", snap.Name)
	assert.Equal(t, 1, snap.RequestsTotal)
	assert.Equal(t, 1, snap.RequestsToday)
	assert.Equal(t, 1, snap.RequestsLastMinute)
	assert.True(t, snap.Healthy)
}
