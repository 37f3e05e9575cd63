package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func TestDispatcher_DebouncesBurstIntoOneRun(t *testing.T) {
	var calls int32
	d := New(getLogger(), func(ctx context.Context, account, folder string) {
		atomic.AddInt32(&calls, 1)
	}, 50*time.Millisecond, 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d.Trigger(ctx, "acct", "INBOX")
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "triggers within the debounce window must be dropped silently")
}

func TestDispatcher_TriggerDuringProcessingCoalescesOneRedo(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	d := New(getLogger(), func(ctx context.Context, account, folder string) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			started <- struct{}{}
			<-release
		}
	}, time.Millisecond, 1)

	ctx := context.Background()
	d.Trigger(ctx, "acct", "INBOX")
	<-started

	// Let the debounce window pass so the follow-up triggers coalesce
	// instead of being dropped.
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 10; i++ {
		d.Trigger(ctx, "acct", "INBOX")
	}
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "triggers arriving mid-run coalesce into exactly one redo")
}

func TestDispatcher_QueueStatusReflectsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	d := New(getLogger(), func(ctx context.Context, account, folder string) {
		started <- struct{}{}
		<-release
	}, time.Millisecond, 1)

	ctx := context.Background()
	processing, pending := d.QueueStatus("acct", "INBOX")
	assert.False(t, processing)
	assert.False(t, pending)

	d.Trigger(ctx, "acct", "INBOX")
	<-started

	processing, _ = d.QueueStatus("acct", "INBOX")
	assert.True(t, processing)
	close(release)
}

func TestDispatcher_ShutdownStopsAcceptingNewTriggers(t *testing.T) {
	var calls int32
	d := New(getLogger(), func(ctx context.Context, account, folder string) {
		atomic.AddInt32(&calls, 1)
	}, time.Millisecond, 1)

	d.Shutdown(context.Background())
	d.Trigger(context.Background(), "acct", "INBOX")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
