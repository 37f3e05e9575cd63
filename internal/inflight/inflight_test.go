package inflight

import (
	"sync"
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

func TestTracker_StartComplete(t *testing.T) {
	tr := New(getLogger())

	require.True(t, tr.Start("op1"))
	assert.Equal(t, 1, tr.Count())

	tr.Complete("op1")
	assert.Equal(t, 0, tr.Count())
}

func TestTracker_CompleteUnknownIsNoop(t *testing.T) {
	tr := New(getLogger())
	tr.Complete("never-started")
	assert.Equal(t, 0, tr.Count())
}

func TestTracker_WaitForAll_DrainsImmediately(t *testing.T) {
	tr := New(getLogger())
	assert.True(t, tr.WaitForAll(10*time.Millisecond))
}

func TestTracker_WaitForAll_TimesOutWithoutMutating(t *testing.T) {
	tr := New(getLogger())
	tr.Start("slow-op")

	ok := tr.WaitForAll(50 * time.Millisecond)

	assert.False(t, ok)
	assert.Equal(t, 1, tr.Count(), "WaitForAll must not mutate the map on timeout")
}

func TestTracker_WaitForAll_SucceedsOnceCompleted(t *testing.T) {
	tr := New(getLogger())
	tr.Start("op")

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Complete("op")
	}()

	assert.True(t, tr.WaitForAll(500*time.Millisecond))
}

func TestTracker_RefuseBlocksNewStarts(t *testing.T) {
	tr := New(getLogger())
	tr.Refuse()

	assert.False(t, tr.Start("too-late"))
	assert.Equal(t, 0, tr.Count())
}

func TestTracker_Guard(t *testing.T) {
	tr := New(getLogger())
	var ran bool

	tr.Guard("op", func() {
		ran = true
		assert.Equal(t, 1, tr.Count())
	})

	assert.True(t, ran)
	assert.Equal(t, 0, tr.Count())
}

func TestTracker_GuardSkipsWhenRefusing(t *testing.T) {
	tr := New(getLogger())
	tr.Refuse()
	var ran bool

	tr.Guard("op", func() { ran = true })

	assert.False(t, ran)
}

func TestTracker_Shutdown_DrainsWithinTimeout(t *testing.T) {
	tr := New(getLogger())
	tr.Start("op")

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Complete("op")
	}()

	tr.Shutdown(200*time.Millisecond, 150*time.Millisecond)

	assert.False(t, tr.Start("after-shutdown"), "Shutdown must leave the tracker refusing new work")
}

func TestTracker_ConcurrentStartComplete(t *testing.T) {
	tr := New(getLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "op"
			tr.Start(id + string(rune('a'+i%26)))
			time.Sleep(time.Millisecond)
			tr.Complete(id + string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Count())
}
