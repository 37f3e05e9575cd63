package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	initial := 5 * time.Minute
	maxDelay := 24 * time.Hour

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, 80 * time.Minute},
	}
	for _, c := range cases {
		got := backoffDelay(c.attempts, initial, maxDelay, 2)
		assert.Equal(t, c.want, got, "attempts=%d", c.attempts)
	}
}

func TestBackoffDelay_CapsAtMaxDelay(t *testing.T) {
	got := backoffDelay(20, 5*time.Minute, 24*time.Hour, 2)
	assert.Equal(t, 24*time.Hour, got)
}

func TestPodIdentity_DefaultsToLocal(t *testing.T) {
	t.Setenv("POD_NAME", "")
	assert.Equal(t, "local", PodIdentity())
}

func TestPodIdentity_UsesPodNameEnv(t *testing.T) {
	t.Setenv("POD_NAME", "mailpilot-7c9f")
	assert.Equal(t, "mailpilot-7c9f", PodIdentity())
}
