package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNow(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestUnmarshalDateTime(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		dt, err := UnmarshalDateTime("2006-01-02T15:04:05Z")
		require.NoError(t, err)
		require.NotNil(t, dt)
		assert.Equal(t, "2006-01-02T15:04:05Z", dt.Format(time.RFC3339))
	})

	t.Run("rfc2822 with named zone", func(t *testing.T) {
		dt, err := UnmarshalDateTime("Mon, 2 Jan 2006 15:04:05 MST")
		require.NoError(t, err)
		require.NotNil(t, dt)
	})

	t.Run("empty input returns nil, no error", func(t *testing.T) {
		dt, err := UnmarshalDateTime("")
		require.NoError(t, err)
		assert.Nil(t, dt)
	})

	t.Run("unparseable input errors", func(t *testing.T) {
		_, err := UnmarshalDateTime("not a date")
		assert.Error(t, err)
	})
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"5s", 5 * time.Second},
		{"5m", 5 * time.Minute},
		{"24h", 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"2w", 2 * 7 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ParseDuration(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	t.Run("rejects unknown suffix", func(t *testing.T) {
		_, err := ParseDuration("5x")
		assert.Error(t, err)
	})

	t.Run("ms is distinguished from m", func(t *testing.T) {
		got, err := ParseDuration("10ms")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Millisecond, got)
	})
}
