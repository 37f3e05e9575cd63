package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var rfc2822Layouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-07:00",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 +0000 (GMT)",
	"2 Jan 2006 15:04:05 -0700",
}

// Now returns the current time in UTC; every timestamp the Persistent State
// Store writes goes through this so rows are comparable across timezones.
func Now() time.Time {
	return time.Now().UTC()
}

// UnmarshalDateTime parses a message's Date header (or any similarly
// free-form timestamp) against RFC3339 first, then a set of RFC 2822-family
// layouts mail servers commonly emit.
func UnmarshalDateTime(input string) (*time.Time, error) {
	if input == "" {
		return nil, nil
	}
	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, input); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New(fmt.Sprintf("cannot parse input as date time %s", input))
}

// durationUnit maps the accepted configuration suffixes (ms|s|m|h|d|w|y)
// to their time.Duration multiple. d/w/y have no
// stdlib ParseDuration equivalent, so callers use this instead of
// time.ParseDuration for every duration-shaped config knob (dead-letter
// delays, processed_ttl, audit_retention, poll interval).
var durationUnit = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParseDuration parses a numeric value followed by one of the suffixes above,
// e.g. "5m", "24h", "30d". It rejects anything time.ParseDuration would
// normally accept but this format does not (no compound durations like
// "1h30m"; a value is one number plus one unit).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"ms", "s", "m", "h", "d", "w", "y"} {
		if strings.HasSuffix(s, suffix) {
			numPart := strings.TrimSuffix(s, suffix)
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "invalid duration %q", s)
			}
			return time.Duration(n * float64(durationUnit[suffix])), nil
		}
	}
	return 0, errors.Errorf("duration %q has no recognized ms|s|m|h|d|w|y suffix", s)
}
