package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval reads a timing key such as monitor.poll_interval. It takes Go
// duration strings ("90s", "10m") or a bare number of seconds ("600", "2.5").
// Empty and zero values yield def; negative values are rejected.
func Interval(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is neither a duration nor seconds", path, raw)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
