package reconcile

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultInterval = 30 * time.Second
	// minSleep keeps a zero interval from spinning.
	minSleep = 100 * time.Millisecond
)

var intervalPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseInterval accepts "<n>s", "<n>m" or "<n>h", case-insensitive.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q: want <n>s, <n>m or <n>h", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	unit := map[string]time.Duration{"s": time.Second, "m": time.Minute, "h": time.Hour}[m[2]]
	if n > int64(1<<62)/int64(unit) {
		return 0, fmt.Errorf("invalid interval %q: too large", s)
	}
	return time.Duration(n) * unit, nil
}

// IntervalOrDefault parses s and falls back to DefaultInterval with a warning.
func IntervalOrDefault(s string, logger *slog.Logger) time.Duration {
	d, err := ParseInterval(s)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("invalid queue interval, using default", "interval", s, "default", DefaultInterval, "error", err)
		return DefaultInterval
	}
	return d
}
