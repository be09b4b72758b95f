package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string field such as
// dispatch.tick_interval ("10s") or storage.busy_timeout ("500ms").
// Empty or whitespace-only means "unset" and parses to 0; the path names
// the field in the error so a bad reload pinpoints its cause.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with an unset fallback, for
// call sites that need a concrete value (timeouts, tick cadence).
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
