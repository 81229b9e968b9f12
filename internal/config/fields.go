package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

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

// ParseIntRange parses "lo-hi" or a single "n". Empty keeps the defaults.
func ParseIntRange(path, raw string, defLo, defHi int) (int, int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return defLo, defHi, nil
	}
	loS, hiS, isRange := strings.Cut(s, "-")
	if !isRange {
		hiS = loS
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(loS))
	hi, err2 := strconv.Atoi(strings.TrimSpace(hiS))
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("%s: invalid range %q", path, raw)
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("%s: range %q must satisfy 0 <= lo <= hi", path, raw)
	}
	return lo, hi, nil
}

// ParseSecondsRange parses "lo-hi" seconds. "_" disables the range (0, 0).
// Go duration bounds such as "500ms-2s" are accepted too.
func ParseSecondsRange(path, raw string, defLo, defHi time.Duration) (time.Duration, time.Duration, error) {
	s := strings.TrimSpace(raw)
	switch s {
	case "":
		return defLo, defHi, nil
	case "_":
		return 0, 0, nil
	}
	loS, hiS, isRange := strings.Cut(s, "-")
	if !isRange {
		hiS = loS
	}
	lo, err1 := parseSeconds(loS)
	hi, err2 := parseSeconds(hiS)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("%s: invalid range %q", path, raw)
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("%s: range %q must satisfy 0 <= lo <= hi", path, raw)
	}
	return lo, hi, nil
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
