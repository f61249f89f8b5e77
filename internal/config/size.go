package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	kibibyte = 1 << 10
	mebibyte = 1 << 20
	gibibyte = 1 << 30
	tebibyte = 1 << 40
)

// sizeUnits maps an upper-cased suffix to its multiplier. SI suffixes are
// powers of 1000, IEC suffixes powers of 1024.
var sizeUnits = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KIB": kibibyte,
	"MIB": mebibyte,
	"GIB": gibibyte,
	"TIB": tebibyte,
}

// ParseSize converts sizes such as "10MiB", "1.5 GB" or "4096" to bytes.
// An empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	split := strings.LastIndexAny(s, "0123456789.") + 1
	num, unit := strings.TrimSpace(s[:split]), strings.ToUpper(strings.TrimSpace(s[split:]))

	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, s[split:])
	}

	if num == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	if strings.HasPrefix(num, "-") {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	if mult == 1 {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		return n, nil
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	bytes := f * float64(mult)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(bytes), nil
}

// ParseRate parses a bandwidth such as "5MB/s" into bytes per second. The
// "/s" is optional and zero means unlimited.
func ParseRate(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) >= 2 && strings.EqualFold(trimmed[len(trimmed)-2:], "/s") {
		trimmed = trimmed[:len(trimmed)-2]
	}

	n, err := ParseSize(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", s, err)
	}

	return n, nil
}

// Duration parses a duration string that has already passed Validate.
// Invalid input yields zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// Bytes parses a size string that has already passed Validate.
// Invalid input yields zero.
func Bytes(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		return 0
	}

	return n
}
