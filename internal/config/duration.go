package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration wraps time.Duration with YAML (un)marshalling that accepts the
// shapes spec.md's duration fields allow: a bare integer (seconds), or an
// integer/fractional value suffixed with s, ms, or m.
type Duration time.Duration

// ParseDuration parses a duration string per the rules above.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(time.Duration(n * float64(time.Second))), nil
	}

	var unit time.Duration
	var numPart string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		numPart = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		numPart = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit = time.Minute
		numPart = strings.TrimSuffix(s, "m")
	default:
		return 0, fmt.Errorf("invalid duration %q: expected bare seconds or a value suffixed with s, ms, or m", s)
	}

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(time.Duration(n * float64(unit))), nil
}

// UnmarshalYAML implements goccy/go-yaml's custom unmarshaller interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
	case uint64:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration value of type %T", raw)
	}
	return nil
}

// MarshalYAML renders the duration back out in seconds-suffixed form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64) + "s", nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the standard library time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
