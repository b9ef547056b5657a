package config

import (
	"testing"
	"time"
)

func TestParseDurationBareSecondsIsFractional(t *testing.T) {
	d, err := ParseDuration("1.5")
	if err != nil {
		t.Fatalf("ParseDuration: %v", err)
	}
	if d.Std() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", d.Std())
	}
}

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"250ms": 250 * time.Millisecond,
		"30s":   30 * time.Second,
		"2m":    2 * time.Minute,
	}
	for in, want := range cases {
		d, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if d.Std() != want {
			t.Fatalf("ParseDuration(%q) = %s, want %s", in, d.Std(), want)
		}
	}
}

func TestParseDurationEmptyIsZero(t *testing.T) {
	d, err := ParseDuration("")
	if err != nil {
		t.Fatalf("ParseDuration: %v", err)
	}
	if d.Std() != 0 {
		t.Fatalf("expected zero duration, got %s", d.Std())
	}
}

func TestParseDurationRejectsUnknownSuffix(t *testing.T) {
	if _, err := ParseDuration("5h"); err == nil {
		t.Fatal("expected an error for an unsupported suffix")
	}
}

func TestDurationUnmarshalYAMLTypes(t *testing.T) {
	var d Duration
	if err := d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*interface{})) = 5
		return nil
	}); err != nil {
		t.Fatalf("UnmarshalYAML(int): %v", err)
	}
	if d.Std() != 5*time.Second {
		t.Fatalf("expected int 5 to parse as 5s, got %s", d.Std())
	}

	if err := d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*interface{})) = "250ms"
		return nil
	}); err != nil {
		t.Fatalf("UnmarshalYAML(string): %v", err)
	}
	if d.Std() != 250*time.Millisecond {
		t.Fatalf("expected \"250ms\" to parse to 250ms, got %s", d.Std())
	}
}
