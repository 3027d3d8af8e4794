package config

import (
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1 second", time.Second},
		{"90 seconds", 90 * time.Second},
		{"5 minutes", 5 * time.Minute},
		{"12h", 12 * time.Hour},
		{"4 days", 4 * 24 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"6 months", 180 * 24 * time.Hour},
		{"30 years", 30 * 365 * 24 * time.Hour},
		{"1 hour 30 minutes", 90 * time.Minute},
		{"1.5 hours", 90 * time.Minute},
	}
	for _, c := range cases {
		got, err := ParseInterval(c.in)
		if err != nil {
			t.Errorf("%q: %s", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q: got %s want %s", c.in, got, c.want)
		}
	}
}

func TestParseIntervalRejects(t *testing.T) {
	for _, bad := range []string{"", "30", "soon", "4 fortnights", "x days"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
