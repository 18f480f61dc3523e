package progress

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dhcgn/mbox-mood/stats"
)

func TestDisabledBarIsSilent(t *testing.T) {
	for _, tc := range []struct {
		name    string
		total   int
		enabled bool
	}{
		{"disabled", 10, false},
		{"unknown total", 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bar := New(tc.total, tc.enabled)
			if bar.enabled {
				t.Fatal("expected bar to be disabled")
			}
			bar.Observe(stats.Event{Type: stats.EventTypeScanned, Subject: "hello"})
			bar.Observe(stats.Event{Type: stats.EventTypeRecorded, Alert: true})
			bar.Observe(stats.Event{Type: stats.EventTypeError, Err: errors.New("boom")})
			bar.Stop(stats.Summary{Scanned: 1})
			if bar.alerts != 0 {
				t.Errorf("disabled bar counted %d alerts", bar.alerts)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short subject", "short subject"},
		{strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{strings.Repeat("a", 41), strings.Repeat("a", 37) + "..."},
		{strings.Repeat("ü", 45), strings.Repeat("ü", 37) + "..."},
	}
	for _, tc := range tests {
		got := truncate(tc.in, 40)
		if got != tc.want {
			t.Errorf("truncate(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q) produced invalid UTF-8", tc.in)
		}
	}
}
