package config_test

import (
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO", "verbose"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"500ms", 500 * time.Millisecond, true},
		{"2m", 2 * time.Minute, true},
		{"1h30m", 90 * time.Minute, true},
		{"0s", 0, true},
		{"soon", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		var d config.Duration
		err := d.UnmarshalText([]byte(tc.in))
		if tc.ok != (err == nil) {
			t.Errorf("%q: error = %v, want ok=%v", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && d.Std() != tc.want {
			t.Errorf("%q: got %s, want %s", tc.in, d.Std(), tc.want)
		}
	}
}
