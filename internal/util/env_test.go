package util

import (
	"slices"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("FLOWPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("FLOWPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_INT", " 42 ")
	if got := ParseIntEnv("FLOWPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("FLOWPIPE_TEST_INT", "lots")
	if got := ParseIntEnv("FLOWPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"30", 30 * time.Second},
		{"24h", 24 * time.Hour},
		{"1h30m", 90 * time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("FLOWPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestSplitListEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_LIST", " 919876543210, ,14155238886,")
	want := []string{"919876543210", "14155238886"}
	if got := SplitListEnv("FLOWPIPE_TEST_LIST"); !slices.Equal(got, want) {
		t.Errorf("SplitListEnv = %q, want %q", got, want)
	}
	t.Setenv("FLOWPIPE_TEST_LIST", "")
	if got := SplitListEnv("FLOWPIPE_TEST_LIST"); got != nil {
		t.Errorf("SplitListEnv empty = %q, want nil", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_STR", "")
	if got := GetenvDefault("FLOWPIPE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("GetenvDefault = %q", got)
	}
	t.Setenv("FLOWPIPE_TEST_STR", "set")
	if got := GetenvDefault("FLOWPIPE_TEST_STR", "fallback"); got != "set" {
		t.Errorf("GetenvDefault = %q", got)
	}
}
