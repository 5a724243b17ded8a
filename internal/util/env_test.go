package util

import (
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
		{"", false, false},
		{"TRUE", false, true},
		{" yes ", false, true},
		{"on", false, true},
		{"1", false, true},
		{"off", true, false},
		{"No", true, false},
		{"0", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv("SS_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("SS_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 1500 * time.Millisecond
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"0s", 0},
		{"250ms", 250 * time.Millisecond},
		{" 2h ", 2 * time.Hour},
		{"-1s", def},
		{"soon", def},
		{"15", def},
	}
	for _, tt := range tests {
		t.Setenv("SS_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("SS_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
