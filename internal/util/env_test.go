package util

import "testing"

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
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("PACEPIPE_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("PACEPIPE_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestEnvWithPrefix(t *testing.T) {
	t.Setenv("PPTEST_CPM_TYPING", "250")
	t.Setenv("PPTEST_ENABLED", "false")
	t.Setenv("PPTEST_EMPTY", " ")
	t.Setenv("OTHER_CPM_TYPING", "999")

	got := EnvWithPrefix("PPTEST_")
	if len(got) != 2 {
		t.Fatalf("EnvWithPrefix = %v, want 2 entries", got)
	}
	if got["cpm_typing"] != "250" || got["enabled"] != "false" {
		t.Errorf("EnvWithPrefix = %v", got)
	}
}
