package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("VLM_TEST_STR", "  hello  ")
	if got := EnvString("VLM_TEST_STR", "def"); got != "hello" {
		t.Fatalf("EnvString=%q want %q", got, "hello")
	}
	if got := EnvString("VLM_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString missing=%q want %q", got, "def")
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		in   string
		def  bool
		want bool
	}{
		{in: "true", def: false, want: true},
		{in: "1", def: false, want: true},
		{in: "false", def: true, want: false},
		{in: "0", def: true, want: false},
		{in: "nonsense", def: true, want: true},
		{in: "", def: false, want: false},
	}

	for _, tc := range cases {
		t.Setenv("VLM_TEST_BOOL", tc.in)
		if got := EnvBool("VLM_TEST_BOOL", tc.def); got != tc.want {
			t.Fatalf("EnvBool(%q, %v)=%v want=%v", tc.in, tc.def, got, tc.want)
		}
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("VLM_TEST_DUR", "250ms")
	if got := EnvDuration("VLM_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDuration=%v want 250ms", got)
	}

	t.Setenv("VLM_TEST_DUR", "not-a-duration")
	if got := EnvDuration("VLM_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration fallback=%v want 1s", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("VLM_TEST_INT", "42")
	if got := EnvInt("VLM_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt=%d want 42", got)
	}

	t.Setenv("VLM_TEST_INT", "4.2")
	if got := EnvInt("VLM_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt fallback=%d want 7", got)
	}
}
