package util

import (
	"log/slog"
	"testing"
)

func TestValueOr(t *testing.T) {
	if got := ValueOr[bool](nil, true); got != true {
		t.Fatalf("ValueOr(nil, true) = %v, want true", got)
	}
	if got := ValueOr[bool](nil, false); got != false {
		t.Fatalf("ValueOr(nil, false) = %v, want false", got)
	}
	val := true
	if got := ValueOr(&val, false); got != true {
		t.Fatalf("ValueOr(true, false) = %v, want true", got)
	}
	val = false
	if got := ValueOr(&val, true); got != false {
		t.Fatalf("ValueOr(false, true) = %v, want false", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("ParseLevel(verbose) expected error")
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := FormatSeconds(0.1); got != "0.1" {
		t.Fatalf("FormatSeconds(0.1) = %q, want 0.1", got)
	}
	if got := FormatSeconds(10); got != "10" {
		t.Fatalf("FormatSeconds(10) = %q, want 10", got)
	}
	if got := NetJoin("10.0.0.1", 8000); got != "10.0.0.1:8000" {
		t.Fatalf("NetJoin = %q", got)
	}
}
