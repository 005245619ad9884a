package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+639171234567": "****4567",
		"123":           "****",
		"":              "****",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger := New("loud", "json")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled when the level is invalid")
	}
}
