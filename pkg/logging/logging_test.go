package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"debug", "debug", false},
		{"", "info", false},
		{"INFO", "info", false},
		{"warning", "warn", false},
		{"error", "error", false},
		{"loud", "info", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got.String() != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(%s): %v", format, err)
		}
		if !l.Core().Enabled(zap.DebugLevel) {
			t.Errorf("%s logger should have debug enabled", format)
		}
	}
	if _, err := New("chatty", "json"); err == nil {
		t.Error("New should reject an unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
