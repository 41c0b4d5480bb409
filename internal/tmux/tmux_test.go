package tmux

import (
	"errors"
	"testing"
)

func TestWrapError_Classification(t *testing.T) {
	tm := New()
	base := errors.New("exit status 1")

	tests := []struct {
		stderr string
		want   error
	}{
		{"no server running on /tmp/tmux-1000/default", ErrNoServer},
		{"error connecting to /tmp/tmux-1000/default", ErrNoServer},
		{"duplicate session: proj-abc", ErrSessionExists},
		{"session not found: proj-abc", ErrSessionNotFound},
		{"can't find session: proj-abc", ErrSessionNotFound},
	}
	for _, tt := range tests {
		got := tm.wrapError(base, tt.stderr, []string{"has-session"})
		if !errors.Is(got, tt.want) {
			t.Errorf("stderr %q: got %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestWrapError_Passthrough(t *testing.T) {
	tm := New()
	got := tm.wrapError(errors.New("exit status 1"), "some other failure", []string{"send-keys"})
	if got == nil {
		t.Fatal("expected error")
	}
	if errors.Is(got, ErrNoServer) || errors.Is(got, ErrSessionExists) || errors.Is(got, ErrSessionNotFound) {
		t.Errorf("unexpected classification: %v", got)
	}
}
