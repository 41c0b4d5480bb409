package domain

import "testing"

func TestWorkerIndex(t *testing.T) {
	tests := []struct {
		window, pane, want int
	}{
		{0, 1, 1},
		{0, 2, 2},
		{0, 6, 6},
		{1, 0, 7},
		{1, 9, 16},
		{2, 0, 17},
		{2, 4, 21},
		// Window 0 pane 0 is the admin pane, not a worker slot.
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := WorkerIndex(tt.window, tt.pane); got != tt.want {
			t.Errorf("WorkerIndex(%d, %d) = %d, want %d", tt.window, tt.pane, got, tt.want)
		}
	}
}

func TestWorkerPane_RoundTrip(t *testing.T) {
	for idx := 1; idx <= 26; idx++ {
		win, pane := WorkerPane(idx)
		if got := WorkerIndex(win, pane); got != idx {
			t.Errorf("WorkerPane(%d) = (%d, %d), WorkerIndex back = %d", idx, win, pane, got)
		}
	}
}

func TestWorkerPane_WindowBoundaries(t *testing.T) {
	tests := []struct {
		idx, window, pane int
	}{
		// Worker 6 is the last main-window slot; extras start at 7.
		{6, 0, 6},
		{7, 1, 0},
		{16, 1, 9},
		{17, 2, 0},
		{26, 2, 9},
	}
	for _, tt := range tests {
		win, pane := WorkerPane(tt.idx)
		if win != tt.window || pane != tt.pane {
			t.Errorf("WorkerPane(%d) = (%d, %d), want (%d, %d)",
				tt.idx, win, pane, tt.window, tt.pane)
		}
	}
}

func TestWorkerName(t *testing.T) {
	win, pane := 0, 3
	if got := WorkerName("worker-003", CliClaude, &win, &pane); got != "claude3" {
		t.Errorf("got %q", got)
	}
	if got := WorkerName("worker-003", CliCursor, &win, &pane); got != "worker3" {
		t.Errorf("unknown cli prefix: got %q", got)
	}
	// Fallback to the trailing digits of the agent id.
	if got := WorkerName("worker-0042", CliCodex, nil, nil); got != "codex42" {
		t.Errorf("fallback: got %q", got)
	}
}

func TestDisplayLabel(t *testing.T) {
	if got := DisplayLabel(&Agent{ID: "o", Role: RoleOwner}); got != "owner" {
		t.Errorf("got %q", got)
	}
	if got := DisplayLabel(&Agent{ID: "a", Role: RoleAdmin}); got != "admin" {
		t.Errorf("got %q", got)
	}
	win, pane := 1, 0
	w := &Agent{ID: "worker-007", Role: RoleWorker, AICli: CliGemini, WindowIndex: &win, PaneIndex: &pane}
	if got := DisplayLabel(w); got != "gemini7" {
		t.Errorf("got %q", got)
	}
}
