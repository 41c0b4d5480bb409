package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// Worker grid layout: window 0 holds the admin pane plus workers 1-6;
// every additional window holds 10 workers in a fixed 2x5 grid.
const workersPerExtraWindow = 10

// WorkerIndex resolves the 1-based worker number from a tmux placement.
// Returns 0 when the placement does not map to a worker slot.
func WorkerIndex(windowIndex, paneIndex int) int {
	if windowIndex == 0 && paneIndex >= 1 {
		return paneIndex
	}
	if windowIndex >= 1 && paneIndex >= 0 {
		return 6 + (windowIndex-1)*workersPerExtraWindow + paneIndex + 1
	}
	return 0
}

// WorkerPane is the inverse of WorkerIndex: the tmux placement for a
// 1-based worker number.
func WorkerPane(workerIndex int) (windowIndex, paneIndex int) {
	if workerIndex <= 6 {
		return 0, workerIndex
	}
	extra := workerIndex - 7
	return 1 + extra/workersPerExtraWindow, extra % workersPerExtraWindow
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// agentIndexSuffix extracts the trailing digits of an agent ID, used as a
// display fallback when no tmux placement is known.
func agentIndexSuffix(agentID string) string {
	if m := trailingDigits.FindString(agentID); m != "" {
		trimmed := strings.TrimLeft(m, "0")
		if trimmed == "" {
			return "0"
		}
		return trimmed
	}
	if len(agentID) > 4 {
		return agentID[:4]
	}
	return agentID
}

// WorkerName builds the display name for a worker: CLI prefix plus worker
// number, e.g. "claude3". Unknown CLIs fall back to "worker".
func WorkerName(agentID string, cli AICli, windowIndex, paneIndex *int) string {
	prefix := strings.ToLower(string(cli))
	switch prefix {
	case "claude", "codex", "gemini":
	default:
		prefix = "worker"
	}
	if windowIndex != nil && paneIndex != nil {
		if idx := WorkerIndex(*windowIndex, *paneIndex); idx > 0 {
			return prefix + strconv.Itoa(idx)
		}
	}
	return prefix + agentIndexSuffix(agentID)
}

// DisplayLabel maps an agent to its dashboard label. Owner and Admin render
// as their role names; workers as WorkerName.
func DisplayLabel(a *Agent) string {
	switch a.Role {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleWorker:
		return WorkerName(a.ID, a.AICli, a.WindowIndex, a.PaneIndex)
	}
	return string(a.Role)
}
