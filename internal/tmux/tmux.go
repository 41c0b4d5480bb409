// Package tmux wraps the tmux binary via subprocess. Every agent except the
// Owner lives in a tmux pane; the dispatcher and the session lifecycle drive
// panes exclusively through this wrapper.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Common errors surfaced from tmux stderr.
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultDebounceMs is the paste-to-Enter delay used by SendKeys.
const DefaultDebounceMs = 100

// Tmux wraps tmux operations.
type Tmux struct{}

// New creates a new Tmux wrapper.
func New() *Tmux {
	return &Tmux{}
}

// run executes a tmux command and returns trimmed stdout.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError classifies tmux stderr into the sentinel errors.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// IsAvailable reports whether the tmux binary is on PATH.
func (t *Tmux) IsAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// NewSession creates a new detached session.
func (t *Tmux) NewSession(name, workDir, windowName string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if windowName != "" {
		args = append(args, "-n", windowName)
	}
	_, err := t.run(args...)
	return err
}

// HasSession checks for an exact session name. The "=" prefix disables
// tmux's prefix matching.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// KillSession terminates a session.
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", "="+name)
	return err
}

// RenameSession renames an existing session.
func (t *Tmux) RenameSession(oldName, newName string) error {
	_, err := t.run("rename-session", "-t", "="+oldName, newName)
	return err
}

// ListSessions returns all session names, empty when no server runs.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// NewWindow adds a named window to a session.
func (t *Tmux) NewWindow(session, windowName, workDir string) error {
	args := []string{"new-window", "-d", "-t", "=" + session, "-n", windowName}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := t.run(args...)
	return err
}

// SplitPane splits the target pane. vertical=true stacks panes top/bottom.
func (t *Tmux) SplitPane(target string, vertical bool, workDir string) error {
	dir := "-h"
	if vertical {
		dir = "-v"
	}
	args := []string{"split-window", "-d", dir, "-t", target}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := t.run(args...)
	return err
}

// SelectLayout applies a layout ("tiled", "even-horizontal", ...) to a window.
func (t *Tmux) SelectLayout(target, layout string) error {
	_, err := t.run("select-layout", "-t", target, layout)
	return err
}

// SetPaneTitle labels a pane so operators can tell workers apart.
func (t *Tmux) SetPaneTitle(target, title string) error {
	_, err := t.run("select-pane", "-t", target, "-T", title)
	return err
}

// SendKeys sends text to a pane and presses Enter, with the default
// debounce between paste and Enter.
func (t *Tmux) SendKeys(target, keys string) error {
	return t.SendKeysDebounced(target, keys, DefaultDebounceMs)
}

// SendKeysDebounced sends text in literal mode, waits, then sends Enter as
// a separate command. The delay prevents Enter from arriving before the
// paste has been processed by the application in the pane.
func (t *Tmux) SendKeysDebounced(target, keys string, debounceMs int) error {
	if _, err := t.run("send-keys", "-t", target, "-l", keys); err != nil {
		return err
	}
	if debounceMs > 0 {
		time.Sleep(time.Duration(debounceMs) * time.Millisecond)
	}
	_, err := t.run("send-keys", "-t", target, "Enter")
	return err
}

// SendKeysRaw sends key names (e.g. "C-c", "Enter") without literal mode.
func (t *Tmux) SendKeysRaw(target, keys string) error {
	_, err := t.run("send-keys", "-t", target, keys)
	return err
}

// CapturePane returns the last n lines of a pane's visible history.
// n <= 0 captures the full visible pane.
func (t *Tmux) CapturePane(target string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", target}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	return t.run(args...)
}

// PaneExists checks whether a pane target ("sess:win.pane") resolves.
func (t *Tmux) PaneExists(target string) bool {
	_, err := t.run("display-message", "-p", "-t", target, "#{pane_id}")
	return err == nil
}

// ListPanes returns the pane indexes of one window.
func (t *Tmux) ListPanes(target string) ([]int, error) {
	out, err := t.run("list-panes", "-t", target, "-F", "#{pane_index}")
	if err != nil {
		return nil, err
	}
	var panes []int
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		idx, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parse pane index %q: %w", line, err)
		}
		panes = append(panes, idx)
	}
	return panes, nil
}
