// Package worktree manages per-worker git worktrees. When the gtr helper
// (git-worktree-runner) is installed it is preferred for create/remove;
// otherwise plain git worktree commands are used.
package worktree

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/jaakkos/tmuxcrew/internal/gitutil"
)

// Info describes one entry from git worktree list --porcelain.
type Info struct {
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit"`
	Bare     bool   `json:"is_bare"`
	Detached bool   `json:"is_detached"`
	Locked   bool   `json:"locked"`
	Prunable bool   `json:"prunable"`
}

// Status is the digest returned by get_worktree_status.
type Status struct {
	Path         string `json:"path"`
	Branch       string `json:"branch"`
	Commit       string `json:"commit"`
	ChangedFiles int    `json:"changed_files"`
}

// Manager drives worktree operations against one main repository.
type Manager struct {
	repo   string
	logger *log.Logger

	gtrOnce sync.Once
	gtrOK   bool
}

// NewManager builds a manager for the given main repository path.
func NewManager(repo string, logger *log.Logger) *Manager {
	return &Manager{repo: repo, logger: logger}
}

// Repo returns the main repository path.
func (m *Manager) Repo() string { return m.repo }

// IsGitRepo reports whether the managed path is a git repository.
func (m *Manager) IsGitRepo() bool { return gitutil.IsRepo(m.repo) }

// GtrAvailable detects the gtr helper once and caches the answer.
func (m *Manager) GtrAvailable() bool {
	m.gtrOnce.Do(func() {
		_, err := gitutil.Run(m.repo, "gtr", "--version")
		m.gtrOK = err == nil
		if m.logger != nil {
			if m.gtrOK {
				m.logger.Print("worktree: using gtr (git-worktree-runner)")
			} else {
				m.logger.Print("worktree: gtr not found, using plain git worktree")
			}
		}
	})
	return m.gtrOK
}

// Create adds a worktree at path on branch. With createBranch the branch is
// created from baseBranch (or HEAD). Returns the actual worktree path,
// which may differ from the requested one when gtr picks its own location.
func (m *Manager) Create(path, branch string, createBranch bool, baseBranch string) (string, error) {
	if m.GtrAvailable() {
		args := []string{"gtr", "new", branch}
		if baseBranch != "" {
			args = append(args, "--from", baseBranch)
		}
		if _, err := gitutil.Run(m.repo, args...); err != nil {
			return "", fmt.Errorf("gtr new %s: %w", branch, err)
		}
		actual, err := m.PathForBranch(branch)
		if err != nil {
			return "", err
		}
		if m.logger != nil {
			m.logger.Printf("worktree: created via gtr: %s (%s)", branch, actual)
		}
		return actual, nil
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("path already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent dir: %w", err)
	}
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch, path)
		if baseBranch != "" {
			args = append(args, baseBranch)
		}
	} else {
		args = append(args, path, branch)
	}
	if _, err := gitutil.Run(m.repo, args...); err != nil {
		return "", fmt.Errorf("worktree add: %w", err)
	}
	if m.logger != nil {
		m.logger.Printf("worktree: created %s (%s)", path, branch)
	}
	return path, nil
}

// workerBranchPattern matches branches the remover is allowed to delete
// alongside their worktree.
var workerBranchPattern = regexp.MustCompile(`^feature/.+-worker-\d+-[0-9a-z]+$`)

func isWorkerBranch(branch string) bool {
	if branch == "" {
		return false
	}
	return strings.HasPrefix(branch, "worker-") || workerBranchPattern.MatchString(branch)
}

// Remove deletes a worktree by path or branch. Worker branches are deleted
// with the worktree; other branches are left alone.
func (m *Manager) Remove(pathOrBranch string, force bool) error {
	if m.GtrAvailable() {
		branch := m.resolveBranch(pathOrBranch)
		args := []string{"gtr", "rm", branch}
		if force {
			args = append(args, "--force")
		}
		if _, err := gitutil.Run(m.repo, args...); err != nil {
			return fmt.Errorf("gtr rm %s: %w", branch, err)
		}
		return nil
	}

	path := pathOrBranch
	branch := ""
	worktrees, err := m.List()
	if err == nil {
		for _, wt := range worktrees {
			if wt.Path == path || wt.Branch == pathOrBranch {
				path = wt.Path
				branch = wt.Branch
				break
			}
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := gitutil.Run(m.repo, args...); err != nil {
		return fmt.Errorf("worktree remove: %w", err)
	}
	_ = m.Prune()

	if isWorkerBranch(branch) && gitutil.BranchExists(m.repo, branch) {
		if err := gitutil.DeleteBranch(m.repo, branch); err != nil && m.logger != nil {
			m.logger.Printf("worktree: branch delete failed for %s: %v", branch, err)
		}
	}
	return nil
}

func (m *Manager) resolveBranch(pathOrBranch string) string {
	normalized, err := filepath.Abs(pathOrBranch)
	if err != nil {
		return pathOrBranch
	}
	worktrees, err := m.List()
	if err != nil {
		return pathOrBranch
	}
	for _, wt := range worktrees {
		if wt.Path == normalized {
			return wt.Branch
		}
	}
	return pathOrBranch
}

// List parses git worktree list --porcelain.
func (m *Manager) List() ([]Info, error) {
	out, err := gitutil.Run(m.repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var infos []Info
	current := map[string]string{}
	flush := func() {
		if len(current) == 0 {
			return
		}
		infos = append(infos, Info{
			Path:     current["worktree"],
			Branch:   strings.TrimPrefix(current["branch"], "refs/heads/"),
			Commit:   current["HEAD"],
			Bare:     current["bare"] != "",
			Detached: current["detached"] != "",
			Locked:   current["locked"] != "",
			Prunable: current["prunable"] != "",
		})
		current = map[string]string{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if key, value, found := strings.Cut(line, " "); found {
			current[key] = value
		} else {
			current[line] = "true"
		}
	}
	flush()
	return infos, nil
}

// PathForBranch returns the worktree path checked out on branch, or "".
func (m *Manager) PathForBranch(branch string) (string, error) {
	worktrees, err := m.List()
	if err != nil {
		return "", err
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			return wt.Path, nil
		}
	}
	return "", nil
}

// GetStatus queries branch, commit and changed-file count of one worktree.
func (m *Manager) GetStatus(path string) (Status, error) {
	status := Status{Path: path}
	branch, err := gitutil.CurrentBranch(path)
	if err != nil {
		return status, err
	}
	status.Branch = branch
	if commit, err := gitutil.Run(path, "rev-parse", "--short", "HEAD"); err == nil {
		status.Commit = commit
	}
	if out, err := gitutil.Run(path, "status", "--porcelain"); err == nil && out != "" {
		status.ChangedFiles = len(strings.Split(out, "\n"))
	}
	return status, nil
}

// Prune drops stale worktree bookkeeping.
func (m *Manager) Prune() error {
	_, err := gitutil.Run(m.repo, "worktree", "prune")
	return err
}

var unsafeBranchPart = regexp.MustCompile(`[^0-9A-Za-z._-]+`)

// sanitizeBranchPart normalizes a value for use inside a branch name.
func sanitizeBranchPart(value string) string {
	cleaned := strings.Trim(unsafeBranchPart.ReplaceAllString(value, "-"), "-")
	if cleaned == "" {
		return "main"
	}
	return cleaned
}

// WorkerBranch builds a per-worker branch name from the session id, the
// worker slot number and a fresh 6-hex nonce.
func WorkerBranch(sessionID string, workerNo int) string {
	base := strings.TrimPrefix(strings.TrimSpace(sessionID), "feature/")
	nonce := make([]byte, 3)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; keep the
		// branch unique enough with a fixed marker.
		return fmt.Sprintf("feature/%s-worker-%d-000000", sanitizeBranchPart(base), workerNo)
	}
	return fmt.Sprintf("feature/%s-worker-%d-%s",
		sanitizeBranchPart(base), workerNo, hex.EncodeToString(nonce))
}

// EnsureWorkerWorktree creates the dispatch-time worktree for one worker.
// The worktree lives beside the repository under .worktrees/<branch>.
func (m *Manager) EnsureWorkerWorktree(sessionID string, workerNo int, baseBranch string) (path, branch string, err error) {
	branch = WorkerBranch(sessionID, workerNo)
	dir := filepath.Join(filepath.Dir(m.repo), ".worktrees", branch)
	path, err = m.Create(dir, branch, true, baseBranch)
	if err != nil {
		return "", "", err
	}
	return path, branch, nil
}
