// Package session owns the workspace lifecycle: project naming, directory
// setup, provisional-id promotion and cleanup. Cleanup terminates only the
// tmux sessions the current agent set references, never every session on
// the host.
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/gitutil"
	"github.com/jaakkos/tmuxcrew/internal/registry"
	"github.com/jaakkos/tmuxcrew/internal/store"
	"github.com/jaakkos/tmuxcrew/internal/worktree"
)

// tmuxClient is the slice of the tmux wrapper the lifecycle needs.
type tmuxClient interface {
	HasSession(name string) (bool, error)
	KillSession(name string) error
	RenameSession(oldName, newName string) error
}

// worktreeRemover removes one worktree by path or branch.
type worktreeRemover interface {
	Remove(pathOrBranch string, force bool) error
}

// SetupResult reports what workspace setup created.
type SetupResult struct {
	CreatedDirs   []string `json:"created_dirs"`
	EnvCreated    bool     `json:"env_created"`
	EnvPath       string   `json:"env_path"`
	ConfigCreated bool     `json:"config_created"`
	ConfigPath    string   `json:"config_path"`
	ProjectRoot   string   `json:"project_root"`
}

// Completion is the all-tasks-done digest used by the cleanup gate.
type Completion struct {
	IsAllCompleted  bool `json:"is_all_completed"`
	TotalTasks      int  `json:"total_tasks"`
	PendingTasks    int  `json:"pending_tasks"`
	InProgressTasks int  `json:"in_progress_tasks"`
	CompletedTasks  int  `json:"completed_tasks"`
	FailedTasks     int  `json:"failed_tasks"`
}

// CleanupResult counts what cleanup released.
type CleanupResult struct {
	TerminatedSessions int `json:"terminated_sessions"`
	ClearedAgents      int `json:"cleared_agents"`
	RemovedWorktrees   int `json:"removed_worktrees"`
	RegistryRemoved    int `json:"registry_removed"`
}

// Manager drives the session lifecycle for one workspace.
type Manager struct {
	settings *config.Settings
	ws       *config.Workspace
	store    *store.Store
	registry *registry.Registry
	tmux     tmuxClient
	logger   *log.Logger

	newRemover func(repo string) worktreeRemover
}

// New builds a lifecycle manager. The tmux client may be nil when the
// caller only needs directory setup.
func New(settings *config.Settings, ws *config.Workspace, st *store.Store, reg *registry.Registry, tm tmuxClient, logger *log.Logger) *Manager {
	m := &Manager{
		settings: settings,
		ws:       ws,
		store:    st,
		registry: reg,
		tmux:     tm,
		logger:   logger,
	}
	m.newRemover = func(repo string) worktreeRemover {
		return worktree.NewManager(repo, logger)
	}
	return m
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// canonicalPath resolves workingDir the way the project hash expects:
// absolute, symlinks resolved when possible.
func canonicalPath(workingDir string) string {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// pathHash is the 6-hex suffix that keeps equally named projects apart.
func pathHash(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:6]
}

// ProjectName derives the tmux session name for a working directory:
// directory basename plus a 6-hex hash of the canonicalised path. With
// enableGit the basename comes from the main repository (the parent of
// the git common dir), and a non-repository directory is an error.
func ProjectName(workingDir string, enableGit bool) (string, error) {
	canonical := canonicalPath(workingDir)
	suffix := pathHash(canonical)

	if !enableGit {
		base := filepath.Base(canonical)
		if base == "" || base == string(filepath.Separator) || base == "." {
			base = "workspace"
		}
		return base + "-" + suffix, nil
	}

	common, err := gitutil.CommonDir(workingDir)
	if err != nil {
		return "", fmt.Errorf("%s は git リポジトリではありません", workingDir)
	}
	return filepath.Base(filepath.Dir(common)) + "-" + suffix, nil
}

// LegacyName strips the hash suffix, yielding the session name older
// releases used.
func LegacyName(projectName string) string {
	idx := strings.LastIndex(projectName, "-")
	if idx <= 0 {
		return projectName
	}
	suffix := projectName[idx+1:]
	if len(suffix) != 6 {
		return projectName
	}
	for _, r := range suffix {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return projectName
		}
	}
	return projectName[:idx]
}

// AdoptLegacySession renames a suffix-less tmux session left by an older
// release to the current project name. Reports whether a rename happened.
func (m *Manager) AdoptLegacySession(projectName string) (bool, error) {
	legacy := LegacyName(projectName)
	if legacy == projectName || m.tmux == nil {
		return false, nil
	}
	exists, err := m.tmux.HasSession(legacy)
	if err != nil || !exists {
		return false, err
	}
	if current, err := m.tmux.HasSession(projectName); err != nil || current {
		return false, err
	}
	if err := m.tmux.RenameSession(legacy, projectName); err != nil {
		return false, fmt.Errorf("rename legacy session %s: %w", legacy, err)
	}
	m.logf("session: renamed legacy tmux session %s -> %s", legacy, projectName)
	return true, nil
}

// EnsureExclusive guarantees no tmux session with the project name is
// alive before a fresh workspace is built. An existing session is treated
// as a leftover: its resources are cleaned up and the session killed.
func (m *Manager) EnsureExclusive(projectName string) error {
	if m.tmux == nil {
		return nil
	}
	exists, err := m.tmux.HasSession(projectName)
	if err != nil || !exists {
		return err
	}
	m.logf("session: existing tmux session %q detected, cleaning up before reinit", projectName)
	if _, err := m.Cleanup(false, ""); err != nil {
		m.logf("session: cleanup of stale resources failed: %v", err)
	}
	if err := m.tmux.KillSession(projectName); err != nil {
		m.logf("session: kill-session %s failed: %v", projectName, err)
	}
	exists, err = m.tmux.HasSession(projectName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf(
			"既存の tmux セッション '%s' の削除に失敗しました。手動で `tmux kill-session` を実行してください。",
			projectName)
	}
	return nil
}

// SetupDirectories creates the session-independent workspace skeleton:
// memory/ and screenshot/ under the MCP root, the .env template when
// missing, and config.json carrying the tool prefix and session id.
// Existing config.json files are updated in place, not replaced, so a
// previous session's settings survive re-initialisation.
func (m *Manager) SetupDirectories() (SetupResult, error) {
	result := SetupResult{
		CreatedDirs: []string{},
		EnvPath:     m.ws.EnvPath(),
		ConfigPath:  m.ws.ConfigJSONPath(),
		ProjectRoot: m.ws.ProjectRoot,
	}

	for _, dir := range []struct{ name, path string }{
		{"memory", m.ws.MemoryDir()},
		{"screenshot", m.ws.ScreenshotDir()},
	} {
		if _, err := os.Stat(dir.path); err == nil {
			continue
		}
		if err := os.MkdirAll(dir.path, 0o755); err != nil {
			return result, fmt.Errorf("create %s dir: %w", dir.name, err)
		}
		result.CreatedDirs = append(result.CreatedDirs, dir.name)
	}

	created, err := config.WriteEnvTemplate(m.ws.EnvPath())
	if err != nil {
		return result, err
	}
	result.EnvCreated = created
	if created {
		m.logf("session: wrote .env template: %s", m.ws.EnvPath())
	}

	_, statErr := os.Stat(m.ws.ConfigJSONPath())
	configMissing := statErr != nil
	cfg, err := config.LoadProjectConfig(m.ws.ConfigJSONPath())
	if err != nil {
		return result, err
	}
	changed := configMissing
	if cfg.ToolPrefix != config.DefaultToolPrefix {
		cfg.ToolPrefix = config.DefaultToolPrefix
		changed = true
	}
	if m.ws.SessionID != "" && !config.IsProvisionalSession(m.ws.SessionID) && cfg.SessionID != m.ws.SessionID {
		cfg.SessionID = m.ws.SessionID
		changed = true
	}
	if changed {
		if err := config.SaveProjectConfig(m.ws.ConfigJSONPath(), cfg); err != nil {
			return result, err
		}
		result.ConfigCreated = configMissing
	}
	return result, nil
}

// Initialize prepares the workspace for a session: directory skeleton
// plus the dashboard files. Prior sessions' directories are left intact.
func (m *Manager) Initialize() (SetupResult, error) {
	result, err := m.SetupDirectories()
	if err != nil {
		return result, err
	}
	if err := m.store.Initialize(); err != nil {
		return result, err
	}
	return result, nil
}

// Promote moves the workspace from a provisional session id to the real
// one. The provisional directory is migrated in place and every other
// provisional-* directory is purged; the registry is rebound to the new
// agents directory so stale inbox paths cannot survive the switch.
func (m *Manager) Promote(sessionID string) error {
	if sessionID == "" || config.IsProvisionalSession(sessionID) {
		return fmt.Errorf("invalid session id for promotion: %q", sessionID)
	}
	oldID := m.ws.SessionID
	if oldID == sessionID {
		return nil
	}

	if config.IsProvisionalSession(oldID) {
		src := m.ws.SessionDir()
		m.ws.SessionID = sessionID
		dst := m.ws.SessionDir()
		if _, err := os.Stat(src); err == nil {
			if _, err := os.Stat(dst); os.IsNotExist(err) {
				if err := os.Rename(src, dst); err != nil {
					m.ws.SessionID = oldID
					return fmt.Errorf("migrate provisional session dir: %w", err)
				}
				m.logf("session: migrated %s -> %s", oldID, sessionID)
			}
		}
	} else {
		m.ws.SessionID = sessionID
	}

	m.purgeProvisionalDirs()
	if m.registry != nil {
		m.registry.Rebind(m.ws.AgentsDir())
	}
	return nil
}

// purgeProvisionalDirs removes every provisional-* directory still under
// the MCP root. Best effort; a failed removal is only logged.
func (m *Manager) purgeProvisionalDirs() {
	entries, err := os.ReadDir(m.ws.Root())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !config.IsProvisionalSession(entry.Name()) {
			continue
		}
		path := filepath.Join(m.ws.Root(), entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logf("session: purge of %s failed: %v", path, err)
			continue
		}
		m.logf("session: purged provisional dir %s", entry.Name())
	}
}

// CompletionStatus computes the all-tasks-done predicate: at least one
// task exists and none is pending, in progress or failed.
func (m *Manager) CompletionStatus() (Completion, error) {
	summary, err := m.store.GetSummary()
	if err != nil {
		return Completion{}, err
	}
	c := Completion{
		TotalTasks:      summary.TotalTasks,
		PendingTasks:    summary.PendingTasks,
		InProgressTasks: summary.InProgressTasks,
		CompletedTasks:  summary.CompletedTasks,
		FailedTasks:     summary.FailedTasks,
	}
	c.IsAllCompleted = c.TotalTasks > 0 &&
		c.PendingTasks == 0 && c.InProgressTasks == 0 && c.FailedTasks == 0
	return c, nil
}

// Cleanup releases the session's resources: kills the tmux sessions the
// agent set references, optionally removes the agents' worktrees, and
// clears the agent registry. Only sessions named by agents are touched.
func (m *Manager) Cleanup(removeWorktrees bool, repoPath string) (CleanupResult, error) {
	result := CleanupResult{}
	if err := m.registry.SyncFromDisk(); err != nil {
		m.logf("session: registry sync before cleanup failed: %v", err)
	}
	agents := m.registry.List()

	if m.tmux != nil {
		for _, name := range m.registry.SessionNames() {
			if err := m.tmux.KillSession(name); err != nil {
				m.logf("session: kill-session %s failed: %v", name, err)
				continue
			}
			result.TerminatedSessions++
		}
	}

	if removeWorktrees && repoPath != "" {
		remover := m.newRemover(repoPath)
		for _, agent := range agents {
			if agent.WorktreePath == "" {
				continue
			}
			if err := remover.Remove(agent.WorktreePath, true); err != nil {
				m.logf("session: worktree remove %s failed: %v", agent.WorktreePath, err)
				continue
			}
			result.RemovedWorktrees++
		}
	}

	result.ClearedAgents = len(agents)
	for _, agent := range agents {
		if err := m.registry.Remove(agent.ID); err != nil {
			m.logf("session: registry remove %s failed: %v", agent.ID, err)
			continue
		}
		result.RegistryRemoved++
	}

	if err := m.store.MarkSessionFinished(); err != nil {
		m.logf("session: mark finished failed: %v", err)
	}
	return result, nil
}

// CleanupOnCompletion runs Cleanup with worktree removal, but only after
// the completion predicate holds. force overrides the gate.
func (m *Manager) CleanupOnCompletion(force bool, repoPath string) (CleanupResult, Completion, error) {
	status, err := m.CompletionStatus()
	if err != nil {
		return CleanupResult{}, Completion{}, err
	}
	if !status.IsAllCompleted && !force {
		var parts []string
		if status.PendingTasks > 0 {
			parts = append(parts, fmt.Sprintf("未着手: %d件", status.PendingTasks))
		}
		if status.InProgressTasks > 0 {
			parts = append(parts, fmt.Sprintf("進行中: %d件", status.InProgressTasks))
		}
		if status.FailedTasks > 0 {
			parts = append(parts, fmt.Sprintf("失敗: %d件", status.FailedTasks))
		}
		if len(parts) == 0 {
			parts = append(parts, "タスクが登録されていません")
		}
		return CleanupResult{}, status, fmt.Errorf(
			"まだ完了していないタスクがあります（%s）", strings.Join(parts, ", "))
	}
	result, err := m.Cleanup(true, repoPath)
	return result, status, err
}
