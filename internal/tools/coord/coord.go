// Package coord registers the orchestration tool surface with the MCP
// server: session lifecycle, agents, tasks, dispatch, messaging, worktrees,
// dashboard, cost and memory. Every handler runs the permission guard
// first and wraps failures into structured responses so nothing escapes
// to the transport as a raw error.
package coord

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/dispatch"
	"github.com/jaakkos/tmuxcrew/internal/gate"
	"github.com/jaakkos/tmuxcrew/internal/guard"
	"github.com/jaakkos/tmuxcrew/internal/ipc"
	"github.com/jaakkos/tmuxcrew/internal/memory"
	"github.com/jaakkos/tmuxcrew/internal/notify"
	"github.com/jaakkos/tmuxcrew/internal/reconcile"
	"github.com/jaakkos/tmuxcrew/internal/registry"
	"github.com/jaakkos/tmuxcrew/internal/session"
	"github.com/jaakkos/tmuxcrew/internal/store"
	"github.com/jaakkos/tmuxcrew/internal/worktree"
)

// paneTmux is the tmux surface the tool handlers drive directly.
// *tmux.Tmux satisfies it; tests install a fake.
type paneTmux interface {
	IsAvailable() bool
	NewSession(name, workDir, windowName string) error
	HasSession(name string) (bool, error)
	NewWindow(session, windowName, workDir string) error
	SplitPane(target string, vertical bool, workDir string) error
	SelectLayout(target, layout string) error
	SetPaneTitle(target, title string) error
	SendKeys(target, keys string) error
	SendKeysDebounced(target, keys string, debounceMs int) error
	SendKeysRaw(target, keys string) error
	CapturePane(target string, lines int) (string, error)
}

// Deps bundles everything the tool handlers need. Memory stores are
// optional; the memory tools report an initialisation error when absent.
type Deps struct {
	Settings     *config.Settings
	Workspace    *config.Workspace
	Store        *store.Store
	Registry     *registry.Registry
	Guard        *guard.Guard
	Gate         *gate.Checker
	Notifier     *notify.Dispatcher
	Dispatcher   *dispatch.Dispatcher
	Session      *session.Manager
	Reconciler   *reconcile.Reconciler
	Tmux         paneTmux
	Memory       *memory.Store
	GlobalMemory *memory.Store
	Logger       *log.Logger

	// newWorktree is the worktree manager factory; injectable for tests.
	newWorktree func(repo string) *worktree.Manager

	ipcBus *ipc.Bus
}

func (d *Deps) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// bus returns the IPC bus bound to the current session's inbox root. A
// session promotion moves the inbox directory, so a bus built for a
// provisional path is discarded and rebuilt here.
func (d *Deps) bus() *ipc.Bus {
	root := d.Workspace.IPCDir()
	if d.ipcBus == nil || d.ipcBus.Root() != root {
		d.ipcBus = ipc.New(root, d.Logger)
	}
	return d.ipcBus
}

// worktreeManager builds a manager for the project repository.
func (d *Deps) worktreeManager(repo string) *worktree.Manager {
	if d.newWorktree != nil {
		return d.newWorktree(repo)
	}
	return worktree.NewManager(repo, d.Logger)
}

// repoRoot resolves the repository the worktree and gate tools operate on.
func (d *Deps) repoRoot() string {
	if d.Settings != nil && d.Settings.ProjectRoot != "" {
		return d.Settings.ProjectRoot
	}
	return d.Workspace.ProjectRoot
}

// memoryFor selects the store for a scope argument ("project" or "global").
func (d *Deps) memoryFor(scope string) (*memory.Store, error) {
	switch scope {
	case "", "project":
		if d.Memory == nil {
			return nil, fmt.Errorf("メモリストアが初期化されていません")
		}
		return d.Memory, nil
	case "global":
		if d.GlobalMemory == nil {
			return nil, fmt.Errorf("グローバルメモリストアが初期化されていません")
		}
		return d.GlobalMemory, nil
	default:
		return nil, fmt.Errorf("無効なスコープです: %s（有効: project, global）", scope)
	}
}

// jsonResult renders a structured payload as indented JSON text, the
// transport shape every tool in this server uses.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(`{"success": false, "error": %q}`, err.Error()))
	}
	return mcp.NewToolResultText(string(data))
}

// structToMap flattens a struct through its JSON tags so handlers can
// append extra response fields.
func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// errResult wraps an error message into the standard failure payload.
func errResult(format string, args ...any) *mcp.CallToolResult {
	return jsonResult(map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
}

// denialResult renders a guard denial.
func denialResult(den *guard.Denial) *mcp.CallToolResult {
	return jsonResult(den.Fields())
}

// checkPermission runs the guard pre-filter; nil means the call may
// proceed.
func (d *Deps) checkPermission(tool, callerID, targetAgentID string) *mcp.CallToolResult {
	if den := d.Guard.CheckPermission(tool, callerID, targetAgentID); den != nil {
		return denialResult(den)
	}
	return nil
}
