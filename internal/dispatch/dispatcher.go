// Package dispatch drives task instructions into agent panes: it renders
// the instruction file, prepares the per-worker worktree and sends the
// AI-CLI bootstrap or followup command over tmux.
package dispatch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/gitutil"
	"github.com/jaakkos/tmuxcrew/internal/registry"
	"github.com/jaakkos/tmuxcrew/internal/store"
	"github.com/jaakkos/tmuxcrew/internal/worktree"
)

// PaneSender is the tmux surface the dispatcher needs.
type PaneSender interface {
	SendKeysDebounced(target, keys string, debounceMs int) error
}

// Dispatch modes reported in results.
const (
	ModeNone      = "none"
	ModeBootstrap = "bootstrap"
	ModeFollowup  = "followup"
)

const followupInstructionPrefix = "次のタスク指示ファイルを実行してください: "

// Request carries one send_task invocation.
type Request struct {
	AgentID     string
	TaskContent string
	TaskID      string
	SessionID   string
	AutoEnhance bool
	BranchName  string
	CallerID    string
}

// Result is the structured outcome of a dispatch attempt.
type Result struct {
	Success       bool   `json:"success"`
	TaskSent      bool   `json:"task_sent"`
	DispatchMode  string `json:"dispatch_mode"`
	DispatchError string `json:"dispatch_error,omitempty"`
	TaskFile      string `json:"task_file,omitempty"`
	CommandSent   string `json:"command_sent,omitempty"`
	Branch        string `json:"branch,omitempty"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	Profile       string `json:"profile,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

func failure(msg string) Result {
	return Result{DispatchMode: ModeNone, Error: msg, DispatchError: msg}
}

// Dispatcher wires settings, store, registry and tmux into the send_task
// path. The worktree and memory hooks are injectable for tests.
type Dispatcher struct {
	settings *config.Settings
	ws       *config.Workspace
	store    *store.Store
	registry *registry.Registry
	panes    PaneSender
	logger   *log.Logger

	searchMemory   func(query string) string
	ensureWorktree func(repo, sessionID string, workerNo int, baseBranch string) (path, branch string, err error)
	sleep          func(time.Duration)
}

// New builds a dispatcher with the default worktree hook.
func New(settings *config.Settings, ws *config.Workspace, st *store.Store, reg *registry.Registry, panes PaneSender, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		settings: settings,
		ws:       ws,
		store:    st,
		registry: reg,
		panes:    panes,
		logger:   logger,
		sleep:    time.Sleep,
	}
	d.ensureWorktree = func(repo, sessionID string, workerNo int, baseBranch string) (string, string, error) {
		return worktree.NewManager(repo, logger).EnsureWorkerWorktree(sessionID, workerNo, baseBranch)
	}
	return d
}

// WithMemorySearch installs the memory-context provider used to enrich
// task bodies.
func (d *Dispatcher) WithMemorySearch(fn func(query string) string) *Dispatcher {
	d.searchMemory = fn
	return d
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func (d *Dispatcher) debounceMs() int {
	if d.settings.SendCooldownSeconds > 0 {
		return d.settings.SendCooldownSeconds * 1000
	}
	return 500
}

func (d *Dispatcher) memoryContext(query string) string {
	if d.searchMemory == nil {
		return ""
	}
	return d.searchMemory(query)
}

// SendTask resolves the target agent and routes to the Admin or Worker
// dispatch path.
func (d *Dispatcher) SendTask(req Request) Result {
	if err := d.registry.SyncFromDisk(); err != nil {
		d.logf("dispatch: registry sync failed: %v", err)
	}
	agent, ok := d.registry.Get(req.AgentID)
	if !ok {
		return failure("エージェントが見つかりません: " + req.AgentID)
	}
	switch agent.Role {
	case domain.RoleAdmin:
		return d.sendToAdmin(&agent, req)
	case domain.RoleWorker:
		return d.sendToWorker(&agent, req)
	default:
		return failure("send_task の対象は admin / worker のみです")
	}
}

// resolveProjectRoot prefers the worktree's main repository, then the
// agent's working dir, then the workspace project root.
func (d *Dispatcher) resolveProjectRoot(agent *domain.Agent) string {
	if agent.WorktreePath != "" {
		if root, err := gitutil.MainRepoRoot(agent.WorktreePath); err == nil && root != "" {
			return root
		}
		return agent.WorktreePath
	}
	if agent.WorkingDir != "" {
		return agent.WorkingDir
	}
	if d.settings.ProjectRoot != "" {
		return d.settings.ProjectRoot
	}
	return d.ws.ProjectRoot
}

// roleGuidePath renders the role guide into the session dir once per
// dispatch. Best effort: an empty path just drops the guide from the
// command line.
func (d *Dispatcher) roleGuidePath(role string) string {
	content, err := RenderRoleGuide(role, RoleGuideParams{
		ToolPrefix: config.DefaultToolPrefix,
		EnableGit:  d.settings.EnableGit,
	})
	if err != nil {
		d.logf("dispatch: role guide render failed: %v", err)
		return ""
	}
	dir := filepath.Join(d.ws.SessionDir(), "roles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(dir, role+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ""
	}
	return path
}

func (d *Dispatcher) sendToAdmin(agent *domain.Agent, req Request) Result {
	if !agent.HasPane() {
		return failure("Adminペインが未設定です")
	}
	profile := d.settings.ActiveProfile()
	cli := agent.AICli
	if cli == "" {
		cli = domain.AICli(profile.CLI)
	}
	projectRoot := d.resolveProjectRoot(agent)

	content := req.TaskContent
	if req.AutoEnhance {
		branch := req.BranchName
		if branch == "" {
			if b, err := gitutil.CurrentBranch(projectRoot); err == nil && b != "" {
				branch = b
			} else {
				branch = "main"
			}
		}
		rendered, err := RenderAdminTask(AdminTaskParams{
			SessionID:      req.SessionID,
			AgentID:        agent.ID,
			PlanContent:    req.TaskContent,
			BranchName:     branch,
			WorkerCount:    profile.MaxWorkers,
			MemoryContext:  d.memoryContext(req.TaskContent),
			ProjectName:    filepath.Base(projectRoot),
			ToolPrefix:     config.DefaultToolPrefix,
			MaxIterations:  d.settings.QualityCheckMaxIterations,
			SameIssueLimit: d.settings.QualityCheckSameIssueLimit,
			Timestamp:      time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return failure(err.Error())
		}
		content = rendered
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = req.SessionID
	}
	taskFile, err := d.store.WriteTaskFile(taskID, "admin", content)
	if err != nil {
		return failure(fmt.Sprintf("タスクファイルの作成に失敗しました: %v", err))
	}

	command := BuildStdinCommand(CommandSpec{
		CLI:              cli,
		TaskFilePath:     taskFile,
		RoleTemplatePath: d.roleGuidePath("admin"),
		ProjectRoot:      projectRoot,
		Model:            profile.AdminModel,
		ThinkingTokens:   profile.AdminThinkingTokens,
		ReasoningEffort:  profile.AdminReasoningEffort,
	})
	if err := d.panes.SendKeysDebounced(agent.PaneTarget(), command, d.debounceMs()); err != nil {
		return Result{
			DispatchMode:  ModeBootstrap,
			DispatchError: "tmux send_keys_to_pane failed: " + err.Error(),
			TaskFile:      taskFile,
			CommandSent:   command,
			AgentID:       agent.ID,
		}
	}

	d.recordSuccess(agent, true, string(cli), profile.AdminModel, profile.AdminThinkingTokens, taskID)
	return Result{
		Success:      true,
		TaskSent:     true,
		DispatchMode: ModeBootstrap,
		TaskFile:     taskFile,
		CommandSent:  command,
		Profile:      profile.Name,
		AgentID:      agent.ID,
	}
}

func (d *Dispatcher) sendToWorker(agent *domain.Agent, req Request) Result {
	if req.TaskID == "" {
		return failure("task_id が必要です")
	}
	if !agent.HasPane() {
		return failure("Workerペインが未設定です")
	}
	workerNo := domain.WorkerIndex(*agent.WindowIndex, *agent.PaneIndex)
	if workerNo == 0 {
		return failure(fmt.Sprintf("Worker スロットを解決できません: window=%d pane=%d",
			*agent.WindowIndex, *agent.PaneIndex))
	}

	profile := d.settings.ActiveProfile()
	cli := agent.AICli
	if cli == "" {
		cli = domain.AICli(d.settings.CliForWorker(workerNo))
	}
	model := d.settings.ModelForWorker(workerNo)
	projectRoot := d.resolveProjectRoot(agent)

	branch := agent.Branch
	worktreePath := agent.WorktreePath
	useWorktree := d.settings.EnableGit && d.settings.EnableWorktree && gitutil.IsRepo(projectRoot)
	if useWorktree {
		base := req.BranchName
		if base == "" {
			if b, err := gitutil.CurrentBranch(projectRoot); err == nil && b != "" {
				base = b
			} else {
				base = "main"
			}
		}
		path, created, err := d.ensureWorktree(projectRoot, req.SessionID, workerNo, base)
		if err != nil {
			return failure(fmt.Sprintf("worktree の作成に失敗しました: %v", err))
		}
		worktreePath = path
		branch = created
	}

	// Best-effort dashboard assignment: the task may not be registered yet.
	if ok, msg := d.store.AssignTask(req.TaskID, agent.ID, branch, worktreePath); !ok {
		d.logf("dispatch: task assignment skipped for %s: %s", req.TaskID, msg)
	}
	agent.CurrentTask = req.TaskID
	agent.Status = domain.AgentBusy
	agent.LastActivity = time.Now()
	if useWorktree {
		agent.Branch = branch
		agent.WorktreePath = worktreePath
	}
	if err := d.registry.Save(agent); err != nil {
		d.logf("dispatch: agent save failed: %v", err)
	}
	if err := d.store.UpdateAgentSummary(agent); err != nil {
		d.logf("dispatch: agent summary update failed: %v", err)
	}

	persona := OptimalPersona(req.TaskContent)
	taskBody, err := RenderWorkerTask(WorkerTaskParams{
		TaskID:          req.TaskID,
		AgentID:         agent.ID,
		TaskDescription: req.TaskContent,
		PersonaName:     persona.Name,
		PersonaPrompt:   persona.Prompt,
		MemoryContext:   d.memoryContext(req.TaskContent),
		ProjectName:     filepath.Base(projectRoot),
		WorktreePath:    worktreePath,
		BranchName:      branch,
		AdminID:         req.CallerID,
		ToolPrefix:      config.DefaultToolPrefix,
		EnableGit:       d.settings.EnableGit,
		Timestamp:       time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return failure(err.Error())
	}
	label := domain.DisplayLabel(agent)
	taskFile, err := d.store.WriteTaskFile(req.TaskID, label, taskBody)
	if err != nil {
		return failure(fmt.Sprintf("タスクファイルの作成に失敗しました: %v", err))
	}

	bootstrapCommand := BuildStdinCommand(CommandSpec{
		CLI:              cli,
		TaskFilePath:     taskFile,
		RoleTemplatePath: d.roleGuidePath("worker"),
		WorktreePath:     worktreePath,
		ProjectRoot:      projectRoot,
		Model:            model,
		ThinkingTokens:   profile.WorkerThinkingTokens,
		ReasoningEffort:  profile.WorkerReasoningEffort,
	})

	target := agent.PaneTarget()
	mode := ModeFollowup
	command := ""
	var sendErr error

	if !agent.AIBootstrapped {
		mode = ModeBootstrap
		command = bootstrapCommand
		sendErr = d.panes.SendKeysDebounced(target, command, d.debounceMs())
	} else {
		if worktreePath != "" {
			changeDir := ChangeDirCommand(cli, worktreePath)
			if err := d.panes.SendKeysDebounced(target, changeDir, d.debounceMs()); err != nil {
				return Result{
					DispatchMode:  ModeFollowup,
					DispatchError: "failed to change directory before followup dispatch: " + err.Error(),
					TaskFile:      taskFile,
					CommandSent:   changeDir,
					Branch:        branch,
					WorktreePath:  worktreePath,
					AgentID:       agent.ID,
				}
			}
			d.sleep(250 * time.Millisecond)
		}
		command = followupInstructionPrefix + taskFile
		sendErr = d.panes.SendKeysDebounced(target, command, d.debounceMs())
		if sendErr != nil {
			// The CLI may have exited since bootstrap; retry once from scratch.
			d.logf("dispatch: followup to worker %d failed, retrying bootstrap", workerNo)
			mode = ModeBootstrap
			command = bootstrapCommand
			sendErr = d.panes.SendKeysDebounced(target, command, d.debounceMs())
		}
	}
	if sendErr != nil {
		return Result{
			DispatchMode:  mode,
			DispatchError: "tmux send_keys_to_pane failed: " + sendErr.Error(),
			TaskFile:      taskFile,
			CommandSent:   command,
			Branch:        branch,
			WorktreePath:  worktreePath,
			AgentID:       agent.ID,
		}
	}

	d.recordSuccess(agent, mode == ModeBootstrap, string(cli), model, profile.WorkerThinkingTokens, req.TaskID)
	return Result{
		Success:      true,
		TaskSent:     true,
		DispatchMode: mode,
		TaskFile:     taskFile,
		CommandSent:  command,
		Branch:       branch,
		WorktreePath: worktreePath,
		Profile:      profile.Name,
		AgentID:      agent.ID,
	}
}

// recordSuccess persists the post-dispatch agent state and logs an
// estimated cost row. Cost recording is best effort.
func (d *Dispatcher) recordSuccess(agent *domain.Agent, bootstrapped bool, cli, model string, tokens int, taskID string) {
	agent.Status = domain.AgentBusy
	agent.LastActivity = time.Now()
	if bootstrapped {
		agent.AIBootstrapped = true
	}
	if err := d.registry.Save(agent); err != nil {
		d.logf("dispatch: agent save failed: %v", err)
	}
	if err := d.store.UpdateAgentSummary(agent); err != nil {
		d.logf("dispatch: agent summary update failed: %v", err)
	}
	if _, err := d.store.RecordAPICall(store.CostRecord{
		AICli:   cli,
		Model:   model,
		Tokens:  tokens,
		AgentID: agent.ID,
		TaskID:  taskID,
	}); err != nil {
		d.logf("dispatch: cost record failed: %v", err)
	}
}
