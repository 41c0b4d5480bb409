// Package domain defines the entities shared by the dashboard store, the
// agent registry, the IPC bus and the dispatch path. Everything here is a
// plain value; persistence and locking live in the packages that own the
// files.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies an agent's place in the orchestration hierarchy.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

// IsValidRole reports whether s is one of the known role tokens.
func IsValidRole(s string) bool {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleWorker:
		return true
	}
	return false
}

// AgentStatus is the coarse liveness state of an agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentBusy       AgentStatus = "busy"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// AICli names an invocable AI CLI binary.
type AICli string

const (
	CliClaude AICli = "claude"
	CliCodex  AICli = "codex"
	CliGemini AICli = "gemini"
	CliCursor AICli = "cursor"
)

// IsValidCli reports whether s names a supported AI CLI.
func IsValidCli(s string) bool {
	switch AICli(s) {
	case CliClaude, CliCodex, CliGemini, CliCursor:
		return true
	}
	return false
}

// Agent is one registered participant. Owner agents have no tmux placement;
// Admin and Workers carry a (session, window, pane) triple.
type Agent struct {
	ID             string      `json:"id" yaml:"id"`
	Role           Role        `json:"role" yaml:"role"`
	Status         AgentStatus `json:"status" yaml:"status"`
	TmuxSession    string      `json:"tmux_session,omitempty" yaml:"tmux_session,omitempty"`
	SessionName    string      `json:"session_name,omitempty" yaml:"session_name,omitempty"`
	WindowIndex    *int        `json:"window_index,omitempty" yaml:"window_index,omitempty"`
	PaneIndex      *int        `json:"pane_index,omitempty" yaml:"pane_index,omitempty"`
	AICli          AICli       `json:"ai_cli,omitempty" yaml:"ai_cli,omitempty"`
	AIBootstrapped bool        `json:"ai_bootstrapped,omitempty" yaml:"ai_bootstrapped,omitempty"`
	WorkingDir     string      `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	WorktreePath   string      `json:"worktree_path,omitempty" yaml:"worktree_path,omitempty"`
	Branch         string      `json:"branch,omitempty" yaml:"branch,omitempty"`
	CurrentTask    string      `json:"current_task,omitempty" yaml:"current_task,omitempty"`
	CreatedAt      time.Time   `json:"created_at" yaml:"created_at"`
	LastActivity   time.Time   `json:"last_activity" yaml:"last_activity"`
}

// ResolvedSessionName returns the tmux session this agent lives in.
// SessionName wins; otherwise the session part of TmuxSession ("sess:win.pane").
func (a *Agent) ResolvedSessionName() string {
	if a.SessionName != "" {
		return a.SessionName
	}
	if a.TmuxSession != "" {
		name, _, _ := strings.Cut(a.TmuxSession, ":")
		return name
	}
	return ""
}

// HasPane reports whether the agent has a concrete tmux pane placement.
func (a *Agent) HasPane() bool {
	return a.ResolvedSessionName() != "" && a.WindowIndex != nil && a.PaneIndex != nil
}

// PaneTarget returns the tmux target string "session:window.pane", or ""
// when the agent has no placement.
func (a *Agent) PaneTarget() string {
	if !a.HasPane() {
		return ""
	}
	return fmt.Sprintf("%s:%d.%d", a.ResolvedSessionName(), *a.WindowIndex, *a.PaneIndex)
}

// TaskStatus is a task's position in its lifecycle state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsValidTaskStatus reports whether s is a known status token.
func IsValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the task's lifecycle.
// Terminal tasks can only be revived through reopen.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// allowedTaskTransitions maps a status to the set of statuses reachable from
// it. Self-transitions are allowed so progress-only updates pass the check.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskPending: true, TaskInProgress: true, TaskBlocked: true,
		TaskCompleted: true, TaskFailed: true, TaskCancelled: true,
	},
	TaskInProgress: {
		TaskInProgress: true, TaskBlocked: true,
		TaskCompleted: true, TaskFailed: true, TaskCancelled: true,
	},
	TaskBlocked: {
		TaskBlocked: true, TaskInProgress: true,
		TaskFailed: true, TaskCancelled: true,
	},
	TaskCompleted: {TaskCompleted: true},
	TaskFailed:    {TaskFailed: true},
	TaskCancelled: {TaskCancelled: true},
}

// CanTransition validates a status transition. The returned message is
// operator-facing and names reopen_task when the task is terminal.
func CanTransition(from, to TaskStatus) (bool, string) {
	if allowed, ok := allowedTaskTransitions[from]; ok {
		if allowed[to] {
			return true, ""
		}
	} else if from == to {
		return true, ""
	}
	if from.IsTerminal() {
		return false, fmt.Sprintf(
			"終端状態 (%s) から %s へは遷移できません。再開には reopen_task を使用してください。", from, to)
	}
	return false, fmt.Sprintf("状態遷移が許可されていません: %s -> %s", from, to)
}

// ChecklistItem is one line of a task checklist.
type ChecklistItem struct {
	Text      string `json:"text" yaml:"text"`
	Completed bool   `json:"completed" yaml:"completed"`
}

// TaskLog is one bounded progress-log entry on a task.
type TaskLog struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Message   string    `json:"message" yaml:"message"`
}

// MaxTaskLogs bounds the per-task progress log.
const MaxTaskLogs = 5

// Task is one unit of dispatched work tracked on the dashboard.
type Task struct {
	ID              string          `json:"id" yaml:"id"`
	Title           string          `json:"title" yaml:"title"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	TaskFilePath    string          `json:"task_file_path,omitempty" yaml:"task_file_path,omitempty"`
	Status          TaskStatus      `json:"status" yaml:"status"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty" yaml:"assigned_agent_id,omitempty"`
	Branch          string          `json:"branch,omitempty" yaml:"branch,omitempty"`
	WorktreePath    string          `json:"worktree_path,omitempty" yaml:"worktree_path,omitempty"`
	Progress        int             `json:"progress" yaml:"progress"`
	Checklist       []ChecklistItem `json:"checklist,omitempty" yaml:"checklist,omitempty"`
	Logs            []TaskLog       `json:"logs,omitempty" yaml:"logs,omitempty"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AppendLog adds a progress log entry, keeping only the newest MaxTaskLogs.
func (t *Task) AppendLog(at time.Time, message string) {
	t.Logs = append(t.Logs, TaskLog{Timestamp: at, Message: message})
	if len(t.Logs) > MaxTaskLogs {
		t.Logs = t.Logs[len(t.Logs)-MaxTaskLogs:]
	}
}

// ChecklistProgress derives a 0-100 progress value from the checklist,
// integer floor. Returns -1 when the checklist is empty.
func (t *Task) ChecklistProgress() int {
	if len(t.Checklist) == 0 {
		return -1
	}
	done := 0
	for _, item := range t.Checklist {
		if item.Completed {
			done++
		}
	}
	return done * 100 / len(t.Checklist)
}

// AgentSummary is the dashboard's render-only view of one agent. The agent
// registry is authoritative; this mirror is refreshed on every save.
type AgentSummary struct {
	AgentID      string `json:"agent_id" yaml:"agent_id"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Role         string `json:"role" yaml:"role"`
	Status       string `json:"status" yaml:"status"`
	CurrentTask  string `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty" yaml:"worktree_path,omitempty"`
	Branch       string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// MessageSummary is the dashboard's render-only view of one IPC message.
type MessageSummary struct {
	MessageID   string     `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	SenderID    string     `json:"sender_id" yaml:"sender_id"`
	ReceiverID  string     `json:"receiver_id,omitempty" yaml:"receiver_id,omitempty"`
	MessageType string     `json:"message_type" yaml:"message_type"`
	Subject     string     `json:"subject,omitempty" yaml:"subject,omitempty"`
	Content     string     `json:"content,omitempty" yaml:"content,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// CostSource tags where a cost row's figure came from.
const (
	CostSourceEstimated = "estimated"
	CostSourceActual    = "actual"
)

// APICallRecord is one append-only cost row. ActualCostUSD and StatusLine
// are only meaningful when AICli is claude and CostSource is actual.
type APICallRecord struct {
	AICli            string    `json:"ai_cli" yaml:"ai_cli"`
	Model            string    `json:"model,omitempty" yaml:"model,omitempty"`
	Tokens           int       `json:"tokens" yaml:"tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd" yaml:"estimated_cost_usd"`
	ActualCostUSD    *float64  `json:"actual_cost_usd,omitempty" yaml:"actual_cost_usd,omitempty"`
	CostSource       string    `json:"cost_source" yaml:"cost_source"`
	StatusLine       string    `json:"status_line,omitempty" yaml:"status_line,omitempty"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp"`
	AgentID          string    `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	TaskID           string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
}

// IsActual reports whether the row carries a trusted measured cost.
func (r *APICallRecord) IsActual() bool {
	return r.AICli == string(CliClaude) && r.CostSource == CostSourceActual && r.ActualCostUSD != nil
}

// CostInfo aggregates the cost rows. ActualCostByAgent holds the latest
// actual snapshot per claude agent, not a running sum; TotalCostUSD is that
// actual total plus the estimated cost of every non-actual row.
type CostInfo struct {
	TotalAPICalls     int                `json:"total_api_calls" yaml:"total_api_calls"`
	EstimatedTokens   int                `json:"estimated_tokens" yaml:"estimated_tokens"`
	EstimatedCostUSD  float64            `json:"estimated_cost_usd" yaml:"estimated_cost_usd"`
	ActualCostUSD     float64            `json:"actual_cost_usd" yaml:"actual_cost_usd"`
	TotalCostUSD      float64            `json:"total_cost_usd" yaml:"total_cost_usd"`
	ActualCostByAgent map[string]float64 `json:"actual_cost_by_agent,omitempty" yaml:"actual_cost_by_agent,omitempty"`
	WarningThreshold  float64            `json:"warning_threshold_usd" yaml:"warning_threshold_usd"`
	Calls             []APICallRecord    `json:"calls,omitempty" yaml:"calls,omitempty"`
}

// DefaultCostWarningThresholdUSD applies when no threshold is configured.
const DefaultCostWarningThresholdUSD = 10.0

// NewCostInfo returns an empty cost block with the default threshold.
func NewCostInfo() CostInfo {
	return CostInfo{WarningThreshold: DefaultCostWarningThresholdUSD}
}

// Dashboard is the canonical shared state persisted as dashboard.md.
// Messages are derived from the IPC directory at render time and are never
// written back into the front-matter.
type Dashboard struct {
	WorkspaceID       string     `json:"workspace_id" yaml:"workspace_id"`
	WorkspacePath     string     `json:"workspace_path" yaml:"workspace_path"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"updated_at"`
	SessionStartedAt  *time.Time `json:"session_started_at,omitempty" yaml:"session_started_at,omitempty"`
	SessionFinishedAt *time.Time `json:"session_finished_at,omitempty" yaml:"session_finished_at,omitempty"`
	ProcessCrashCount int        `json:"process_crash_count" yaml:"process_crash_count"`
	ProcessRecovery   int        `json:"process_recovery_count" yaml:"process_recovery_count"`

	Agents []AgentSummary `json:"agents,omitempty" yaml:"agents,omitempty"`
	Tasks  []Task         `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	TotalAgents    int `json:"total_agents" yaml:"total_agents"`
	ActiveAgents   int `json:"active_agents" yaml:"active_agents"`
	TotalTasks     int `json:"total_tasks" yaml:"total_tasks"`
	CompletedTasks int `json:"completed_tasks" yaml:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks" yaml:"failed_tasks"`

	TotalWorktrees  int `json:"total_worktrees" yaml:"total_worktrees"`
	ActiveWorktrees int `json:"active_worktrees" yaml:"active_worktrees"`

	Cost CostInfo `json:"cost" yaml:"cost"`

	Messages []MessageSummary `json:"-" yaml:"-"`
}

// NewDashboard returns an empty dashboard for the given workspace.
func NewDashboard(workspaceID, workspacePath string) *Dashboard {
	return &Dashboard{
		WorkspaceID:   workspaceID,
		WorkspacePath: workspacePath,
		UpdatedAt:     time.Now(),
		Cost:          NewCostInfo(),
	}
}

// Recalculate refreshes the derived statistics counters.
func (d *Dashboard) Recalculate() {
	d.TotalAgents = len(d.Agents)
	active := 0
	for _, a := range d.Agents {
		if a.Status != string(AgentTerminated) {
			active++
		}
	}
	d.ActiveAgents = active

	d.TotalTasks = len(d.Tasks)
	completed, failed := 0, 0
	worktrees, activeWts := 0, 0
	for i := range d.Tasks {
		switch d.Tasks[i].Status {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
		if d.Tasks[i].WorktreePath != "" {
			worktrees++
			if !d.Tasks[i].Status.IsTerminal() {
				activeWts++
			}
		}
	}
	d.CompletedTasks = completed
	d.FailedTasks = failed
	d.TotalWorktrees = worktrees
	d.ActiveWorktrees = activeWts
}

// FindTask locates a task by exact ID, then by normalised ID, then by a
// unique normalised prefix. Returns nil when no unambiguous match exists.
func (d *Dashboard) FindTask(taskID string) *Task {
	if taskID == "" {
		return nil
	}
	for i := range d.Tasks {
		if d.Tasks[i].ID == taskID {
			return &d.Tasks[i]
		}
	}
	norm := NormalizeTaskID(taskID)
	if norm == "" {
		return nil
	}
	var match *Task
	for i := range d.Tasks {
		if NormalizeTaskID(d.Tasks[i].ID) == norm {
			if match != nil {
				return nil
			}
			match = &d.Tasks[i]
		}
	}
	if match != nil {
		return match
	}
	for i := range d.Tasks {
		if strings.HasPrefix(NormalizeTaskID(d.Tasks[i].ID), norm) {
			if match != nil {
				return nil
			}
			match = &d.Tasks[i]
		}
	}
	return match
}
