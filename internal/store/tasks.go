package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// CreateTask appends a new pending task. The requested description is kept
// in metadata; the Description field is reserved for the task-file path.
func (s *Store) CreateTask(title, description, assignedAgentID, branch, worktreePath string, metadata map[string]any) (domain.Task, error) {
	var created domain.Task
	err := s.Mutate(func(d *domain.Dashboard) error {
		meta := make(map[string]any, len(metadata)+1)
		for k, v := range metadata {
			meta[k] = v
		}
		if description != "" {
			meta["requested_description"] = description
		}
		task := domain.Task{
			ID:              uuid.NewString(),
			Title:           title,
			Status:          domain.TaskPending,
			AssignedAgentID: assignedAgentID,
			Branch:          branch,
			WorktreePath:    worktreePath,
			Metadata:        meta,
			CreatedAt:       s.now(),
		}
		d.Tasks = append(d.Tasks, task)
		created = task
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if s.logger != nil {
		s.logger.Printf("store: created task %s (%s)", created.ID, title)
	}
	return created, nil
}

// UpdateTaskStatus drives the task state machine. Side effects follow the
// transition: in_progress stamps started_at and marks the assignee busy;
// terminal states stamp completed_at, force progress for completed, and idle
// the assignee; pending clears completed_at. The returned message is
// operator-facing.
func (s *Store) UpdateTaskStatus(taskID string, status domain.TaskStatus, progress *int, errorMessage *string) (bool, string) {
	ok, msg := false, ""
	err := s.Mutate(func(d *domain.Dashboard) error {
		task := d.FindTask(taskID)
		if task == nil {
			msg = fmt.Sprintf("タスク %s が見つかりません", taskID)
			return nil
		}
		oldStatus := task.Status
		if valid, reason := domain.CanTransition(oldStatus, status); !valid {
			msg = reason
			return nil
		}

		now := s.now()
		task.Status = status
		if progress != nil {
			task.Progress = *progress
		}
		if errorMessage != nil {
			task.ErrorMessage = *errorMessage
		} else if status != domain.TaskFailed {
			task.ErrorMessage = ""
		}

		switch {
		case status == domain.TaskInProgress:
			if (oldStatus == domain.TaskPending || oldStatus == domain.TaskBlocked) && task.StartedAt == nil {
				stamp := now
				task.StartedAt = &stamp
			}
			if d.SessionStartedAt == nil {
				start := now
				if task.StartedAt != nil {
					start = *task.StartedAt
				}
				d.SessionStartedAt = &start
			}
			task.CompletedAt = nil
			if task.Metadata == nil {
				task.Metadata = make(map[string]any)
			}
			task.Metadata["last_in_progress_update_at"] = now.Format(timeLayout)
			if task.AssignedAgentID != "" {
				markAgentBusy(d, task.AssignedAgentID, task.ID)
			}
		case status.IsTerminal():
			stamp := now
			task.CompletedAt = &stamp
			if status == domain.TaskCompleted {
				task.Progress = 100
			}
			releaseAgentsFromTask(d, task.ID)
		case status == domain.TaskPending:
			task.CompletedAt = nil
		}

		updateSessionFinished(d, s.now())
		ok = true
		msg = fmt.Sprintf("ステータスを更新しました: %s", status)
		if s.logger != nil {
			s.logger.Printf("store: task %s status %s -> %s", task.ID, oldStatus, status)
		}
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}

// ReopenTask returns a terminal task to pending.
func (s *Store) ReopenTask(taskID string, resetProgress bool) (bool, string) {
	ok, msg := false, ""
	err := s.Mutate(func(d *domain.Dashboard) error {
		task := d.FindTask(taskID)
		if task == nil {
			msg = fmt.Sprintf("タスク %s が見つかりません", taskID)
			return nil
		}
		if !task.Status.IsTerminal() {
			msg = fmt.Sprintf("タスク %s は終端状態ではありません（現在: %s）", task.ID, task.Status)
			return nil
		}
		task.Status = domain.TaskPending
		task.CompletedAt = nil
		task.StartedAt = nil
		task.ErrorMessage = ""
		if resetProgress {
			task.Progress = 0
		}
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		task.Metadata["reopened_at"] = s.now().Format(timeLayout)
		d.SessionFinishedAt = nil
		releaseAgentsFromTask(d, task.ID)
		ok = true
		msg = "タスクを再開しました: pending"
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}

// AssignTask moves a task to an agent. A previous assignee still pointing at
// the task is released; the new assignee is marked busy unless the task is
// already terminal.
func (s *Store) AssignTask(taskID, agentID, branch, worktreePath string) (bool, string) {
	ok, msg := false, ""
	err := s.Mutate(func(d *domain.Dashboard) error {
		task := d.FindTask(taskID)
		if task == nil {
			msg = fmt.Sprintf("タスク %s が見つかりません", taskID)
			return nil
		}
		previous := task.AssignedAgentID
		task.AssignedAgentID = agentID
		if branch != "" {
			task.Branch = branch
		}
		if worktreePath != "" {
			task.WorktreePath = worktreePath
		}
		if previous != "" && previous != agentID {
			for i := range d.Agents {
				if d.Agents[i].AgentID == previous && d.Agents[i].CurrentTask == task.ID {
					d.Agents[i].CurrentTask = ""
					if d.Agents[i].Role == string(domain.RoleWorker) {
						d.Agents[i].Status = string(domain.AgentIdle)
					}
					break
				}
			}
		}
		if !task.Status.IsTerminal() {
			markAgentBusy(d, agentID, task.ID)
		}
		ok = true
		msg = fmt.Sprintf("タスクを割り当てました: %s", agentID)
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}

// RemoveTask deletes a task and releases any agent pointing at it.
func (s *Store) RemoveTask(taskID string) (bool, string) {
	ok, msg := false, ""
	err := s.Mutate(func(d *domain.Dashboard) error {
		task := d.FindTask(taskID)
		if task == nil {
			msg = fmt.Sprintf("タスク %s が見つかりません", taskID)
			return nil
		}
		id := task.ID
		kept := d.Tasks[:0]
		for i := range d.Tasks {
			if d.Tasks[i].ID != id {
				kept = append(kept, d.Tasks[i])
			}
		}
		d.Tasks = kept
		releaseAgentsFromTask(d, id)
		ok = true
		msg = "タスクを削除しました"
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}

// GetTask resolves one task by id, normalised id, or unique prefix.
func (s *Store) GetTask(taskID string) (*domain.Task, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	return d.FindTask(taskID), nil
}

// ListTasks filters tasks by status and/or assignee; empty filters match all.
func (s *Store) ListTasks(status domain.TaskStatus, agentID string) ([]domain.Task, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range d.Tasks {
		if status != "" && t.Status != status {
			continue
		}
		if agentID != "" && t.AssignedAgentID != agentID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateTaskChecklist replaces the checklist and/or appends a bounded log
// entry. A non-empty checklist drives the derived progress value.
func (s *Store) UpdateTaskChecklist(taskID string, checklist []domain.ChecklistItem, logMessage string) (bool, string) {
	ok, msg := false, ""
	err := s.Mutate(func(d *domain.Dashboard) error {
		task := d.FindTask(taskID)
		if task == nil {
			msg = fmt.Sprintf("タスク %s が見つかりません", taskID)
			return nil
		}
		if checklist != nil {
			task.Checklist = checklist
			if p := task.ChecklistProgress(); p >= 0 {
				task.Progress = p
			}
		}
		if logMessage != "" {
			task.AppendLog(s.now(), logMessage)
		}
		ok = true
		msg = "チェックリスト/ログを更新しました"
		return nil
	})
	if err != nil {
		return false, err.Error()
	}
	return ok, msg
}

// UpdateAgentSummary refreshes the dashboard's mirror of one agent.
func (s *Store) UpdateAgentSummary(agent *domain.Agent) error {
	return s.Mutate(func(d *domain.Dashboard) error {
		summary := summarizeAgent(agent)
		for i := range d.Agents {
			if d.Agents[i].AgentID == agent.ID {
				d.Agents[i] = summary
				return nil
			}
		}
		d.Agents = append(d.Agents, summary)
		return nil
	})
}

// RemoveAgentSummary drops one agent from the mirror.
func (s *Store) RemoveAgentSummary(agentID string) error {
	return s.Mutate(func(d *domain.Dashboard) error {
		kept := d.Agents[:0]
		for i := range d.Agents {
			if d.Agents[i].AgentID != agentID {
				kept = append(kept, d.Agents[i])
			}
		}
		d.Agents = kept
		return nil
	})
}

// IncrementCrashCount bumps the process crash counter and returns it.
func (s *Store) IncrementCrashCount() (int, error) {
	count := 0
	err := s.Mutate(func(d *domain.Dashboard) error {
		d.ProcessCrashCount++
		count = d.ProcessCrashCount
		return nil
	})
	return count, err
}

// IncrementRecoveryCount bumps the process recovery counter and returns it.
func (s *Store) IncrementRecoveryCount() (int, error) {
	count := 0
	err := s.Mutate(func(d *domain.Dashboard) error {
		d.ProcessRecovery++
		count = d.ProcessRecovery
		return nil
	})
	return count, err
}

// MarkSessionFinished stamps the session end time.
func (s *Store) MarkSessionFinished() error {
	return s.Mutate(func(d *domain.Dashboard) error {
		now := s.now()
		d.SessionFinishedAt = &now
		return nil
	})
}

// Summary is the flat dashboard digest returned by get_dashboard_summary
// and used by the completion predicate.
type Summary struct {
	WorkspaceID       string  `json:"workspace_id"`
	TotalAgents       int     `json:"total_agents"`
	ActiveAgents      int     `json:"active_agents"`
	TotalTasks        int     `json:"total_tasks"`
	PendingTasks      int     `json:"pending_tasks"`
	InProgressTasks   int     `json:"in_progress_tasks"`
	CompletedTasks    int     `json:"completed_tasks"`
	FailedTasks       int     `json:"failed_tasks"`
	AllTasksCompleted bool    `json:"all_tasks_completed"`
	TotalWorktrees    int     `json:"total_worktrees"`
	ActiveWorktrees   int     `json:"active_worktrees"`
	SessionStartedAt  string  `json:"session_started_at,omitempty"`
	SessionFinishedAt string  `json:"session_finished_at,omitempty"`
	ProcessCrashCount int     `json:"process_crash_count"`
	ProcessRecovery   int     `json:"process_recovery_count"`
	TotalAPICalls     int     `json:"total_api_calls"`
	EstimatedTokens   int     `json:"estimated_tokens"`
	EstimatedCostUSD  float64 `json:"estimated_cost_usd"`
	ActualCostUSD     float64 `json:"actual_cost_usd"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// GetSummary computes the digest from the current dashboard.
func (s *Store) GetSummary() (Summary, error) {
	d, err := s.Load()
	if err != nil {
		return Summary{}, err
	}
	pending, inProgress := 0, 0
	for _, t := range d.Tasks {
		switch t.Status {
		case domain.TaskPending:
			pending++
		case domain.TaskInProgress:
			inProgress++
		}
	}
	sum := Summary{
		WorkspaceID:       d.WorkspaceID,
		TotalAgents:       d.TotalAgents,
		ActiveAgents:      d.ActiveAgents,
		TotalTasks:        d.TotalTasks,
		PendingTasks:      pending,
		InProgressTasks:   inProgress,
		CompletedTasks:    d.CompletedTasks,
		FailedTasks:       d.FailedTasks,
		AllTasksCompleted: d.TotalTasks > 0 && pending == 0 && inProgress == 0 && d.FailedTasks == 0,
		TotalWorktrees:    d.TotalWorktrees,
		ActiveWorktrees:   d.ActiveWorktrees,
		ProcessCrashCount: d.ProcessCrashCount,
		ProcessRecovery:   d.ProcessRecovery,
		TotalAPICalls:     d.Cost.TotalAPICalls,
		EstimatedTokens:   d.Cost.EstimatedTokens,
		EstimatedCostUSD:  d.Cost.EstimatedCostUSD,
		ActualCostUSD:     d.Cost.ActualCostUSD,
		TotalCostUSD:      d.Cost.TotalCostUSD,
	}
	if d.SessionStartedAt != nil {
		sum.SessionStartedAt = d.SessionStartedAt.Format(timeLayout)
	}
	if d.SessionFinishedAt != nil {
		sum.SessionFinishedAt = d.SessionFinishedAt.Format(timeLayout)
	}
	return sum, nil
}

// ---- task instruction files ----

var unsafeFilePart = regexp.MustCompile(`[^0-9A-Za-z_-]+`)

// sanitizeFilePart makes a string safe for task-file names.
func sanitizeFilePart(value string) string {
	cleaned := strings.ToLower(strings.Trim(unsafeFilePart.ReplaceAllString(value, "_"), "_"))
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// TaskFilePath returns the instruction-file path for a task and agent label.
func (s *Store) TaskFilePath(taskID, agentLabel string) string {
	name := fmt.Sprintf("%s_%s.md", sanitizeFilePart(agentLabel), sanitizeFilePart(taskID))
	return filepath.Join(s.ws.TasksDir(), name)
}

// WriteTaskFile stores the rendered task instructions and records the
// workspace-relative path on the task.
func (s *Store) WriteTaskFile(taskID, agentLabel, content string) (string, error) {
	path := s.TaskFilePath(taskID, agentLabel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create tasks dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write task file: %w", err)
	}
	relative := path
	if rel, err := filepath.Rel(s.ws.ProjectRoot, path); err == nil {
		relative = rel
	}
	err := s.Mutate(func(d *domain.Dashboard) error {
		if task := d.FindTask(taskID); task != nil {
			task.TaskFilePath = relative
			task.Description = relative
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// ReadTaskFile returns the instruction file's content, or "" when absent.
func (s *Store) ReadTaskFile(taskID, agentLabel string) (string, error) {
	data, err := os.ReadFile(s.TaskFilePath(taskID, agentLabel))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// ClearTaskFile removes the instruction file. Reports whether it existed.
func (s *Store) ClearTaskFile(taskID, agentLabel string) (bool, error) {
	err := os.Remove(s.TaskFilePath(taskID, agentLabel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ---- shared mutation helpers ----

func summarizeAgent(agent *domain.Agent) domain.AgentSummary {
	return domain.AgentSummary{
		AgentID:      agent.ID,
		Name:         domain.DisplayLabel(agent),
		Role:         string(agent.Role),
		Status:       string(agent.Status),
		CurrentTask:  agent.CurrentTask,
		WorktreePath: agent.WorktreePath,
		Branch:       agent.Branch,
	}
}

func markAgentBusy(d *domain.Dashboard, agentID, taskID string) {
	for i := range d.Agents {
		if d.Agents[i].AgentID == agentID {
			d.Agents[i].CurrentTask = taskID
			if d.Agents[i].Role == string(domain.RoleWorker) {
				d.Agents[i].Status = string(domain.AgentBusy)
			}
			return
		}
	}
}

func releaseAgentsFromTask(d *domain.Dashboard, taskID string) {
	for i := range d.Agents {
		if d.Agents[i].CurrentTask == taskID {
			d.Agents[i].CurrentTask = ""
			if d.Agents[i].Role == string(domain.RoleWorker) {
				d.Agents[i].Status = string(domain.AgentIdle)
			}
		}
	}
}

// updateSessionFinished stamps session_finished_at when no task remains
// active, and clears it otherwise.
func updateSessionFinished(d *domain.Dashboard, now time.Time) {
	hasActive := false
	for i := range d.Tasks {
		switch d.Tasks[i].Status {
		case domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked:
			hasActive = true
		}
	}
	if len(d.Tasks) > 0 && !hasActive {
		stamp := now
		d.SessionFinishedAt = &stamp
	} else {
		d.SessionFinishedAt = nil
	}
}
