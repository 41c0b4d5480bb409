// Package reconcile folds worker task reports back into the dashboard.
// When the Admin reads its inbox, task_progress / task_complete /
// task_failed messages are applied to the referenced tasks so the
// dashboard converges even if a worker never calls update_task_status.
package reconcile

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cast"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/registry"
	"github.com/jaakkos/tmuxcrew/internal/store"
)

// Update reports one message that changed a task.
type Update struct {
	MessageID string            `json:"message_id"`
	TaskID    string            `json:"task_id"`
	Type      string            `json:"type"`
	Status    domain.TaskStatus `json:"status"`
	Progress  int               `json:"progress"`
}

// Skip reports one message that was left unapplied and why.
type Skip struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Applied []Update `json:"applied"`
	Skipped []Skip   `json:"skipped"`
}

// reporterState is the post-reconcile status for one sending agent.
type reporterState struct {
	status    domain.AgentStatus
	taskID    string
	clearTask bool
}

// Reconciler applies task-typed messages in a single dashboard
// transaction per call.
type Reconciler struct {
	store    *store.Store
	registry *registry.Registry
	logger   *log.Logger
	now      func() time.Time
}

// New builds a reconciler over the dashboard store and agent registry.
func New(st *store.Store, reg *registry.Registry, logger *log.Logger) *Reconciler {
	return &Reconciler{store: st, registry: reg, logger: logger, now: time.Now}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// taskTyped reports whether a message participates in reconciliation.
func taskTyped(t domain.MessageType) bool {
	switch t {
	case domain.MsgTaskProgress, domain.MsgTaskComplete, domain.MsgTaskFailed:
		return true
	}
	return false
}

// metadataTaskID extracts the task reference from a message.
func metadataTaskID(m *domain.Message) string {
	if m.Metadata == nil {
		return ""
	}
	return cast.ToString(m.Metadata["task_id"])
}

// decodeChecklist rebuilds a checklist from message metadata. Entries
// that are not objects with a text field are dropped.
func decodeChecklist(raw any) []domain.ChecklistItem {
	var items []domain.ChecklistItem
	for _, entry := range cast.ToSlice(raw) {
		fields := cast.ToStringMap(entry)
		text := cast.ToString(fields["text"])
		if text == "" {
			continue
		}
		items = append(items, domain.ChecklistItem{
			Text:      text,
			Completed: cast.ToBool(fields["completed"]),
		})
	}
	return items
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Apply folds the task-typed messages into the dashboard. All updates
// happen inside one store transaction so the file is re-rendered once.
// Non-task messages are ignored silently; unapplicable task messages
// come back in Report.Skipped with a structured reason.
func (r *Reconciler) Apply(messages []domain.Message) (Report, error) {
	report := Report{Applied: []Update{}, Skipped: []Skip{}}
	reporters := map[string]reporterState{}

	relevant := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if taskTyped(m.MessageType) {
			relevant = append(relevant, m)
		}
	}
	if len(relevant) == 0 {
		return report, nil
	}

	err := r.store.Mutate(func(d *domain.Dashboard) error {
		for i := range relevant {
			m := &relevant[i]
			skipReason := r.applyOne(d, m, &report, reporters)
			if skipReason != "" {
				report.Skipped = append(report.Skipped, Skip{
					MessageID: m.ID,
					Type:      string(m.MessageType),
					Reason:    skipReason,
				})
			}
		}
		// Mirror the reporter states onto the dashboard summaries.
		for i := range d.Agents {
			state, ok := reporters[d.Agents[i].AgentID]
			if !ok {
				continue
			}
			d.Agents[i].Status = string(state.status)
			if state.clearTask && d.Agents[i].CurrentTask == state.taskID {
				d.Agents[i].CurrentTask = ""
			} else if !state.clearTask && state.taskID != "" {
				d.Agents[i].CurrentTask = state.taskID
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	r.persistReporters(reporters)
	return report, nil
}

// applyOne mutates one task for one message. Returns a non-empty skip
// reason when the message could not be applied.
func (r *Reconciler) applyOne(d *domain.Dashboard, m *domain.Message, report *Report, reporters map[string]reporterState) string {
	taskID := metadataTaskID(m)
	if taskID == "" {
		return "missing_task_id"
	}
	task := d.FindTask(taskID)
	if task == nil {
		return "task_not_found:" + domain.NormalizeTaskID(taskID)
	}
	now := r.now()

	switch m.MessageType {
	case domain.MsgTaskProgress:
		if task.Status == domain.TaskCompleted {
			return "already_completed:" + task.ID
		}
		if task.Status.IsTerminal() {
			return fmt.Sprintf("task_terminal:%s:%s", task.ID, task.Status)
		}
		task.Status = domain.TaskInProgress
		if task.StartedAt == nil {
			started := now
			task.StartedAt = &started
		}
		if m.Metadata != nil {
			if raw, ok := m.Metadata["progress"]; ok {
				task.Progress = clampProgress(cast.ToInt(raw))
			}
			if raw, ok := m.Metadata["checklist"]; ok {
				if items := decodeChecklist(raw); items != nil {
					task.Checklist = items
				}
			}
		}
		if m.Content != "" {
			task.AppendLog(now, m.Content)
		}
		if task.Metadata == nil {
			task.Metadata = map[string]any{}
		}
		task.Metadata["last_in_progress_update_at"] = now.Format(time.RFC3339)
		reporters[m.SenderID] = reporterState{status: domain.AgentBusy, taskID: task.ID}
		report.Applied = append(report.Applied, Update{
			MessageID: m.ID, TaskID: task.ID,
			Type: string(m.MessageType), Status: task.Status, Progress: task.Progress,
		})

	case domain.MsgTaskComplete:
		if task.Status == domain.TaskCompleted {
			return "already_completed:" + task.ID
		}
		task.Status = domain.TaskCompleted
		task.Progress = 100
		completed := now
		task.CompletedAt = &completed
		if task.StartedAt == nil {
			task.StartedAt = &completed
		}
		reporters[m.SenderID] = reporterState{status: domain.AgentIdle, taskID: task.ID, clearTask: true}
		report.Applied = append(report.Applied, Update{
			MessageID: m.ID, TaskID: task.ID,
			Type: string(m.MessageType), Status: task.Status, Progress: 100,
		})

	case domain.MsgTaskFailed:
		if task.Status == domain.TaskFailed {
			return "already_failed:" + task.ID
		}
		task.Status = domain.TaskFailed
		failed := now
		task.CompletedAt = &failed
		if m.Content != "" {
			task.ErrorMessage = m.Content
		} else if m.Metadata != nil {
			task.ErrorMessage = cast.ToString(m.Metadata["error"])
		}
		reporters[m.SenderID] = reporterState{status: domain.AgentIdle, taskID: task.ID, clearTask: true}
		report.Applied = append(report.Applied, Update{
			MessageID: m.ID, TaskID: task.ID,
			Type: string(m.MessageType), Status: task.Status, Progress: task.Progress,
		})
	}
	return ""
}

// persistReporters pushes the reconciled agent states to the registry.
func (r *Reconciler) persistReporters(reporters map[string]reporterState) {
	for agentID, state := range reporters {
		agent, ok := r.registry.Get(agentID)
		if !ok {
			continue
		}
		agent.Status = state.status
		if state.clearTask {
			if agent.CurrentTask == state.taskID {
				agent.CurrentTask = ""
			}
		} else if state.taskID != "" {
			agent.CurrentTask = state.taskID
		}
		agent.LastActivity = r.now()
		if err := r.registry.Save(&agent); err != nil {
			r.logf("reconcile: agent save failed for %s: %v", agentID, err)
		}
	}
}
