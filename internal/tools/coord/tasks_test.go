package coord

import (
	"strings"
	"testing"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

func createTask(t *testing.T, env *testEnv, callerID, title string) string {
	t.Helper()
	payload := env.call(t, "create_task", map[string]any{
		"title":           title,
		"caller_agent_id": callerID,
	})
	wantSuccess(t, payload)
	task, _ := payload["task"].(map[string]any)
	id, _ := task["id"].(string)
	if id == "" {
		t.Fatalf("task id missing: %v", payload)
	}
	return id
}

func taskStatus(t *testing.T, env *testEnv, callerID, taskID string) (string, int) {
	t.Helper()
	payload := env.call(t, "get_task", map[string]any{
		"task_id":         taskID,
		"caller_agent_id": callerID,
	})
	wantSuccess(t, payload)
	task, _ := payload["task"].(map[string]any)
	status, _ := task["status"].(string)
	progress, _ := task["progress"].(float64)
	return status, int(progress)
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)

	taskID := createTask(t, env, "admin-1", "APIを実装する")
	if status, _ := taskStatus(t, env, "admin-1", taskID); status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}

	updated := env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "in_progress",
		"progress":        30,
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, updated)

	done := env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "completed",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, done)

	status, progress := taskStatus(t, env, "admin-1", taskID)
	if status != "completed" || progress != 100 {
		t.Errorf("task = %s/%d, want completed/100", status, progress)
	}
}

func TestTerminalTaskRejectsFurtherTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	taskID := createTask(t, env, "admin-1", "終端確認")

	done := env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "completed",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, done)

	back := env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "in_progress",
		"caller_agent_id": "admin-1",
	})
	if ok, _ := back["success"].(bool); ok {
		t.Fatalf("terminal transition must fail: %v", back)
	}
	if msg, _ := back["message"].(string); !strings.Contains(msg, "reopen_task") {
		t.Errorf("message = %q, want reopen_task hint", msg)
	}
}

func TestReopenTask(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	taskID := createTask(t, env, "admin-1", "やり直し対象")

	env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "completed",
		"caller_agent_id": "admin-1",
	})

	reopened := env.call(t, "reopen_task", map[string]any{
		"task_id":         taskID,
		"reset_progress":  true,
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, reopened)

	status, progress := taskStatus(t, env, "admin-1", taskID)
	if status != "pending" || progress != 0 {
		t.Errorf("task = %s/%d, want pending/0", status, progress)
	}
}

func TestUpdateTaskStatusRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "owner-1", domain.RoleOwner, -1)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	taskID := createTask(t, env, "admin-1", "権限確認")

	payload := env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "in_progress",
		"caller_agent_id": "owner-1",
	})
	msg := wantFailure(t, payload)
	if !strings.Contains(msg, "使用禁止") {
		t.Errorf("error = %q", msg)
	}
}

func TestAssignTaskMirrorsOntoAgent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)
	taskID := createTask(t, env, "admin-1", "割り当て対象")

	payload := env.call(t, "assign_task_to_agent", map[string]any{
		"task_id":         taskID,
		"agent_id":        "worker-1",
		"branch":          "feature/assign-test",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, payload)

	worker, _ := env.deps.Registry.Get("worker-1")
	if worker.CurrentTask != taskID {
		t.Errorf("current_task = %q, want %s", worker.CurrentTask, taskID)
	}
	if worker.Branch != "feature/assign-test" {
		t.Errorf("branch = %q", worker.Branch)
	}
}

func TestAssignTaskToUnknownAgentFails(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	taskID := createTask(t, env, "admin-1", "宛先なし")

	payload := env.call(t, "assign_task_to_agent", map[string]any{
		"task_id":         taskID,
		"agent_id":        "ghost-1",
		"caller_agent_id": "admin-1",
	})
	msg := wantFailure(t, payload)
	if !strings.Contains(msg, "見つかりません") {
		t.Errorf("error = %q", msg)
	}
}

// Worker reports only land on the dashboard when the Admin reads them.
func TestWorkerReportAppliedOnAdminRead(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)
	taskID := createTask(t, env, "admin-1", "進捗報告対象")

	report := env.call(t, "report_task_progress", map[string]any{
		"task_id":         taskID,
		"progress":        50,
		"message":         "実装半分まで完了",
		"caller_agent_id": "worker-1",
	})
	wantSuccess(t, report)
	if report["admin_id"] != "admin-1" {
		t.Errorf("admin_id = %v", report["admin_id"])
	}

	// Not yet applied: the Admin has not read the report.
	if status, progress := taskStatus(t, env, "admin-1", taskID); status != "pending" || progress != 0 {
		t.Fatalf("task = %s/%d before admin read, want pending/0", status, progress)
	}

	inbox := env.call(t, "read_messages", map[string]any{
		"agent_id":        "admin-1",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, inbox)
	reconcileReport, ok := inbox["reconcile"].(map[string]any)
	if !ok {
		t.Fatalf("reconcile report missing: %v", inbox)
	}
	if applied, _ := reconcileReport["applied"].([]any); len(applied) != 1 {
		t.Errorf("applied = %v", reconcileReport["applied"])
	}

	if status, progress := taskStatus(t, env, "admin-1", taskID); status != "in_progress" || progress != 50 {
		t.Errorf("task = %s/%d after admin read, want in_progress/50", status, progress)
	}
}

func TestWorkerCompletionReportFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)
	taskID := createTask(t, env, "admin-1", "完了報告対象")

	report := env.call(t, "report_task_completion", map[string]any{
		"task_id":         taskID,
		"status":          "completed",
		"message":         "テストまで完了しました",
		"caller_agent_id": "worker-1",
	})
	wantSuccess(t, report)
	if report["reported_status"] != "completed" {
		t.Errorf("reported_status = %v", report["reported_status"])
	}

	inbox := env.call(t, "read_messages", map[string]any{
		"agent_id":        "admin-1",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, inbox)

	status, progress := taskStatus(t, env, "admin-1", taskID)
	if status != "completed" || progress != 100 {
		t.Errorf("task = %s/%d, want completed/100", status, progress)
	}
}

func TestReportTaskCompletionRejectsOtherStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)

	payload := env.call(t, "report_task_completion", map[string]any{
		"task_id":         "task-001",
		"status":          "blocked",
		"message":         "詰まりました",
		"caller_agent_id": "worker-1",
	})
	msg := wantFailure(t, payload)
	if !strings.Contains(msg, "completed, failed") {
		t.Errorf("error = %q", msg)
	}
}

func TestReportRequiresWorkerRole(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)

	payload := env.call(t, "report_task_progress", map[string]any{
		"task_id":         "task-001",
		"caller_agent_id": "admin-1",
	})
	msg := wantFailure(t, payload)
	if !strings.Contains(msg, "使用禁止") {
		t.Errorf("error = %q", msg)
	}
}
