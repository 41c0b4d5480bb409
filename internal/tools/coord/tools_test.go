package coord

import (
	"strings"
	"testing"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

func TestSendCommandTypesIntoPane(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)

	payload := env.call(t, "send_command", map[string]any{
		"agent_id":        "worker-1",
		"command":         "git status",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, payload)

	found := false
	for _, s := range env.tmux.sent {
		if s == "proj:0.1|git status" {
			found = true
		}
	}
	if !found {
		t.Errorf("sent = %v", env.tmux.sent)
	}
}

func TestSendCommandRequiresPane(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAgent(t, "owner-1", domain.RoleOwner, -1)

	payload := env.call(t, "send_command", map[string]any{
		"agent_id":        owner.ID,
		"command":         "ls",
		"caller_agent_id": owner.ID,
	})
	msg := wantFailure(t, payload)
	if !strings.Contains(msg, "ペイン") {
		t.Errorf("error = %q", msg)
	}
}

func TestBroadcastCommandSkipsTerminated(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)
	dead := env.addAgent(t, "worker-2", domain.RoleWorker, 2)
	dead.Status = domain.AgentTerminated
	if err := env.deps.Registry.Save(&dead); err != nil {
		t.Fatal(err)
	}

	payload := env.call(t, "broadcast_command", map[string]any{
		"command":         "echo ping",
		"role_filter":     "worker",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, payload)
	results, _ := payload["results"].(map[string]any)
	if len(results) != 1 {
		t.Errorf("results = %v, want only the live worker", results)
	}
	if _, hit := results["worker-1"]; !hit {
		t.Errorf("results = %v", results)
	}
}

func TestGetOutputCapturesPane(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)
	env.tmux.captured = "$ go test ./...\nok"

	payload := env.call(t, "get_output", map[string]any{
		"agent_id":        "worker-1",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, payload)
	if out, _ := payload["output"].(string); !strings.Contains(out, "go test") {
		t.Errorf("output = %q", out)
	}
}

func TestOpenSessionReturnsAttachCommand(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAgent(t, "owner-1", domain.RoleOwner, -1)

	payload := env.call(t, "open_session", map[string]any{
		"working_dir":     env.deps.Workspace.ProjectRoot,
		"caller_agent_id": owner.ID,
	})
	wantSuccess(t, payload)
	attach, _ := payload["attach_command"].(string)
	name, _ := payload["session_name"].(string)
	if name == "" || !strings.HasPrefix(attach, "tmux attach-session -t ") {
		t.Errorf("payload = %v", payload)
	}
	if created, _ := payload["created"].(bool); !created {
		t.Error("session must be created on first open")
	}
}

func TestDashboardReflectsAgentsAndTasks(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	createTask(t, env, "admin-1", "ダッシュボード確認")

	payload := env.call(t, "get_dashboard_summary", map[string]any{
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, payload)
	summary, _ := payload["summary"].(map[string]any)
	if total, _ := summary["total_tasks"].(float64); int(total) != 1 {
		t.Errorf("total_tasks = %v", summary["total_tasks"])
	}
}

func TestCostThresholdAndSummary(t *testing.T) {
	env := newTestEnv(t)
	owner := env.addAgent(t, "owner-1", domain.RoleOwner, -1)

	bad := env.call(t, "set_cost_warning_threshold", map[string]any{
		"threshold_usd":   -1.0,
		"caller_agent_id": owner.ID,
	})
	if msg := wantFailure(t, bad); !strings.Contains(msg, "0 より大きい") {
		t.Errorf("error = %q", msg)
	}

	set := env.call(t, "set_cost_warning_threshold", map[string]any{
		"threshold_usd":   12.5,
		"caller_agent_id": owner.ID,
	})
	wantSuccess(t, set)

	summary := env.call(t, "get_cost_summary", map[string]any{
		"caller_agent_id": owner.ID,
	})
	wantSuccess(t, summary)
}

func TestMemorySaveRetrieveDelete(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)

	saved := env.call(t, "save_to_memory", map[string]any{
		"key":             "api-rate-limit",
		"content":         "外部APIのレートリミットは毎分60回",
		"tags":            []any{"api", "constraint"},
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, saved)

	found := env.call(t, "retrieve_from_memory", map[string]any{
		"query":           "rate",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, found)
	if count, _ := found["count"].(float64); int(count) != 1 {
		t.Errorf("count = %v", found["count"])
	}

	deleted := env.call(t, "delete_memory_entry", map[string]any{
		"key":             "api-rate-limit",
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, deleted)

	missing := env.call(t, "get_memory_entry", map[string]any{
		"key":             "api-rate-limit",
		"caller_agent_id": "admin-1",
	})
	if msg := wantFailure(t, missing); !strings.Contains(msg, "見つかりません") {
		t.Errorf("error = %q", msg)
	}
}

func TestMemoryGlobalScopeUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)

	payload := env.call(t, "save_to_memory", map[string]any{
		"key":             "x",
		"content":         "y",
		"scope":           "global",
		"caller_agent_id": "admin-1",
	})
	if msg := wantFailure(t, payload); !strings.Contains(msg, "グローバルメモリ") {
		t.Errorf("error = %q", msg)
	}
}

func TestGetRoleGuideDefaultsToCallerRole(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "worker-1", domain.RoleWorker, 1)

	payload := env.call(t, "get_role_guide", map[string]any{
		"caller_agent_id": "worker-1",
	})
	wantSuccess(t, payload)
	if payload["role"] != "worker" {
		t.Errorf("role = %v", payload["role"])
	}
	if guide, _ := payload["guide"].(string); guide == "" {
		t.Error("guide must not be empty")
	}
}

func TestCheckAllTasksCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "admin-1", domain.RoleAdmin, 0)
	taskID := createTask(t, env, "admin-1", "完了判定")

	before := env.call(t, "check_all_tasks_completed", map[string]any{
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, before)
	if done, _ := before["all_completed"].(bool); done {
		t.Error("pending task must block completion")
	}

	env.call(t, "update_task_status", map[string]any{
		"task_id":         taskID,
		"status":          "completed",
		"caller_agent_id": "admin-1",
	})

	after := env.call(t, "check_all_tasks_completed", map[string]any{
		"caller_agent_id": "admin-1",
	})
	wantSuccess(t, after)
	if done, _ := after["all_completed"].(bool); !done {
		t.Errorf("payload = %v", after)
	}
}
