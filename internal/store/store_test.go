package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
)

func testSettings() *config.Settings {
	return &config.Settings{
		EnableGit:               true,
		EnableWorktree:          true,
		CostWarningThresholdUSD: 10.0,
		EstimatedTokensPerCall:  1000,
		CostPer1KClaude:         0.015,
		CostPer1KCodex:          0.010,
		CostPer1KGemini:         0.005,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ws := config.NewWorkspace(t.TempDir(), ".multi-agent-mcp", "sess-test")
	if err := os.MkdirAll(ws.SessionDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(ws.DashboardPath()), 0o755); err != nil {
		t.Fatal(err)
	}
	st := New(ws, testSettings(), nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	st.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return st
}

func mustCreateTask(t *testing.T, st *Store, title string) domain.Task {
	t.Helper()
	task, err := st.CreateTask(title, "", "", "", "", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestInitializeWritesDashboard(t *testing.T) {
	st := newTestStore(t)
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	data, err := os.ReadFile(st.ws.DashboardPath())
	if err != nil {
		t.Fatalf("dashboard not written: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		t.Error("missing front-matter delimiter")
	}
	if !strings.Contains(content, "workspace_id: sess-test") {
		t.Error("front-matter missing workspace_id")
	}
	if !strings.Contains(content, "# Multi-Agent Dashboard") {
		t.Error("missing rendered body heading")
	}

	d, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.WorkspaceID != "sess-test" {
		t.Errorf("WorkspaceID = %q", d.WorkspaceID)
	}
	if d.Cost.WarningThreshold != 10.0 {
		t.Errorf("WarningThreshold = %v", d.Cost.WarningThreshold)
	}
}

func TestCreateTaskAndResolve(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, "build parser")

	got, err := st.GetTask(task.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTask exact: %v, %v", got, err)
	}
	byPrefix, err := st.GetTask(task.ID[:8])
	if err != nil || byPrefix == nil || byPrefix.ID != task.ID {
		t.Fatalf("GetTask by prefix failed: %v, %v", byPrefix, err)
	}
	if byPrefix.Metadata["requested_description"] != nil {
		t.Error("empty description should not be recorded")
	}

	withDesc, err := st.CreateTask("with desc", "do the thing", "", "", "", map[string]any{"kind": "qa"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetTask(withDesc.ID)
	if got.Metadata["requested_description"] != "do the thing" {
		t.Errorf("requested_description = %v", got.Metadata["requested_description"])
	}
	if got.Metadata["kind"] != "qa" {
		t.Errorf("caller metadata lost: %v", got.Metadata)
	}
	if got.Description != "" {
		t.Errorf("Description must stay empty until a task file exists, got %q", got.Description)
	}
}

func TestUpdateTaskStatusLifecycle(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(d *domain.Dashboard) error {
		d.Agents = append(d.Agents, domain.AgentSummary{
			AgentID: "worker-1", Name: "claude1", Role: "worker", Status: "idle",
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	task := mustCreateTask(t, st, "feature work")
	if ok, msg := st.AssignTask(task.ID, "worker-1", "feature/x", ""); !ok {
		t.Fatalf("AssignTask: %s", msg)
	}

	ok, msg := st.UpdateTaskStatus(task.ID, domain.TaskInProgress, nil, nil)
	if !ok {
		t.Fatalf("to in_progress: %s", msg)
	}
	d, _ := st.Load()
	got := d.FindTask(task.ID)
	if got.StartedAt == nil {
		t.Error("started_at not stamped")
	}
	if d.SessionStartedAt == nil {
		t.Error("session_started_at not stamped")
	}
	if got.Metadata["last_in_progress_update_at"] == nil {
		t.Error("last_in_progress_update_at not stamped")
	}
	if d.Agents[0].Status != "busy" || d.Agents[0].CurrentTask != task.ID {
		t.Errorf("assignee not busy: %+v", d.Agents[0])
	}
	if d.SessionFinishedAt != nil {
		t.Error("session_finished_at must be clear while a task is active")
	}

	progress := 40
	if ok, _ := st.UpdateTaskStatus(task.ID, domain.TaskInProgress, &progress, nil); !ok {
		t.Fatal("self-transition with progress should pass")
	}

	ok, _ = st.UpdateTaskStatus(task.ID, domain.TaskCompleted, nil, nil)
	if !ok {
		t.Fatal("to completed")
	}
	d, _ = st.Load()
	got = d.FindTask(task.ID)
	if got.Progress != 100 {
		t.Errorf("completed must force progress=100, got %d", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if d.Agents[0].Status != "idle" || d.Agents[0].CurrentTask != "" {
		t.Errorf("assignee not released: %+v", d.Agents[0])
	}
	if d.SessionFinishedAt == nil {
		t.Error("session_finished_at should be set when nothing is active")
	}

	ok, msg = st.UpdateTaskStatus(task.ID, domain.TaskInProgress, nil, nil)
	if ok {
		t.Fatal("terminal task must reject transitions")
	}
	if !strings.Contains(msg, "reopen_task") {
		t.Errorf("rejection should point at reopen_task: %s", msg)
	}
}

func TestUpdateTaskStatusFailureKeepsError(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, "flaky job")
	errMsg := "build broke"
	if ok, _ := st.UpdateTaskStatus(task.ID, domain.TaskFailed, nil, &errMsg); !ok {
		t.Fatal("to failed")
	}
	d, _ := st.Load()
	if got := d.FindTask(task.ID); got.ErrorMessage != "build broke" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if d.FailedTasks != 1 {
		t.Errorf("FailedTasks = %d", d.FailedTasks)
	}
}

func TestReopenTask(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, "redo me")
	st.UpdateTaskStatus(task.ID, domain.TaskInProgress, nil, nil)
	errMsg := "boom"
	st.UpdateTaskStatus(task.ID, domain.TaskFailed, nil, &errMsg)

	if ok, msg := st.ReopenTask(task.ID, true); !ok {
		t.Fatalf("ReopenTask: %s", msg)
	}
	d, _ := st.Load()
	got := d.FindTask(task.ID)
	if got.Status != domain.TaskPending {
		t.Errorf("Status = %s", got.Status)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("timestamps must be cleared")
	}
	if got.ErrorMessage != "" || got.Progress != 0 {
		t.Errorf("error/progress not reset: %q %d", got.ErrorMessage, got.Progress)
	}
	if got.Metadata["reopened_at"] == nil {
		t.Error("reopened_at not stamped")
	}
	if d.SessionFinishedAt != nil {
		t.Error("session_finished_at must clear on reopen")
	}

	if ok, msg := st.ReopenTask(task.ID, false); ok {
		t.Errorf("reopening a pending task must fail, got %q", msg)
	}
}

func TestAssignTaskReleasesPreviousAssignee(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(d *domain.Dashboard) error {
		d.Agents = append(d.Agents,
			domain.AgentSummary{AgentID: "worker-1", Role: "worker", Status: "idle"},
			domain.AgentSummary{AgentID: "worker-2", Role: "worker", Status: "idle"},
		)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	task := mustCreateTask(t, st, "handover")
	st.AssignTask(task.ID, "worker-1", "", "")
	st.AssignTask(task.ID, "worker-2", "", "")

	d, _ := st.Load()
	for _, a := range d.Agents {
		switch a.AgentID {
		case "worker-1":
			if a.CurrentTask != "" || a.Status != "idle" {
				t.Errorf("previous assignee not released: %+v", a)
			}
		case "worker-2":
			if a.CurrentTask != task.ID || a.Status != "busy" {
				t.Errorf("new assignee not busy: %+v", a)
			}
		}
	}
}

func TestLegacyDashboardRejected(t *testing.T) {
	st := newTestStore(t)
	legacy := `---
workspace_id: sess-test
workspace_path: /tmp/p
updated_at: 2025-06-01T00:00:00Z
tasks:
  - id: abc
    title: old task
    description: |
      inline body from the old format
    status: pending
    progress: 0
    created_at: 2025-06-01T00:00:00Z
cost:
  warning_threshold_usd: 10
---

body
`
	if err := os.WriteFile(st.ws.DashboardPath(), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := st.Load()
	if !errors.Is(err, ErrLegacyFormat) {
		t.Fatalf("want ErrLegacyFormat, got %v", err)
	}
	if err := st.Mutate(func(*domain.Dashboard) error { return nil }); !errors.Is(err, ErrLegacyFormat) {
		t.Fatalf("Mutate must surface the legacy error, got %v", err)
	}
}

func TestCorruptDashboardStartsFresh(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.ws.DashboardPath(), []byte("not a dashboard"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := st.Load()
	if err != nil {
		t.Fatalf("corrupt file should fall back to fresh: %v", err)
	}
	if d.WorkspaceID != "sess-test" || len(d.Tasks) != 0 {
		t.Errorf("unexpected fresh dashboard: %+v", d)
	}
}

func TestRecordAPICallEstimated(t *testing.T) {
	st := newTestStore(t)
	cost, err := st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 2000, AgentID: "worker-1"})
	if err != nil {
		t.Fatal(err)
	}
	if cost.TotalAPICalls != 1 || cost.EstimatedTokens != 2000 {
		t.Errorf("calls/tokens = %d/%d", cost.TotalAPICalls, cost.EstimatedTokens)
	}
	want := 2.0 * 0.010
	if cost.EstimatedCostUSD != want || cost.TotalCostUSD != want {
		t.Errorf("estimated = %v, total = %v, want %v", cost.EstimatedCostUSD, cost.TotalCostUSD, want)
	}

	// Zero tokens fall back to the configured per-call estimate.
	cost, err = st.RecordAPICall(CostRecord{AICli: "gemini"})
	if err != nil {
		t.Fatal(err)
	}
	if cost.EstimatedTokens != 3000 {
		t.Errorf("EstimatedTokens = %d, want 3000", cost.EstimatedTokens)
	}
}

func TestStatusLineOnlyStoredWithActualCost(t *testing.T) {
	st := newTestStore(t)
	st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 1000, StatusLine: "session 1h", AgentID: "worker-1"})
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 1000, StatusLine: "session 2h", AgentID: "admin-1"})
	actual := 1.5
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 1000, ActualCostUSD: &actual, StatusLine: "session 3h", AgentID: "admin-1"})

	d, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Cost.Calls) != 3 {
		t.Fatalf("rows = %d", len(d.Cost.Calls))
	}
	for _, i := range []int{0, 1} {
		row := d.Cost.Calls[i]
		if row.StatusLine != "" || row.CostSource != domain.CostSourceEstimated {
			t.Errorf("row %d: status_line=%q source=%q, want empty/estimated", i, row.StatusLine, row.CostSource)
		}
	}
	last := d.Cost.Calls[2]
	if last.StatusLine != "session 3h" || last.CostSource != domain.CostSourceActual {
		t.Errorf("actual row: status_line=%q source=%q", last.StatusLine, last.CostSource)
	}
}

func TestActualCostLatestSnapshotWins(t *testing.T) {
	st := newTestStore(t)
	first, second := 1.20, 1.85
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 1000, ActualCostUSD: &first, AgentID: "admin-1"})
	st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 1000, AgentID: "worker-1"})
	cost, err := st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 1000, ActualCostUSD: &second, AgentID: "admin-1"})
	if err != nil {
		t.Fatal(err)
	}
	if cost.ActualCostUSD != second {
		t.Errorf("ActualCostUSD = %v, want the latest snapshot %v", cost.ActualCostUSD, second)
	}
	if cost.ActualCostByAgent["admin-1"] != second {
		t.Errorf("ActualCostByAgent = %v", cost.ActualCostByAgent)
	}
	wantEstimated := 1.0 * 0.010
	if cost.EstimatedCostUSD != wantEstimated {
		t.Errorf("EstimatedCostUSD = %v, want only the codex row %v", cost.EstimatedCostUSD, wantEstimated)
	}
	if cost.TotalCostUSD != second+wantEstimated {
		t.Errorf("TotalCostUSD = %v", cost.TotalCostUSD)
	}

	// An actual figure from a non-claude CLI is not trusted.
	bogus := 9.0
	cost, _ = st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 1000, ActualCostUSD: &bogus, AgentID: "worker-1"})
	if cost.ActualCostUSD != second {
		t.Errorf("non-claude actual must be ignored, got %v", cost.ActualCostUSD)
	}
}

func TestCostWarningAndReset(t *testing.T) {
	st := newTestStore(t)
	if err := st.SetCostWarningThreshold(0.01); err != nil {
		t.Fatal(err)
	}
	if err := st.SetCostWarningThreshold(-1); err == nil {
		t.Error("negative threshold must be rejected")
	}
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 5000, AgentID: "a"})

	exceeded, msg, err := st.CheckCostWarning()
	if err != nil {
		t.Fatal(err)
	}
	if !exceeded {
		t.Fatal("warning should trigger")
	}
	if !strings.Contains(msg, "閾値") || !strings.Contains(msg, "$0.01") {
		t.Errorf("warning message = %q", msg)
	}

	dropped, err := st.ResetCostCounter()
	if err != nil || dropped != 1 {
		t.Fatalf("ResetCostCounter = %d, %v", dropped, err)
	}
	cost, _ := st.GetCostEstimate()
	if cost.TotalAPICalls != 0 || cost.TotalCostUSD != 0 {
		t.Errorf("ledger not cleared: %+v", cost)
	}
	if cost.WarningThreshold != 0.01 {
		t.Errorf("threshold must survive the reset, got %v", cost.WarningThreshold)
	}
}

func TestCostBreakdown(t *testing.T) {
	st := newTestStore(t)
	actual := 2.0
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 1000, ActualCostUSD: &actual, AgentID: "admin-1", TaskID: "t1"})
	st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 2000, AgentID: "worker-1", TaskID: "t1"})
	st.RecordAPICall(CostRecord{AICli: "codex", Tokens: 1000, AgentID: "worker-1", TaskID: "t2"})

	breakdown, err := st.GetDetailedBreakdown()
	if err != nil {
		t.Fatal(err)
	}
	if got := breakdown.ByAgent["worker-1"]; got.Calls != 2 || got.Tokens != 3000 {
		t.Errorf("worker-1 = %+v", got)
	}
	if got := breakdown.ByAgent["admin-1"]; got.CostUSD != 2.0 {
		t.Errorf("admin-1 actual = %+v", got)
	}
	if got := breakdown.ByTask["t1"]; got.Calls != 2 {
		t.Errorf("t1 = %+v", got)
	}
	if got := breakdown.ByCli["codex"]; got.Calls != 2 {
		t.Errorf("codex = %+v", got)
	}
	if breakdown.Total.CallsByCli["claude"] != 1 {
		t.Errorf("CallsByCli = %v", breakdown.Total.CallsByCli)
	}
}

func TestTaskFileRoundTrip(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, "documented work")

	path, err := st.WriteTaskFile(task.ID, "Claude #1", "## instructions\ndo it")
	if err != nil {
		t.Fatalf("WriteTaskFile: %v", err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "claude_1_") || !strings.HasSuffix(base, ".md") {
		t.Errorf("file name not sanitized: %s", base)
	}

	got, _ := st.GetTask(task.ID)
	if got.TaskFilePath == "" || got.TaskFilePath != got.Description {
		t.Errorf("TaskFilePath %q and Description %q must match", got.TaskFilePath, got.Description)
	}
	if filepath.IsAbs(got.TaskFilePath) {
		t.Errorf("stored path must be workspace-relative: %s", got.TaskFilePath)
	}

	content, err := st.ReadTaskFile(task.ID, "Claude #1")
	if err != nil || !strings.Contains(content, "do it") {
		t.Fatalf("ReadTaskFile = %q, %v", content, err)
	}

	// The dashboard stays loadable: path-style descriptions are not legacy.
	if _, err := st.Load(); err != nil {
		t.Fatalf("dashboard with task file path should load: %v", err)
	}

	removed, err := st.ClearTaskFile(task.ID, "Claude #1")
	if err != nil || !removed {
		t.Fatalf("ClearTaskFile = %v, %v", removed, err)
	}
	if removed, _ = st.ClearTaskFile(task.ID, "Claude #1"); removed {
		t.Error("second clear should report missing")
	}
}

func TestSummaryCompletionPredicate(t *testing.T) {
	st := newTestStore(t)

	sum, err := st.GetSummary()
	if err != nil {
		t.Fatal(err)
	}
	if sum.AllTasksCompleted {
		t.Error("no tasks means not completed")
	}

	a := mustCreateTask(t, st, "a")
	b := mustCreateTask(t, st, "b")
	st.UpdateTaskStatus(a.ID, domain.TaskCompleted, nil, nil)

	sum, _ = st.GetSummary()
	if sum.AllTasksCompleted {
		t.Error("pending task should block completion")
	}

	st.UpdateTaskStatus(b.ID, domain.TaskCancelled, nil, nil)
	sum, _ = st.GetSummary()
	if !sum.AllTasksCompleted {
		t.Errorf("completed+cancelled should count as done: %+v", sum)
	}
	if sum.PendingTasks != 0 || sum.CompletedTasks != 1 {
		t.Errorf("counts = %+v", sum)
	}

	errMsg := "x"
	st.ReopenTask(b.ID, false)
	st.UpdateTaskStatus(b.ID, domain.TaskFailed, nil, &errMsg)
	sum, _ = st.GetSummary()
	if sum.AllTasksCompleted {
		t.Error("failed task should block completion")
	}
}

func TestLoadReturnsIsolatedCopy(t *testing.T) {
	st := newTestStore(t)
	task := mustCreateTask(t, st, "shared")

	d1, _ := st.Load()
	d1.FindTask(task.ID).Title = "mutated by caller"
	d1.Agents = append(d1.Agents, domain.AgentSummary{AgentID: "ghost"})

	d2, _ := st.Load()
	if d2.FindTask(task.ID).Title != "shared" {
		t.Error("cache leaked caller mutation")
	}
	if len(d2.Agents) != 0 {
		t.Error("cache leaked appended agent")
	}
}

func TestRenderedBodySections(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(d *domain.Dashboard) error {
		d.Agents = append(d.Agents, domain.AgentSummary{
			AgentID: "worker-1", Name: "claude1", Role: "worker", Status: "busy", CurrentTask: "t",
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	task := mustCreateTask(t, st, "render me")
	st.UpdateTaskStatus(task.ID, domain.TaskInProgress, nil, nil)
	st.UpdateTaskChecklist(task.ID, []domain.ChecklistItem{
		{Text: "step one", Completed: true},
		{Text: "step two"},
	}, "halfway there")

	data, err := os.ReadFile(st.ws.DashboardPath())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{
		"## エージェント状態",
		"| ID | 名前 | 役割 | 状態 | 現在のタスク |",
		"🔵 busy",
		"## タスク状態",
		"🔄 in_progress",
		"worktree",
		"## タスク詳細",
		"- [x] step one",
		"- [ ] step two",
		"halfway there",
		"## 統計",
		"**実装完了**: ❌",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("rendered body missing %q", want)
		}
	}
	if strings.Contains(content, "## コスト情報") {
		t.Error("cost section should be absent with no API calls")
	}

	// Checklist drives the derived progress.
	d, _ := st.Load()
	if got := d.FindTask(task.ID); got.Progress != 50 {
		t.Errorf("Progress = %d, want 50", got.Progress)
	}
}

func TestRenderedCostSectionWarning(t *testing.T) {
	st := newTestStore(t)
	st.SetCostWarningThreshold(0.01)
	st.RecordAPICall(CostRecord{AICli: "claude", Tokens: 5000, AgentID: "a", Model: "opus"})

	data, err := os.ReadFile(st.ws.DashboardPath())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{
		"## コスト情報",
		"役割別内訳",
		"エージェント別呼び出し",
		"モデル別内訳",
		"⚠️ **警告**: 合算コストが閾値を超えています！",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("cost section missing %q", want)
		}
	}
}

func TestWorktreeColumnGatedBySettings(t *testing.T) {
	st := newTestStore(t)
	st.settings.EnableWorktree = false
	mustCreateTask(t, st, "plain table")

	data, _ := os.ReadFile(st.ws.DashboardPath())
	if strings.Contains(string(data), "| worktree |") {
		t.Error("worktree column must be hidden when disabled")
	}
}

func TestWorktreeColumnNeedsGit(t *testing.T) {
	st := newTestStore(t)
	st.settings.EnableGit = false
	st.settings.EnableWorktree = true
	mustCreateTask(t, st, "no git no worktrees")

	data, _ := os.ReadFile(st.ws.DashboardPath())
	if strings.Contains(string(data), "| worktree |") {
		t.Error("worktree column must be hidden when git is disabled")
	}
}

func TestAppendMessagePreservesHistory(t *testing.T) {
	st := newTestStore(t)
	if err := st.Initialize(); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 6, 1, 9, 30, 15, 0, time.UTC)
	first := &domain.MessageSummary{
		MessageID:   "m-1",
		SenderID:    "admin-001",
		ReceiverID:  "worker-1",
		MessageType: "task_complete",
		Content:     "done",
		CreatedAt:   &at,
	}
	second := &domain.MessageSummary{
		MessageID:   "m-2",
		SenderID:    "worker-1",
		ReceiverID:  "admin-001",
		MessageType: "response",
		Content:     "ack",
		CreatedAt:   &at,
	}
	if err := st.AppendMessage(first); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := st.AppendMessage(second); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(st.ws.MessagesPath())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if strings.Count(content, "# Multi-Agent Messages") != 1 {
		t.Error("header must be written once")
	}
	if !strings.Contains(content, "09:30:15 ✅ admin-001 → worker-1") {
		t.Errorf("first block missing:\n%s", content)
	}
	if !strings.Contains(content, "```text\ndone\n```") {
		t.Error("content block missing")
	}
	// The second append must land after the first, not replace it.
	if strings.Index(content, "done") > strings.Index(content, "ack") {
		t.Errorf("blocks out of order:\n%s", content)
	}
	if strings.Count(content, "<details open>") != 2 {
		t.Errorf("expected both blocks retained:\n%s", content)
	}

	d, _ := st.Load()
	if len(d.Messages) != 2 {
		t.Errorf("message ledger = %d entries, want 2", len(d.Messages))
	}
}

type fakeAgents struct {
	agents []domain.Agent
	synced int
}

func (f *fakeAgents) SyncFromDisk() error  { f.synced++; return nil }
func (f *fakeAgents) List() []domain.Agent { return f.agents }

type fakeMessages struct {
	msgs []domain.Message
	err  error
}

func (f *fakeMessages) AllMessages() ([]domain.Message, error) { return f.msgs, f.err }

func TestSyncFromDisk(t *testing.T) {
	st := newTestStore(t)
	if err := st.Mutate(func(d *domain.Dashboard) error {
		d.Agents = append(d.Agents,
			domain.AgentSummary{AgentID: "stale-1", Role: "worker", Status: "idle"},
			domain.AgentSummary{AgentID: "stale-2", Role: "worker", Status: "idle"},
		)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	w := 0
	p := 1
	agents := &fakeAgents{agents: []domain.Agent{{
		ID: "worker-1", Role: domain.RoleWorker, Status: domain.AgentIdle,
		SessionName: "sess", WindowIndex: &w, PaneIndex: &p, AICli: domain.CliClaude,
	}}}
	msgs := &fakeMessages{msgs: []domain.Message{{
		ID: "m1", SenderID: "admin-001", ReceiverID: "worker-1",
		MessageType: "task_assign", Content: "go", CreatedAt: time.Now(),
	}}}

	report, err := st.SyncFromDisk(agents, msgs)
	if err != nil {
		t.Fatalf("SyncFromDisk: %v", err)
	}
	if agents.synced != 1 {
		t.Error("registry not refreshed from disk")
	}
	if report.AgentsSynced != 1 || report.AgentsRemoved != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.MessagesSynced != 1 || report.MessagesFailed {
		t.Errorf("message report = %+v", report)
	}
	if !report.SessionStarted {
		t.Error("session start should stamp once agents exist")
	}

	d, _ := st.Load()
	if len(d.Agents) != 1 || d.Agents[0].AgentID != "worker-1" {
		t.Errorf("agent mirror = %+v", d.Agents)
	}

	data, err := os.ReadFile(st.ws.MessagesPath())
	if err != nil {
		t.Fatalf("messages.md not written: %v", err)
	}
	if !strings.Contains(string(data), "admin-001") {
		t.Error("messages.md missing synced message")
	}
}

func TestSyncFromDiskKeepsRecordedMessages(t *testing.T) {
	st := newTestStore(t)
	agents := &fakeAgents{agents: []domain.Agent{{
		ID: "worker-1", Role: domain.RoleWorker, Status: domain.AgentIdle,
	}}}
	msgs := &fakeMessages{msgs: []domain.Message{{
		ID: "m1", SenderID: "admin-001", ReceiverID: "worker-1",
		MessageType: "task_assign", Content: "go", CreatedAt: time.Now(),
	}}}

	if _, err := st.SyncFromDisk(agents, msgs); err != nil {
		t.Fatal(err)
	}

	// Same inbox content again: nothing new to record.
	report, err := st.SyncFromDisk(agents, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if report.MessagesSynced != 0 {
		t.Errorf("repeat sync recorded %d messages, want 0", report.MessagesSynced)
	}

	// Inboxes cleared: recorded history must survive.
	msgs.msgs = nil
	if _, err := st.SyncFromDisk(agents, msgs); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(st.ws.MessagesPath())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "admin-001"); got != 1 {
		t.Errorf("messages.md has %d history entries, want exactly 1:\n%s", got, data)
	}
	d, _ := st.Load()
	if len(d.Messages) != 1 || d.Messages[0].MessageID != "m1" {
		t.Errorf("message ledger = %+v", d.Messages)
	}
}

func TestSyncFromDiskMessageFailureIsBestEffort(t *testing.T) {
	st := newTestStore(t)
	agents := &fakeAgents{}
	msgs := &fakeMessages{err: errors.New("ipc unavailable")}

	report, err := st.SyncFromDisk(agents, msgs)
	if err != nil {
		t.Fatalf("agent sync must survive message failure: %v", err)
	}
	if !report.MessagesFailed {
		t.Error("report should flag the message failure")
	}
}

func TestCleanupRemovesFiles(t *testing.T) {
	st := newTestStore(t)
	if err := st.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := st.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(st.ws.DashboardPath()); !os.IsNotExist(err) {
		t.Error("dashboard.md should be gone")
	}
	// Idempotent on missing files.
	if err := st.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}
