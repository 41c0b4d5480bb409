package dispatch

import (
	"strings"
	"testing"
)

func TestRenderAdminTask(t *testing.T) {
	body, err := RenderAdminTask(AdminTaskParams{
		SessionID:      "issue-42",
		AgentID:        "admin-001",
		PlanContent:    "ログイン画面を実装する",
		BranchName:     "feature/login",
		WorkerCount:    4,
		MemoryContext:  "前回は JWT を採用した",
		ProjectName:    "webapp",
		ToolPrefix:     "mcp__multi-agent-mcp__",
		MaxIterations:  3,
		SameIssueLimit: 2,
		Timestamp:      "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("RenderAdminTask: %v", err)
	}
	for _, want := range []string{
		"# Admin タスク: issue-42",
		"Admin は絶対にコードを書いてはいけません",
		"F001",
		"mcp__multi-agent-mcp__create_task",
		"ログイン画面を実装する",
		"**Worker 数**: 4",
		"イテレーション < 3",
		"同じ問題が2回以上繰り返される場合は Owner に相談",
		"RACE-001",
		"前回は JWT を採用した",
		`retrieve_from_memory "issue-42"`,
		"- **Admin ID**: admin-001",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("admin task missing %q", want)
		}
	}
}

func TestRenderAdminTaskEmptyMemory(t *testing.T) {
	body, err := RenderAdminTask(AdminTaskParams{SessionID: "s", ToolPrefix: "p__"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "（関連情報なし）") {
		t.Error("empty memory context should render the placeholder")
	}
}

func TestRenderWorkerTask(t *testing.T) {
	body, err := RenderWorkerTask(WorkerTaskParams{
		TaskID:          "task-7",
		AgentID:         "worker-3",
		TaskDescription: "API クライアントを実装する",
		PersonaName:     "シニアソフトウェアエンジニア",
		PersonaPrompt:   "あなたはシニアソフトウェアエンジニアとして作業しています。",
		ProjectName:     "webapp",
		WorktreePath:    "/repos/.worktrees/feature/s-worker-3-abc123",
		BranchName:      "feature/s-worker-3-abc123",
		AdminID:         "admin-001",
		ToolPrefix:      "mcp__multi-agent-mcp__",
		EnableGit:       true,
		Timestamp:       "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("RenderWorkerTask: %v", err)
	}
	for _, want := range []string{
		"# Task: task-7",
		"## What（何をするか）",
		"## Why（なぜやるか）",
		"## Who（誰がやるか）",
		"## Constraints（制約）",
		"## Current State（現状）",
		"## Decisions（決定事項）",
		"## Notes（メモ）",
		"API クライアントを実装する",
		"**シニアソフトウェアエンジニア**",
		"- **作業ディレクトリ**: `/repos/.worktrees/feature/s-worker-3-abc123`",
		"- **作業ブランチ**: `feature/s-worker-3-abc123`",
		"Admin（admin-001）",
		"作業ブランチにコミットする",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("worker task missing %q", want)
		}
	}
}

func TestRenderWorkerTaskWithoutWorktree(t *testing.T) {
	body, err := RenderWorkerTask(WorkerTaskParams{
		TaskID:          "task-7",
		AgentID:         "worker-1",
		TaskDescription: "do work",
		PersonaName:     "汎用エンジニア",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "（メインリポジトリで作業）") {
		t.Error("missing main-repo placeholder")
	}
	if strings.Contains(body, "作業ディレクトリ") {
		t.Error("no worktree path expected")
	}
}

func TestRenderRoleGuides(t *testing.T) {
	p := RoleGuideParams{ToolPrefix: "mcp__multi-agent-mcp__", EnableGit: true}

	owner, err := RenderRoleGuide("owner", p)
	if err != nil || !strings.Contains(owner, "# Owner ガイド") {
		t.Errorf("owner guide render failed: %v", err)
	}
	admin, err := RenderRoleGuide("admin", p)
	if err != nil || !strings.Contains(admin, "F001") {
		t.Errorf("admin guide missing no-code rule: %v", err)
	}
	worker, err := RenderRoleGuide("worker", p)
	if err != nil || !strings.Contains(worker, "worktree") {
		t.Errorf("worker guide = %v", err)
	}

	p.EnableGit = false
	worker, err = RenderRoleGuide("worker", p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(worker, "push 禁止") {
		t.Error("git guidance must disappear when git is disabled")
	}

	if _, err := RenderRoleGuide("intern", p); err == nil {
		t.Error("unknown role must fail")
	}
}

func TestOptimalPersona(t *testing.T) {
	cases := []struct {
		content string
		kind    string
	}{
		{"ログイン機能を実装する", "code"},
		{"e2e テストを追加", "test"},
		{"バグを修正してください", "debug"},
		{"README のドキュメント整備", "docs"},
		{"何かよくわからない依頼", "unknown"},
	}
	for _, tc := range cases {
		if got := OptimalPersona(tc.content); got.Kind != tc.kind {
			t.Errorf("OptimalPersona(%q).Kind = %s, want %s", tc.content, got.Kind, tc.kind)
		}
	}
}
