package coord

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/session"
)

// registerInitTmuxWorkspace registers the init_tmux_workspace tool.
// Callable without a caller id so the very first Owner process can
// bootstrap the workspace.
func registerInitTmuxWorkspace(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("init_tmux_workspace",
			mcp.WithDescription("tmuxワークスペース（40:60グリッドレイアウト）を構築する。既存セッションはクリーンアップして再初期化する。※ Owner のみ使用可能。"),
			mcp.WithString("working_dir", mcp.Required(), mcp.Description("作業ディレクトリのパス")),
			mcp.WithString("session_id", mcp.Description("セッションID（省略時は現在のセッションを維持）")),
			mcp.WithBoolean("auto_setup_gtr", mcp.Description("gtr利用可能時に .gtrconfig を自動確認・生成する（デフォルト: true）")),
			mcp.WithString("caller_agent_id", mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workingDir, err := requireString(args, "working_dir")
			if err != nil {
				return errResult("%v", err), nil
			}
			sessionID := optionalString(args, "session_id")
			autoSetupGtr := optionalBool(args, "auto_setup_gtr", true)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("init_tmux_workspace", callerID, ""); res != nil {
				return res, nil
			}

			projectName, err := session.ProjectName(workingDir, d.Settings.EnableGit)
			if err != nil {
				return errResult("%v", err), nil
			}

			adopted, err := d.Session.AdoptLegacySession(projectName)
			if err != nil {
				d.logf("init: legacy session rename failed: %v", err)
			}
			if err := d.Session.EnsureExclusive(projectName); err != nil {
				return errResult("%v", err), nil
			}

			if sessionID != "" && sessionID != d.Workspace.SessionID {
				if err := d.Session.Promote(sessionID); err != nil {
					return errResult("セッションIDの昇格に失敗しました: %v", err), nil
				}
			}

			gtrStatus := map[string]any{
				"gtr_available":       false,
				"gtrconfig_exists":    false,
				"gtrconfig_generated": false,
			}
			if autoSetupGtr && d.Settings.EnableGit {
				wt := d.worktreeManager(workingDir)
				if wt.IsGitRepo() && wt.GtrAvailable() {
					gtrStatus["gtr_available"] = true
					gtrStatus["gtrconfig_exists"] = wt.GtrconfigExists()
					if !wt.GtrconfigExists() {
						if err := wt.GenerateGtrconfig(); err != nil {
							d.logf("init: .gtrconfig generation failed: %v", err)
						} else {
							gtrStatus["gtrconfig_generated"] = true
							gtrStatus["gtrconfig_exists"] = true
						}
					}
				}
			}

			setup, err := d.Session.Initialize()
			if err != nil {
				return jsonResult(map[string]any{
					"success":    false,
					"gtr_status": gtrStatus,
					"error":      err.Error(),
				}), nil
			}

			// Re-register the known agents on the (possibly relocated) bus.
			bus := d.bus()
			for _, agent := range d.Registry.List() {
				if err := bus.RegisterAgent(agent.ID); err != nil {
					d.logf("init: ipc registration for %s failed: %v", agent.ID, err)
				}
			}

			if err := d.ensureMainSession(projectName, workingDir); err != nil {
				return jsonResult(map[string]any{
					"success":    false,
					"gtr_status": gtrStatus,
					"error":      "メインセッションの作成に失敗しました: " + err.Error(),
				}), nil
			}

			return jsonResult(map[string]any{
				"success":        true,
				"session_name":   projectName,
				"session_id":     d.Workspace.SessionID,
				"legacy_renamed": adopted,
				"gtr_status":     gtrStatus,
				"created_dirs":   setup.CreatedDirs,
				"env_created":    setup.EnvCreated,
				"config_created": setup.ConfigCreated,
				"message":        "メインセッションをバックグラウンドで作成しました",
			}), nil
		},
	)
}

// registerCleanupWorkspace registers the cleanup_workspace tool.
func registerCleanupWorkspace(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("cleanup_workspace",
			mcp.WithDescription("エージェントが参照する tmux セッションを終了し、ワークスペースの状態を片付ける。※ Owner のみ使用可能。"),
			mcp.WithBoolean("remove_worktrees", mcp.Description("Worker worktree も削除する（デフォルト: false）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")
			removeWorktrees := optionalBool(args, "remove_worktrees", false)

			if res := d.checkPermission("cleanup_workspace", callerID, ""); res != nil {
				return res, nil
			}

			result, err := d.Session.Cleanup(removeWorktrees, d.repoRoot())
			if err != nil {
				return errResult("クリーンアップに失敗しました: %v", err), nil
			}
			d.Guard.Reset()

			return jsonResult(map[string]any{
				"success":             true,
				"terminated_sessions": result.TerminatedSessions,
				"cleared_agents":      result.ClearedAgents,
				"removed_worktrees":   result.RemovedWorktrees,
				"registry_removed":    result.RegistryRemoved,
				"message":             "ワークスペースをクリーンアップしました",
			}), nil
		},
	)
}

// registerCleanupOnCompletion registers the cleanup_on_completion tool.
func registerCleanupOnCompletion(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("cleanup_on_completion",
			mcp.WithDescription("全タスク完了を確認してからワークスペースをクリーンアップする。未完了タスクがあれば拒否する。※ Owner のみ使用可能。"),
			mcp.WithBoolean("force", mcp.Description("完了チェックを無視して強制クリーンアップ（デフォルト: false）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")
			force := optionalBool(args, "force", false)

			if res := d.checkPermission("cleanup_on_completion", callerID, ""); res != nil {
				return res, nil
			}

			result, completion, err := d.Session.CleanupOnCompletion(force, d.repoRoot())
			if err != nil {
				return jsonResult(map[string]any{
					"success":    false,
					"error":      err.Error(),
					"completion": completion,
				}), nil
			}
			d.Guard.Reset()

			return jsonResult(map[string]any{
				"success":             true,
				"completion":          completion,
				"terminated_sessions": result.TerminatedSessions,
				"cleared_agents":      result.ClearedAgents,
				"removed_worktrees":   result.RemovedWorktrees,
				"registry_removed":    result.RegistryRemoved,
				"message":             "全タスク完了を確認し、ワークスペースをクリーンアップしました",
			}), nil
		},
	)
}

// registerCheckAllTasksCompleted registers the check_all_tasks_completed
// tool.
func registerCheckAllTasksCompleted(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("check_all_tasks_completed",
			mcp.WithDescription("登録済みタスクが全て完了しているかを判定する。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("check_all_tasks_completed", callerID, ""); res != nil {
				return res, nil
			}

			completion, err := d.Session.CompletionStatus()
			if err != nil {
				return errResult("完了状態の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":           true,
				"all_completed":     completion.IsAllCompleted,
				"total_tasks":       completion.TotalTasks,
				"pending_tasks":     completion.PendingTasks,
				"in_progress_tasks": completion.InProgressTasks,
				"completed_tasks":   completion.CompletedTasks,
				"failed_tasks":      completion.FailedTasks,
			}), nil
		},
	)
}

// registerUnlockOwnerWait registers the unlock_owner_wait tool.
// Idempotent: unlocking an already-unlocked Owner succeeds.
func registerUnlockOwnerWait(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("unlock_owner_wait",
			mcp.WithDescription("Owner の Admin 待ちロックを手動で解除する。※ Owner のみ使用可能。"),
			mcp.WithString("reason", mcp.Description("解除理由（デフォルト: manual_unlock）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")
			reason := optionalString(args, "reason")
			if reason == "" {
				reason = "manual_unlock"
			}

			if res := d.checkPermission("unlock_owner_wait", callerID, ""); res != nil {
				return res, nil
			}

			d.Guard.ClearOwnerWait(callerID, reason)
			return jsonResult(map[string]any{
				"success":       true,
				"owner_id":      callerID,
				"unlock_reason": reason,
				"message":       "Owner の待機ロックを解除しました",
			}), nil
		},
	)
}
