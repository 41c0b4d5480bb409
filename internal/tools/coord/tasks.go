package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/ipc"
)

const validTaskStatuses = "pending, in_progress, completed, failed, blocked, cancelled"

// registerCreateTask registers the create_task tool.
func registerCreateTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("新しいタスクを作成する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("title", mcp.Required(), mcp.Description("タスクタイトル")),
			mcp.WithString("description", mcp.Description("タスク説明")),
			mcp.WithString("assigned_agent_id", mcp.Description("割り当て先エージェントID（オプション）")),
			mcp.WithString("branch", mcp.Description("作業ブランチ（オプション）")),
			mcp.WithString("worktree_path", mcp.Description("worktreeパス（オプション）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			title, err := requireString(args, "title")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("create_task", callerID, ""); res != nil {
				return res, nil
			}

			task, err := d.Store.CreateTask(
				title,
				optionalString(args, "description"),
				optionalString(args, "assigned_agent_id"),
				optionalString(args, "branch"),
				optionalString(args, "worktree_path"),
				optionalMap(args, "metadata"),
			)
			if err != nil {
				return errResult("タスクの作成に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"task":    task,
				"message": fmt.Sprintf("タスクを作成しました: %s", task.ID),
			}), nil
		},
	)
}

// registerGetTask registers the get_task tool.
func registerGetTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("タスクの詳細を取得する。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_task", callerID, ""); res != nil {
				return res, nil
			}

			task, err := d.Store.GetTask(taskID)
			if err != nil {
				return errResult("タスクの取得に失敗しました: %v", err), nil
			}
			if task == nil {
				return errResult("タスク %s が見つかりません", taskID), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"task":    task,
			}), nil
		},
	)
}

// registerListTasks registers the list_tasks tool.
func registerListTasks(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("タスク一覧を取得する。ステータスと割り当て先で絞り込み可能。"),
			mcp.WithString("status", mcp.Description("フィルターするステータス（オプション）")),
			mcp.WithString("agent_id", mcp.Description("フィルターするエージェントID（オプション）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			status := optionalString(args, "status")
			agentID := optionalString(args, "agent_id")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("list_tasks", callerID, ""); res != nil {
				return res, nil
			}

			if status != "" && !domain.IsValidTaskStatus(status) {
				return errResult("無効なステータスです: %s（有効: %s）", status, validTaskStatuses), nil
			}

			tasks, err := d.Store.ListTasks(domain.TaskStatus(status), agentID)
			if err != nil {
				return errResult("タスク一覧の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"tasks":   tasks,
				"count":   len(tasks),
			}), nil
		},
	)
}

// registerAssignTaskToAgent registers the assign_task_to_agent tool.
// Also mirrors the assignment onto the agent record so the registry and
// dashboard agree with the task table.
func registerAssignTaskToAgent(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("assign_task_to_agent",
			mcp.WithDescription("タスクをエージェントに割り当てる。※ Admin のみ使用可能。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("割り当て先エージェントID")),
			mcp.WithString("branch", mcp.Description("作業ブランチ（オプション）")),
			mcp.WithString("worktree_path", mcp.Description("worktreeパス（オプション）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			branch := optionalString(args, "branch")
			worktreePath := optionalString(args, "worktree_path")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("assign_task_to_agent", callerID, ""); res != nil {
				return res, nil
			}

			if err := d.Registry.SyncFromDisk(); err != nil {
				d.logf("assign_task: registry sync failed: %v", err)
			}
			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}

			ok, message := d.Store.AssignTask(taskID, agentID, branch, worktreePath)
			if !ok {
				return jsonResult(map[string]any{
					"success": false,
					"task_id": taskID,
					"message": message,
				}), nil
			}

			agent.CurrentTask = domain.NormalizeTaskID(taskID)
			if branch != "" {
				agent.Branch = branch
			}
			if worktreePath != "" {
				agent.WorktreePath = worktreePath
			}
			agent.LastActivity = time.Now()
			if err := d.Registry.Save(&agent); err != nil {
				d.logf("assign_task: agent save failed: %v", err)
			}
			if err := d.Store.UpdateAgentSummary(&agent); err != nil {
				d.logf("assign_task: dashboard update failed: %v", err)
			}

			return jsonResult(map[string]any{
				"success":  true,
				"task_id":  taskID,
				"agent_id": agentID,
				"message":  message,
			}), nil
		},
	)
}

// registerUpdateTaskStatus registers the update_task_status tool.
// Terminal tasks reject further transitions; the store's message points
// at reopen_task.
func registerUpdateTaskStatus(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("update_task_status",
			mcp.WithDescription("タスクのステータスを更新する。※ Admin のみ使用可能。Worker は report_task_completion を使用してください。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithString("status", mcp.Required(), mcp.Description("新しいステータス（pending/in_progress/completed/failed/blocked/cancelled）")),
			mcp.WithNumber("progress", mcp.Description("進捗率（0-100）")),
			mcp.WithString("error_message", mcp.Description("エラーメッセージ（failed の場合）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			status, err := requireString(args, "status")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("update_task_status", callerID, ""); res != nil {
				return res, nil
			}

			if !domain.IsValidTaskStatus(status) {
				return errResult("無効なステータスです: %s（有効: %s）", status, validTaskStatuses), nil
			}

			var progress *int
			if raw, ok := args["progress"].(float64); ok {
				p := int(raw)
				progress = &p
			}
			var errorMessage *string
			if raw := optionalString(args, "error_message"); raw != "" {
				errorMessage = &raw
			}

			ok, message := d.Store.UpdateTaskStatus(taskID, domain.TaskStatus(status), progress, errorMessage)
			out := map[string]any{
				"success": ok,
				"task_id": taskID,
				"message": message,
			}
			if ok {
				out["status"] = status
				d.syncAssigneeAfterStatus(taskID, domain.TaskStatus(status))
			}
			return jsonResult(out), nil
		},
	)
}

// syncAssigneeAfterStatus mirrors a terminal status change onto the
// assigned agent so it shows as idle again.
func (d *Deps) syncAssigneeAfterStatus(taskID string, status domain.TaskStatus) {
	if !status.IsTerminal() {
		return
	}
	task, err := d.Store.GetTask(taskID)
	if err != nil || task == nil || task.AssignedAgentID == "" {
		return
	}
	agent, ok := d.Registry.Get(task.AssignedAgentID)
	if !ok {
		return
	}
	if agent.CurrentTask == task.ID {
		agent.CurrentTask = ""
	}
	agent.Status = domain.AgentIdle
	agent.LastActivity = time.Now()
	if err := d.Registry.Save(&agent); err != nil {
		d.logf("update_task_status: agent save failed: %v", err)
	}
	if err := d.Store.UpdateAgentSummary(&agent); err != nil {
		d.logf("update_task_status: dashboard update failed: %v", err)
	}
}

// registerReopenTask registers the reopen_task tool.
func registerReopenTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("reopen_task",
			mcp.WithDescription("終端状態（completed/failed/cancelled）のタスクを pending に戻す。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithBoolean("reset_progress", mcp.Description("進捗を 0 にリセットする（デフォルト: false）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			resetProgress := optionalBool(args, "reset_progress", false)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("reopen_task", callerID, ""); res != nil {
				return res, nil
			}

			ok, message := d.Store.ReopenTask(taskID, resetProgress)
			return jsonResult(map[string]any{
				"success": ok,
				"task_id": taskID,
				"message": message,
			}), nil
		},
	)
}

// registerRemoveTask registers the remove_task tool.
func registerRemoveTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("remove_task",
			mcp.WithDescription("タスクを削除する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("remove_task", callerID, ""); res != nil {
				return res, nil
			}

			ok, message := d.Store.RemoveTask(taskID)
			return jsonResult(map[string]any{
				"success": ok,
				"task_id": taskID,
				"message": message,
			}), nil
		},
	)
}

// reportToAdmin delivers a worker report to the unique Admin and pokes
// its pane. The dashboard itself is updated later, when the Admin reads
// the message and the reconciler folds it in.
func (d *Deps) reportToAdmin(callerID string, msgType domain.MessageType, subject, content string, metadata map[string]any) (map[string]any, *mcp.CallToolResult) {
	if err := d.Registry.SyncFromDisk(); err != nil {
		d.logf("report: registry sync failed: %v", err)
	}
	admin, err := d.Registry.UniqueAdmin()
	if err != nil {
		return nil, errResult("Admin エージェントが見つかりません")
	}

	bus := d.bus()
	if !bus.IsRegistered(admin.ID) {
		if err := bus.RegisterAgent(admin.ID); err != nil {
			return nil, errResult("Admin のIPC登録に失敗しました: %v", err)
		}
	}

	msg := ipc.NewMessage(callerID, admin.ID, msgType, domain.PriorityHigh, subject, content, metadata)
	if err := bus.Deliver(msg); err != nil {
		return nil, errResult("報告の送信に失敗しました: %v", err)
	}

	var sender *domain.Agent
	if a, ok := d.Registry.Get(callerID); ok {
		sender = &a
	}
	notifyResult := d.Notifier.Notify(sender, &admin, msgType, callerID)

	return map[string]any{
		"success":             true,
		"message":             fmt.Sprintf("Admin (%s) に報告を送信しました", admin.ID),
		"message_id":          msg.ID,
		"admin_id":            admin.ID,
		"notification_method": notifyResult.Method,
		"notification_sent":   notifyResult.Notified,
	}, nil
}

// registerReportTaskProgress registers the report_task_progress tool.
func registerReportTaskProgress(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("report_task_progress",
			mcp.WithDescription("Worker がタスクの進捗を Admin に報告する。Admin が受信するとダッシュボードに反映される。※ Worker のみ使用可能。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("タスクID")),
			mcp.WithNumber("progress", mcp.Description("進捗率（0-100）")),
			mcp.WithString("message", mcp.Description("進捗メッセージ")),
			mcp.WithArray("checklist", mcp.Description("チェックリスト（{text, completed} の配列）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID（Worker のID）")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("report_task_progress", callerID, ""); res != nil {
				return res, nil
			}

			taskID = domain.NormalizeTaskID(taskID)
			metadata := map[string]any{
				"task_id":  taskID,
				"reporter": callerID,
			}
			if raw, ok := args["progress"].(float64); ok {
				metadata["progress"] = int(raw)
			}
			if checklist, ok := args["checklist"].([]any); ok && len(checklist) > 0 {
				metadata["checklist"] = checklist
			}

			content := optionalString(args, "message")
			subject := fmt.Sprintf("進捗報告: %s", taskID)
			out, errRes := d.reportToAdmin(callerID, domain.MsgTaskProgress, subject, content, metadata)
			if errRes != nil {
				return errRes, nil
			}
			out["task_id"] = taskID
			if p, ok := metadata["progress"]; ok {
				out["progress"] = p
			}
			return jsonResult(out), nil
		},
	)
}

// registerReportTaskCompletion registers the report_task_completion tool.
func registerReportTaskCompletion(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("report_task_completion",
			mcp.WithDescription("Worker がタスク完了/失敗を Admin に報告する。Admin が受信するとダッシュボードに反映される。※ Worker のみ使用可能。"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("完了したタスクのID")),
			mcp.WithString("status", mcp.Required(), mcp.Description("結果ステータス（completed | failed）")),
			mcp.WithString("message", mcp.Required(), mcp.Description("完了報告メッセージ（作業内容の要約）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID（Worker のID）")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			taskID, err := requireString(args, "task_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			status, err := requireString(args, "status")
			if err != nil {
				return errResult("%v", err), nil
			}
			content, err := requireString(args, "message")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("report_task_completion", callerID, ""); res != nil {
				return res, nil
			}

			if status != string(domain.TaskCompleted) && status != string(domain.TaskFailed) {
				return errResult("無効なステータスです: %s（有効: completed, failed）", status), nil
			}

			msgType := domain.MsgTaskComplete
			if status == string(domain.TaskFailed) {
				msgType = domain.MsgTaskFailed
			}

			taskID = domain.NormalizeTaskID(taskID)
			metadata := map[string]any{
				"task_id":  taskID,
				"status":   status,
				"reporter": callerID,
			}
			subject := fmt.Sprintf("タスク報告: %s (%s)", taskID, status)
			out, errRes := d.reportToAdmin(callerID, msgType, subject, content, metadata)
			if errRes != nil {
				return errRes, nil
			}
			out["task_id"] = taskID
			out["reported_status"] = status
			return jsonResult(out), nil
		},
	)
}
