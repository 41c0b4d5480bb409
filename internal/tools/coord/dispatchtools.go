package coord

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/dispatch"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/session"
)

// registerSendTask registers the send_task tool. A successful
// Owner-to-Admin dispatch additionally arms the Owner wait lock so the
// Owner stops polling until the Admin reports back.
func registerSendTask(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("send_task",
			mcp.WithDescription("タスクをエージェントに送信する。Admin にはタスクファイル経由、Worker にはワンライナー経由で配送する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("送信先エージェントID")),
			mcp.WithString("task_content", mcp.Required(), mcp.Description("タスク内容")),
			mcp.WithString("task_id", mcp.Description("関連タスクID（Worker 宛では必須）")),
			mcp.WithString("session_id", mcp.Description("セッションID（指定時は昇格を試みる）")),
			mcp.WithBoolean("auto_enhance", mcp.Description("役割ガイドでタスク内容を拡張する（デフォルト: true）")),
			mcp.WithString("branch_name", mcp.Description("作業ブランチ名（オプション）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			taskContent, err := requireString(args, "task_content")
			if err != nil {
				return errResult("%v", err), nil
			}
			taskID := optionalString(args, "task_id")
			sessionID := optionalString(args, "session_id")
			autoEnhance := optionalBool(args, "auto_enhance", true)
			branchName := optionalString(args, "branch_name")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("send_task", callerID, ""); res != nil {
				return res, nil
			}

			if sessionID != "" && sessionID != d.Workspace.SessionID {
				if err := d.Session.Promote(sessionID); err != nil {
					return errResult("セッションIDの昇格に失敗しました: %v", err), nil
				}
			}

			result := d.Dispatcher.SendTask(dispatch.Request{
				AgentID:     agentID,
				TaskContent: taskContent,
				TaskID:      taskID,
				SessionID:   d.Workspace.SessionID,
				AutoEnhance: autoEnhance,
				BranchName:  branchName,
				CallerID:    callerID,
			})
			if !result.Success {
				return jsonResult(result), nil
			}

			ownerWaiting := false
			caller, callerKnown := d.Registry.Get(callerID)
			target, targetKnown := d.Registry.Get(agentID)
			if callerKnown && targetKnown &&
				caller.Role == domain.RoleOwner && target.Role == domain.RoleAdmin {
				d.Guard.MarkOwnerWaiting(callerID, agentID, d.Workspace.SessionID)
				ownerWaiting = true
			}

			data, err := structToMap(result)
			if err != nil {
				return jsonResult(result), nil
			}
			if ownerWaiting {
				data["owner_waiting"] = true
			}
			return jsonResult(data), nil
		},
	)
}

// registerSendCommand registers the send_command tool.
func registerSendCommand(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("send_command",
			mcp.WithDescription("エージェントのペインに任意のコマンドを送信する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("送信先エージェントID")),
			mcp.WithString("command", mcp.Required(), mcp.Description("送信するコマンド")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			command, err := requireString(args, "command")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("send_command", callerID, ""); res != nil {
				return res, nil
			}

			if err := d.Registry.SyncFromDisk(); err != nil {
				d.logf("send_command: registry sync failed: %v", err)
			}
			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}
			if !agent.HasPane() {
				return errResult("エージェント %s にはペインがありません", agentID), nil
			}

			debounceMs := d.Settings.SendCooldownSeconds * 1000
			if err := d.Tmux.SendKeysDebounced(agent.PaneTarget(), command, debounceMs); err != nil {
				return errResult("コマンドの送信に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":  true,
				"agent_id": agentID,
				"command":  command,
				"message":  fmt.Sprintf("コマンドを %s に送信しました", agentID),
			}), nil
		},
	)
}

// registerBroadcastCommand registers the broadcast_command tool.
func registerBroadcastCommand(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("broadcast_command",
			mcp.WithDescription("役割でフィルターした全エージェントのペインにコマンドを一斉送信する。※ Admin のみ使用可能。"),
			mcp.WithString("command", mcp.Required(), mcp.Description("送信するコマンド")),
			mcp.WithString("role_filter", mcp.Description("対象の役割（owner/admin/worker、省略で全員）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			command, err := requireString(args, "command")
			if err != nil {
				return errResult("%v", err), nil
			}
			roleFilter := optionalString(args, "role_filter")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("broadcast_command", callerID, ""); res != nil {
				return res, nil
			}
			if roleFilter != "" && !domain.IsValidRole(roleFilter) {
				return errResult("無効な役割です: %s（有効: owner, admin, worker）", roleFilter), nil
			}

			if err := d.Registry.SyncFromDisk(); err != nil {
				d.logf("broadcast_command: registry sync failed: %v", err)
			}

			debounceMs := d.Settings.SendCooldownSeconds * 1000
			results := map[string]bool{}
			sent := 0
			for _, agent := range d.Registry.List() {
				if agent.Status == domain.AgentTerminated || !agent.HasPane() {
					continue
				}
				if roleFilter != "" && agent.Role != domain.Role(roleFilter) {
					continue
				}
				err := d.Tmux.SendKeysDebounced(agent.PaneTarget(), command, debounceMs)
				results[agent.ID] = err == nil
				if err == nil {
					sent++
				} else {
					d.logf("broadcast_command: send to %s failed: %v", agent.ID, err)
				}
			}

			return jsonResult(map[string]any{
				"success":     true,
				"command":     command,
				"role_filter": roleFilter,
				"results":     results,
				"summary":     fmt.Sprintf("%d/%d エージェントに送信成功", sent, len(results)),
			}), nil
		},
	)
}

// registerGetOutput registers the get_output tool.
func registerGetOutput(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_output",
			mcp.WithDescription("エージェントのペイン出力を取得する。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("エージェントID")),
			mcp.WithNumber("lines", mcp.Description("取得する行数（デフォルト: 50）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			lines := optionalInt(args, "lines", 50)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_output", callerID, ""); res != nil {
				return res, nil
			}

			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}
			if !agent.HasPane() {
				return errResult("エージェント %s にはペインがありません", agentID), nil
			}

			output, err := d.Tmux.CapturePane(agent.PaneTarget(), lines)
			if err != nil {
				return errResult("ペイン出力の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":  true,
				"agent_id": agentID,
				"lines":    lines,
				"output":   output,
			}), nil
		},
	)
}

// registerOpenSession registers the open_session tool. The session is
// created in the background when missing; attaching stays manual because
// the MCP server has no controlling terminal.
func registerOpenSession(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("open_session",
			mcp.WithDescription("プロジェクトの tmux セッションを用意し、接続コマンドを返す。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("working_dir", mcp.Required(), mcp.Description("作業ディレクトリのパス")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			workingDir, err := requireString(args, "working_dir")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("open_session", callerID, ""); res != nil {
				return res, nil
			}

			if !d.Tmux.IsAvailable() {
				return errResult("tmux が見つかりません。tmux をインストールしてください"), nil
			}

			projectName, err := session.ProjectName(workingDir, d.Settings.EnableGit)
			if err != nil {
				return errResult("%v", err), nil
			}
			existed, err := d.Tmux.HasSession(projectName)
			if err != nil {
				return errResult("セッションの確認に失敗しました: %v", err), nil
			}
			if !existed {
				if err := d.ensureMainSession(projectName, workingDir); err != nil {
					return errResult("セッションの作成に失敗しました: %v", err), nil
				}
			}

			return jsonResult(map[string]any{
				"success":        true,
				"session_name":   projectName,
				"created":        !existed,
				"attach_command": fmt.Sprintf("tmux attach-session -t %s", projectName),
				"message":        fmt.Sprintf("セッション %s に接続するには attach_command を実行してください", projectName),
			}), nil
		},
	)
}
