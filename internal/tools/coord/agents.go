package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/session"
)

// Main-window layout: Admin holds pane 0 (left 40%), Workers 1-6 hold
// panes 1-6 (right 60%). Extra workers go to additional windows.
const (
	mainWindowPaneAdmin   = 0
	mainWindowWorkerPanes = 6
)

// ensureMainSession creates the project tmux session with the 40:60
// grid when it does not exist yet.
func (d *Deps) ensureMainSession(projectName, workDir string) error {
	ok, err := d.Tmux.HasSession(projectName)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	windowName := d.Settings.WindowNameMain
	if windowName == "" {
		windowName = "main"
	}
	if err := d.Tmux.NewSession(projectName, workDir, windowName); err != nil {
		return err
	}
	target := projectName + ":0"
	for i := 0; i < mainWindowWorkerPanes; i++ {
		// First split opens the right column, the rest stack worker panes.
		if err := d.Tmux.SplitPane(target, i > 0, workDir); err != nil {
			return fmt.Errorf("split pane %d: %w", i+1, err)
		}
	}
	if err := d.Tmux.SelectLayout(target, "main-vertical"); err != nil {
		d.logf("tmux: layout selection failed for %s: %v", target, err)
	}
	return nil
}

// ensureExtraWindow creates the additional worker window (2x5 grid) for
// workers beyond the main window.
func (d *Deps) ensureExtraWindow(projectName, workDir string, windowIndex int) error {
	target := fmt.Sprintf("%s:%d", projectName, windowIndex)
	windowName := fmt.Sprintf("%s%d", d.Settings.WindowNameWorkerPrefix, windowIndex)
	if err := d.Tmux.NewWindow(projectName, windowName, workDir); err != nil {
		return err
	}
	panes := d.Settings.WorkersPerExtraWindow
	if panes <= 0 {
		panes = 10
	}
	for i := 1; i < panes; i++ {
		if err := d.Tmux.SplitPane(target, true, workDir); err != nil {
			return fmt.Errorf("split pane %d: %w", i, err)
		}
	}
	if err := d.Tmux.SelectLayout(target, "tiled"); err != nil {
		d.logf("tmux: layout selection failed for %s: %v", target, err)
	}
	return nil
}

// nextWorkerSlot finds the first free (window, pane) worker slot for the
// session, or reports that the worker limit is reached.
func nextWorkerSlot(agents []domain.Agent, sessionName string, maxWorkers, workersPerExtra int) (window, pane int, ok bool) {
	if workersPerExtra <= 0 {
		workersPerExtra = 10
	}
	liveWorkers := 0
	used := make(map[[2]int]bool)
	for _, a := range agents {
		if a.Role != domain.RoleWorker || a.Status == domain.AgentTerminated {
			continue
		}
		liveWorkers++
		if a.SessionName == sessionName && a.WindowIndex != nil && a.PaneIndex != nil {
			used[[2]int{*a.WindowIndex, *a.PaneIndex}] = true
		}
	}
	if liveWorkers >= maxWorkers {
		return 0, 0, false
	}
	for p := 1; p <= mainWindowWorkerPanes; p++ {
		if !used[[2]int{0, p}] {
			return 0, p, true
		}
	}
	for extra := 0; liveWorkers+extra < maxWorkers; extra++ {
		w := 1 + extra/workersPerExtra
		p := extra % workersPerExtra
		if !used[[2]int{w, p}] {
			return w, p, true
		}
	}
	return 0, 0, false
}

// maxWorkers resolves the effective worker cap from the active profile.
func (d *Deps) maxWorkers() int {
	if profile := d.Settings.ActiveProfile(); profile.MaxWorkers > 0 {
		return profile.MaxWorkers
	}
	return d.Settings.MaxWorkers
}

// createAgent implements the shared creation path for create_agent and
// create_workers_batch.
func (d *Deps) createAgent(role, workingDir, aiCli, callerID string) map[string]any {
	if !domain.IsValidRole(role) {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("無効な役割です: %s（有効: owner, admin, worker）", role),
		}
	}
	agentRole := domain.Role(role)

	var cli domain.AICli
	if aiCli != "" {
		if !domain.IsValidCli(aiCli) {
			return map[string]any{
				"success": false,
				"error":   fmt.Sprintf("無効なAI CLIです: %s（有効: [claude codex gemini cursor]）", aiCli),
			}
		}
		cli = domain.AICli(aiCli)
	}

	if err := d.Registry.SyncFromDisk(); err != nil {
		d.logf("create_agent: registry sync failed: %v", err)
	}
	agents := d.Registry.List()

	if agentRole == domain.RoleOwner || agentRole == domain.RoleAdmin {
		for _, a := range agents {
			if a.Role == agentRole {
				return map[string]any{
					"success": false,
					"error":   fmt.Sprintf("%sは既に存在します（ID: %s）", role, a.ID),
				}
			}
		}
	}

	// The Owner may be created before a session id exists; seed a
	// provisional one so IPC and persistence have somewhere to live.
	if d.Workspace.SessionID == "" && agentRole == domain.RoleOwner {
		d.Workspace.SessionID = config.NewProvisionalSessionID()
		d.Registry.Rebind(d.Workspace.AgentsDir())
		d.logf("create_agent: provisional session id %s", d.Workspace.SessionID)
	}

	agentID := uuid.NewString()[:8]
	now := time.Now()
	agent := domain.Agent{
		ID:           agentID,
		Role:         agentRole,
		Status:       domain.AgentIdle,
		AICli:        cli,
		WorkingDir:   workingDir,
		CreatedAt:    now,
		LastActivity: now,
	}

	if agentRole != domain.RoleOwner {
		projectName, err := session.ProjectName(workingDir, d.Settings.EnableGit)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		if err := d.ensureMainSession(projectName, workingDir); err != nil {
			return map[string]any{
				"success": false,
				"error":   "メインセッションの作成に失敗しました: " + err.Error(),
			}
		}

		var window, pane int
		if agentRole == domain.RoleAdmin {
			window, pane = 0, mainWindowPaneAdmin
		} else {
			var ok bool
			window, pane, ok = nextWorkerSlot(agents, projectName, d.maxWorkers(), d.Settings.WorkersPerExtraWindow)
			if !ok {
				return map[string]any{
					"success": false,
					"error":   fmt.Sprintf("Worker数が上限（%d）に達しています", d.maxWorkers()),
				}
			}
			if window > 0 {
				if err := d.ensureExtraWindow(projectName, workingDir, window); err != nil {
					return map[string]any{
						"success": false,
						"error":   fmt.Sprintf("追加Workerウィンドウ %d の作成に失敗しました: %v", window, err),
					}
				}
			}
		}

		agent.SessionName = projectName
		agent.WindowIndex = &window
		agent.PaneIndex = &pane
		agent.TmuxSession = fmt.Sprintf("%s:%d.%d", projectName, window, pane)
		if err := d.Tmux.SetPaneTitle(agent.TmuxSession, role+"-"+agentID); err != nil {
			d.logf("create_agent: pane title failed: %v", err)
		}
	}

	ipcRegistered := false
	if err := d.bus().RegisterAgent(agentID); err != nil {
		d.logf("create_agent: ipc registration failed: %v", err)
	} else {
		ipcRegistered = true
	}

	filePersisted := false
	if err := d.Registry.Save(&agent); err != nil {
		d.logf("create_agent: agent save failed: %v", err)
	} else {
		filePersisted = true
	}

	dashboardUpdated := false
	if err := d.Store.UpdateAgentSummary(&agent); err != nil {
		d.logf("create_agent: dashboard update failed: %v", err)
	} else {
		dashboardUpdated = true
	}

	result := map[string]any{
		"success":           true,
		"agent":             agent,
		"message":           fmt.Sprintf("エージェント %s（%s）を作成しました", agentID, role),
		"ipc_registered":    ipcRegistered,
		"file_persisted":    filePersisted,
		"dashboard_updated": dashboardUpdated,
	}
	if cli != "" {
		result["ai_cli"] = string(cli)
	}
	return result
}

// registerCreateAgent registers the create_agent tool.
func registerCreateAgent(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("create_agent",
			mcp.WithDescription("新しいエージェントを作成する。Owner はペインなし、Admin は pane 0、Worker 1-6 は pane 1-6 に配置される。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("role", mcp.Required(), mcp.Description("エージェントの役割（owner/admin/worker）")),
			mcp.WithString("working_dir", mcp.Required(), mcp.Description("作業ディレクトリのパス")),
			mcp.WithString("ai_cli", mcp.Description("使用するAI CLI（claude/codex/gemini/cursor、省略でデフォルト）")),
			mcp.WithString("caller_agent_id", mcp.Description("呼び出し元エージェントID（Owner 作成時のみ省略可能）")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, err := requireString(args, "role")
			if err != nil {
				return errResult("%v", err), nil
			}
			workingDir, err := requireString(args, "working_dir")
			if err != nil {
				return errResult("%v", err), nil
			}
			aiCli := optionalString(args, "ai_cli")
			callerID := optionalString(args, "caller_agent_id")

			// The very first Owner is created before any agent exists, so
			// the permission check only applies to the other roles.
			if role != string(domain.RoleOwner) {
				if res := d.checkPermission("create_agent", callerID, ""); res != nil {
					return res, nil
				}
			}

			return jsonResult(d.createAgent(role, workingDir, aiCli, callerID)), nil
		},
	)
}

// registerCreateWorkersBatch registers the create_workers_batch tool.
func registerCreateWorkersBatch(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("create_workers_batch",
			mcp.WithDescription("複数の Worker エージェントを一括作成する。※ Owner と Admin のみ使用可能。"),
			mcp.WithNumber("count", mcp.Required(), mcp.Description("作成する Worker 数")),
			mcp.WithString("working_dir", mcp.Required(), mcp.Description("作業ディレクトリのパス")),
			mcp.WithString("ai_cli", mcp.Description("使用するAI CLI（省略時は Worker 番号ごとの設定）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			countF, err := requireFloat64(args, "count")
			if err != nil {
				return errResult("%v", err), nil
			}
			workingDir, err := requireString(args, "working_dir")
			if err != nil {
				return errResult("%v", err), nil
			}
			aiCli := optionalString(args, "ai_cli")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("create_workers_batch", callerID, ""); res != nil {
				return res, nil
			}

			count := int(countF)
			if count < 1 {
				return errResult("count は 1 以上を指定してください"), nil
			}
			if count > d.maxWorkers() {
				return errResult("Worker数が上限（%d）を超えています", d.maxWorkers()), nil
			}

			created := make([]any, 0, count)
			var errors []string
			for i := 0; i < count; i++ {
				result := d.createAgent(string(domain.RoleWorker), workingDir, aiCli, callerID)
				if ok, _ := result["success"].(bool); !ok {
					msg, _ := result["error"].(string)
					errors = append(errors, fmt.Sprintf("Worker %d: %s", i+1, msg))
					continue
				}
				created = append(created, result["agent"])
			}

			out := map[string]any{
				"success": len(errors) == 0,
				"created": created,
				"count":   len(created),
			}
			if len(errors) > 0 {
				out["errors"] = errors
			}
			return jsonResult(out), nil
		},
	)
}

// registerListAgents registers the list_agents tool.
func registerListAgents(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("全エージェントの一覧を取得する。他の MCP インスタンスが作成したエージェントも含む。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("list_agents", callerID, ""); res != nil {
				return res, nil
			}

			synced := true
			if err := d.Registry.SyncFromDisk(); err != nil {
				synced = false
				d.logf("list_agents: registry sync failed: %v", err)
			}
			agents := d.Registry.List()
			return jsonResult(map[string]any{
				"success":          true,
				"agents":           agents,
				"count":            len(agents),
				"synced_from_file": synced,
			}), nil
		},
	)
}

// registerGetAgentStatus registers the get_agent_status tool.
func registerGetAgentStatus(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_agent_status",
			mcp.WithDescription("指定エージェントの詳細ステータスを取得する。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("エージェントID")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_agent_status", callerID, agentID); res != nil {
				return res, nil
			}

			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}

			sessionActive := false
			if name := agent.ResolvedSessionName(); name != "" {
				if exists, err := d.Tmux.HasSession(name); err == nil {
					sessionActive = exists
				}
			}
			return jsonResult(map[string]any{
				"success":        true,
				"agent":          agent,
				"session_active": sessionActive,
			}), nil
		},
	)
}

// registerTerminateAgent registers the terminate_agent tool. The pane is
// kept and becomes reusable; the agent record stays as history.
func registerTerminateAgent(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("terminate_agent",
			mcp.WithDescription("エージェントを終了する。ペインは維持され再利用可能になる。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("終了するエージェントID")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("terminate_agent", callerID, ""); res != nil {
				return res, nil
			}

			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}

			if agent.HasPane() {
				target := agent.PaneTarget()
				if err := d.Tmux.SendKeysRaw(target, "C-c"); err != nil {
					d.logf("terminate_agent: interrupt failed for %s: %v", target, err)
				}
				if err := d.Tmux.SetPaneTitle(target, "(empty)"); err != nil {
					d.logf("terminate_agent: pane title reset failed: %v", err)
				}
			}

			agent.Status = domain.AgentTerminated
			agent.CurrentTask = ""
			agent.LastActivity = time.Now()

			filePersisted := false
			if err := d.Registry.Save(&agent); err != nil {
				d.logf("terminate_agent: agent save failed: %v", err)
			} else {
				filePersisted = true
			}
			if err := d.Store.UpdateAgentSummary(&agent); err != nil {
				d.logf("terminate_agent: dashboard update failed: %v", err)
			}

			return jsonResult(map[string]any{
				"success":        true,
				"agent_id":       agentID,
				"status":         string(domain.AgentTerminated),
				"message":        fmt.Sprintf("エージェント %s を終了しました", agentID),
				"file_persisted": filePersisted,
			}), nil
		},
	)
}

// registerRegisterAgentToIPC registers the register_agent_to_ipc tool.
func registerRegisterAgentToIPC(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("register_agent_to_ipc",
			mcp.WithDescription("エージェントをIPCシステムに登録する。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("エージェントID")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("register_agent_to_ipc", callerID, ""); res != nil {
				return res, nil
			}

			if err := d.bus().RegisterAgent(agentID); err != nil {
				return errResult("IPC登録に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":  true,
				"agent_id": agentID,
				"message":  fmt.Sprintf("エージェント %s をIPCに登録しました", agentID),
			}), nil
		},
	)
}
