package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/worktree"
)

// registerCreateWorktree registers the create_worktree tool.
func registerCreateWorktree(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("create_worktree",
			mcp.WithDescription("新しい git worktree を作成する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("repo_path", mcp.Required(), mcp.Description("メインリポジトリのパス")),
			mcp.WithString("worktree_path", mcp.Required(), mcp.Description("作成する worktree のパス")),
			mcp.WithString("branch", mcp.Required(), mcp.Description("ブランチ名")),
			mcp.WithBoolean("create_branch", mcp.Description("新しいブランチを作成する（デフォルト: true）")),
			mcp.WithString("base_branch", mcp.Description("基点ブランチ（create_branch=true の場合のみ有効）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repoPath, err := requireString(args, "repo_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			worktreePath, err := requireString(args, "worktree_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			branch, err := requireString(args, "branch")
			if err != nil {
				return errResult("%v", err), nil
			}
			createBranch := optionalBool(args, "create_branch", true)
			baseBranch := optionalString(args, "base_branch")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("create_worktree", callerID, ""); res != nil {
				return res, nil
			}

			wt := d.worktreeManager(repoPath)
			if !wt.IsGitRepo() {
				return errResult("有効なgitリポジトリではありません: %s", repoPath), nil
			}

			actualPath, err := wt.Create(worktreePath, branch, createBranch, baseBranch)
			if err != nil {
				return errResult("worktreeの作成に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":       true,
				"worktree_path": actualPath,
				"branch":        branch,
				"message":       fmt.Sprintf("worktreeを作成しました: %s (%s)", actualPath, branch),
			}), nil
		},
	)
}

// registerListWorktrees registers the list_worktrees tool.
func registerListWorktrees(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("list_worktrees",
			mcp.WithDescription("リポジトリの worktree 一覧を取得する。"),
			mcp.WithString("repo_path", mcp.Required(), mcp.Description("メインリポジトリのパス")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repoPath, err := requireString(args, "repo_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("list_worktrees", callerID, ""); res != nil {
				return res, nil
			}

			wt := d.worktreeManager(repoPath)
			if !wt.IsGitRepo() {
				return errResult("有効なgitリポジトリではありません: %s", repoPath), nil
			}

			worktrees, err := wt.List()
			if err != nil {
				return errResult("worktree一覧の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":   true,
				"worktrees": worktrees,
				"count":     len(worktrees),
			}), nil
		},
	)
}

// registerRemoveWorktree registers the remove_worktree tool.
func registerRemoveWorktree(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("remove_worktree",
			mcp.WithDescription("git worktree を削除する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("repo_path", mcp.Required(), mcp.Description("メインリポジトリのパス")),
			mcp.WithString("worktree_path", mcp.Required(), mcp.Description("削除する worktree のパスまたはブランチ名")),
			mcp.WithBoolean("force", mcp.Description("強制削除する（デフォルト: false）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repoPath, err := requireString(args, "repo_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			worktreePath, err := requireString(args, "worktree_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			force := optionalBool(args, "force", false)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("remove_worktree", callerID, ""); res != nil {
				return res, nil
			}

			wt := d.worktreeManager(repoPath)
			if !wt.IsGitRepo() {
				return errResult("有効なgitリポジトリではありません: %s", repoPath), nil
			}

			if err := wt.Remove(worktreePath, force); err != nil {
				return errResult("worktreeの削除に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":       true,
				"worktree_path": worktreePath,
				"message":       fmt.Sprintf("worktreeを削除しました: %s", worktreePath),
			}), nil
		},
	)
}

// registerAssignWorktree registers the assign_worktree tool.
func registerAssignWorktree(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("assign_worktree",
			mcp.WithDescription("エージェントに worktree を割り当てる。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("エージェントID")),
			mcp.WithString("worktree_path", mcp.Required(), mcp.Description("worktree のパス")),
			mcp.WithString("branch", mcp.Required(), mcp.Description("ブランチ名")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			worktreePath, err := requireString(args, "worktree_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			branch, err := requireString(args, "branch")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("assign_worktree", callerID, ""); res != nil {
				return res, nil
			}

			if err := d.Registry.SyncFromDisk(); err != nil {
				d.logf("assign_worktree: registry sync failed: %v", err)
			}
			agent, ok := d.Registry.Get(agentID)
			if !ok {
				return errResult("エージェント %s が見つかりません", agentID), nil
			}

			agent.WorktreePath = worktreePath
			agent.Branch = branch
			agent.LastActivity = time.Now()
			if err := d.Registry.Save(&agent); err != nil {
				return errResult("エージェントの保存に失敗しました: %v", err), nil
			}
			if err := d.Store.UpdateAgentSummary(&agent); err != nil {
				d.logf("assign_worktree: dashboard update failed: %v", err)
			}

			return jsonResult(map[string]any{
				"success":       true,
				"agent_id":      agentID,
				"worktree_path": worktreePath,
				"branch":        branch,
				"message":       fmt.Sprintf("worktreeを割り当てました: %s", worktreePath),
			}), nil
		},
	)
}

// registerMergeCompletedTasks registers the merge_completed_tasks tool.
// Branches default to those of the completed tasks on the dashboard.
func registerMergeCompletedTasks(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("merge_completed_tasks",
			mcp.WithDescription("完了タスクのブランチをベースブランチへプレビューマージする。変更は未コミットのまま作業ツリーに残る。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("repo_path", mcp.Description("メインリポジトリのパス（省略でプロジェクトルート）")),
			mcp.WithString("base_branch", mcp.Description("マージ先ブランチ（デフォルト: 現在のブランチ）")),
			mcp.WithString("strategy", mcp.Description("マージ戦略（merge | rebase、デフォルト: merge）")),
			mcp.WithArray("branches", mcp.Description("対象ブランチ（省略で完了タスクのブランチ）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")
			repoPath := optionalString(args, "repo_path")
			baseBranch := optionalString(args, "base_branch")
			strategy := optionalString(args, "strategy")
			if strategy == "" {
				strategy = worktree.StrategyMerge
			}
			branches := optionalStringSlice(args, "branches")

			if res := d.checkPermission("merge_completed_tasks", callerID, ""); res != nil {
				return res, nil
			}

			if repoPath == "" {
				repoPath = d.repoRoot()
			}
			wt := d.worktreeManager(repoPath)
			if !wt.IsGitRepo() {
				return errResult("有効なgitリポジトリではありません: %s", repoPath), nil
			}

			if len(branches) == 0 {
				completed, err := d.Store.ListTasks(domain.TaskCompleted, "")
				if err != nil {
					return errResult("完了タスクの取得に失敗しました: %v", err), nil
				}
				seen := map[string]bool{}
				for _, task := range completed {
					if task.Branch != "" && !seen[task.Branch] {
						seen[task.Branch] = true
						branches = append(branches, task.Branch)
					}
				}
				if len(branches) == 0 {
					return errResult("マージ対象の完了タスクブランチがありません"), nil
				}
			}

			result := wt.MergeCompletedTasks(baseBranch, strategy, branches)
			return jsonResult(result), nil
		},
	)
}

// registerGetWorktreeStatus registers the get_worktree_status tool.
func registerGetWorktreeStatus(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_worktree_status",
			mcp.WithDescription("指定 worktree の git ステータスを取得する。"),
			mcp.WithString("repo_path", mcp.Required(), mcp.Description("メインリポジトリのパス")),
			mcp.WithString("worktree_path", mcp.Required(), mcp.Description("worktree のパス")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repoPath, err := requireString(args, "repo_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			worktreePath, err := requireString(args, "worktree_path")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_worktree_status", callerID, ""); res != nil {
				return res, nil
			}

			wt := d.worktreeManager(repoPath)
			if !wt.IsGitRepo() {
				return errResult("有効なgitリポジトリではありません: %s", repoPath), nil
			}

			status, err := wt.GetStatus(worktreePath)
			if err != nil {
				return errResult("worktreeステータスの取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"status":  status,
			}), nil
		},
	)
}
