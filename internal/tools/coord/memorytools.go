package coord

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/dispatch"
	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// The memory tools take a scope argument instead of a parallel
// global_* tool family: "project" hits the per-workspace store,
// "global" the user-wide one.

// registerSaveToMemory registers the save_to_memory tool.
func registerSaveToMemory(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("save_to_memory",
			mcp.WithDescription("キーと内容をメモリに保存する。同じキーは上書きされ、古いエントリは自動でアーカイブへ移動する。"),
			mcp.WithString("key", mcp.Required(), mcp.Description("エントリのキー")),
			mcp.WithString("content", mcp.Required(), mcp.Description("保存する内容")),
			mcp.WithArray("tags", mcp.Description("タグ（検索用）")),
			mcp.WithString("scope", mcp.Description("保存先（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return errResult("%v", err), nil
			}
			content, err := requireString(args, "content")
			if err != nil {
				return errResult("%v", err), nil
			}
			tags := optionalStringSlice(args, "tags")
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("save_to_memory", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			metadata := map[string]any{"saved_by": callerID}
			entry, err := mem.Save(key, content, tags, metadata)
			if err != nil {
				return errResult("メモリへの保存に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entry":   entry,
				"message": fmt.Sprintf("メモリに保存しました: %s", key),
			}), nil
		},
	)
}

// registerRetrieveFromMemory registers the retrieve_from_memory tool.
func registerRetrieveFromMemory(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("retrieve_from_memory",
			mcp.WithDescription("クエリとタグでメモリを検索する。"),
			mcp.WithString("query", mcp.Description("検索クエリ")),
			mcp.WithArray("tags", mcp.Description("絞り込みタグ")),
			mcp.WithNumber("limit", mcp.Description("取得する最大件数（デフォルト: 10）")),
			mcp.WithString("scope", mcp.Description("検索先（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			query := optionalString(args, "query")
			tags := optionalStringSlice(args, "tags")
			limit := optionalInt(args, "limit", 10)
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("retrieve_from_memory", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entries, err := mem.Search(query, tags, limit)
			if err != nil {
				return errResult("メモリ検索に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entries": entries,
				"count":   len(entries),
			}), nil
		},
	)
}

// registerListMemoryEntries registers the list_memory_entries tool.
func registerListMemoryEntries(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("list_memory_entries",
			mcp.WithDescription("メモリエントリの一覧を取得する。タグで絞り込み可能。"),
			mcp.WithArray("tags", mcp.Description("絞り込みタグ")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			tags := optionalStringSlice(args, "tags")
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("list_memory_entries", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entries, err := mem.ListByTags(tags)
			if err != nil {
				return errResult("メモリ一覧の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entries": entries,
				"count":   len(entries),
			}), nil
		},
	)
}

// registerGetMemoryEntry registers the get_memory_entry tool.
func registerGetMemoryEntry(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_memory_entry",
			mcp.WithDescription("キー指定でメモリエントリを取得する。"),
			mcp.WithString("key", mcp.Required(), mcp.Description("エントリのキー")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return errResult("%v", err), nil
			}
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_memory_entry", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entry, found, err := mem.Get(key)
			if err != nil {
				return errResult("メモリの取得に失敗しました: %v", err), nil
			}
			if !found {
				return errResult("メモリエントリ '%s' が見つかりません", key), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entry":   entry,
			}), nil
		},
	)
}

// registerDeleteMemoryEntry registers the delete_memory_entry tool.
func registerDeleteMemoryEntry(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("delete_memory_entry",
			mcp.WithDescription("メモリエントリを削除する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("key", mcp.Required(), mcp.Description("エントリのキー")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return errResult("%v", err), nil
			}
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("delete_memory_entry", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			deleted, err := mem.Delete(key)
			if err != nil {
				return errResult("メモリの削除に失敗しました: %v", err), nil
			}
			if !deleted {
				return errResult("メモリエントリ '%s' が見つかりません", key), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"key":     key,
				"message": fmt.Sprintf("メモリエントリを削除しました: %s", key),
			}), nil
		},
	)
}

// registerGetMemorySummary registers the get_memory_summary tool.
func registerGetMemorySummary(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_memory_summary",
			mcp.WithDescription("メモリストアの統計情報（件数、タグ、アーカイブ件数）を取得する。"),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_memory_summary", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			summary, err := mem.GetSummary()
			if err != nil {
				return errResult("メモリサマリーの取得に失敗しました: %v", err), nil
			}
			archive, err := mem.GetArchiveSummary()
			if err != nil {
				d.logf("get_memory_summary: archive summary failed: %v", err)
			}
			return jsonResult(map[string]any{
				"success": true,
				"summary": summary,
				"archive": archive,
			}), nil
		},
	)
}

// registerListMemoryArchive registers the list_memory_archive tool.
func registerListMemoryArchive(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("list_memory_archive",
			mcp.WithDescription("アーカイブ済みメモリエントリの一覧を取得する。"),
			mcp.WithNumber("limit", mcp.Description("取得する最大件数（デフォルト: 20）")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			limit := optionalInt(args, "limit", 20)
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("list_memory_archive", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entries, err := mem.ListArchive(limit)
			if err != nil {
				return errResult("アーカイブ一覧の取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entries": entries,
				"count":   len(entries),
			}), nil
		},
	)
}

// registerSearchMemoryArchive registers the search_memory_archive tool.
func registerSearchMemoryArchive(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("search_memory_archive",
			mcp.WithDescription("アーカイブ済みメモリエントリを検索する。"),
			mcp.WithString("query", mcp.Description("検索クエリ")),
			mcp.WithArray("tags", mcp.Description("絞り込みタグ")),
			mcp.WithNumber("limit", mcp.Description("取得する最大件数（デフォルト: 10）")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			query := optionalString(args, "query")
			tags := optionalStringSlice(args, "tags")
			limit := optionalInt(args, "limit", 10)
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("search_memory_archive", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entries, err := mem.SearchArchive(query, tags, limit)
			if err != nil {
				return errResult("アーカイブ検索に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entries": entries,
				"count":   len(entries),
			}), nil
		},
	)
}

// registerRestoreFromMemoryArchive registers the
// restore_from_memory_archive tool.
func registerRestoreFromMemoryArchive(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("restore_from_memory_archive",
			mcp.WithDescription("アーカイブからメモリエントリをアクティブ領域へ復元する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("key", mcp.Required(), mcp.Description("エントリのキー")),
			mcp.WithString("scope", mcp.Description("対象（project | global、デフォルト: project）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			key, err := requireString(args, "key")
			if err != nil {
				return errResult("%v", err), nil
			}
			scope := optionalString(args, "scope")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("restore_from_memory_archive", callerID, ""); res != nil {
				return res, nil
			}
			mem, err := d.memoryFor(scope)
			if err != nil {
				return errResult("%v", err), nil
			}

			entry, found, err := mem.Restore(key)
			if err != nil {
				return errResult("アーカイブからの復元に失敗しました: %v", err), nil
			}
			if !found {
				return errResult("アーカイブにエントリ '%s' が見つかりません", key), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"entry":   entry,
				"message": fmt.Sprintf("アーカイブから復元しました: %s", key),
			}), nil
		},
	)
}

// registerGetRoleGuide registers the get_role_guide tool.
func registerGetRoleGuide(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_role_guide",
			mcp.WithDescription("役割（owner/admin/worker）ごとの行動ガイドを取得する。role 省略時は呼び出し元の役割。"),
			mcp.WithString("role", mcp.Description("取得する役割（省略で呼び出し元の役割）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role := optionalString(args, "role")
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_role_guide", callerID, ""); res != nil {
				return res, nil
			}

			if role == "" {
				caller, ok := d.Registry.Get(callerID)
				if !ok {
					return errResult("role を指定してください"), nil
				}
				role = string(caller.Role)
			}
			if !domain.IsValidRole(role) {
				return errResult("無効な役割です: %s（有効: owner, admin, worker）", role), nil
			}

			guide, err := dispatch.RenderRoleGuide(role, dispatch.RoleGuideParams{
				ToolPrefix: config.DefaultToolPrefix,
				EnableGit:  d.Settings.EnableGit,
			})
			if err != nil {
				return errResult("ロールガイドの生成に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"role":    role,
				"guide":   guide,
			}), nil
		},
	)
}
