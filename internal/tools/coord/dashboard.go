package coord

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// dashboardGuard applies the Admin dashboard read window.
func (d *Deps) dashboardGuard(callerID string) *mcp.CallToolResult {
	caller, ok := d.Registry.Get(callerID)
	if !ok || caller.Role != domain.RoleAdmin {
		return nil
	}
	if den := d.Guard.CheckDashboardRead(callerID); den != nil {
		return denialResult(den)
	}
	return nil
}

// registerGetDashboard registers the get_dashboard tool.
func registerGetDashboard(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_dashboard",
			mcp.WithDescription("ダッシュボード全体を取得する。エージェントとメッセージの状態をファイルから同期してから返す。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_dashboard", callerID, ""); res != nil {
				return res, nil
			}
			if res := d.dashboardGuard(callerID); res != nil {
				return res, nil
			}

			syncReport, err := d.Store.SyncFromDisk(d.Registry, d.bus())
			if err != nil {
				d.logf("get_dashboard: sync failed: %v", err)
			}
			dashboard, err := d.Store.Load()
			if err != nil {
				return errResult("ダッシュボードの読み込みに失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":   true,
				"dashboard": dashboard,
				"sync":      syncReport,
			}), nil
		},
	)
}

// registerGetDashboardSummary registers the get_dashboard_summary tool.
func registerGetDashboardSummary(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_dashboard_summary",
			mcp.WithDescription("ダッシュボードのサマリー（件数と消化状況）を取得する。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_dashboard_summary", callerID, ""); res != nil {
				return res, nil
			}
			if res := d.dashboardGuard(callerID); res != nil {
				return res, nil
			}

			if _, err := d.Store.SyncFromDisk(d.Registry, d.bus()); err != nil {
				d.logf("get_dashboard_summary: sync failed: %v", err)
			}
			summary, err := d.Store.GetSummary()
			if err != nil {
				return errResult("サマリーの取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"summary": summary,
			}), nil
		},
	)
}
