package coord

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerGetCostEstimate registers the get_cost_estimate tool.
func registerGetCostEstimate(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_cost_estimate",
			mcp.WithDescription("現在のコスト推定と警告状態を取得する。※ Owner と Admin のみ使用可能。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_cost_estimate", callerID, ""); res != nil {
				return res, nil
			}

			estimate, err := d.Store.GetCostEstimate()
			if err != nil {
				return errResult("コスト推定の取得に失敗しました: %v", err), nil
			}
			exceeded, warning, err := d.Store.CheckCostWarning()
			if err != nil {
				d.logf("get_cost_estimate: warning check failed: %v", err)
			}

			out := map[string]any{
				"success":  true,
				"estimate": estimate,
			}
			if exceeded {
				out["warning"] = warning
			}
			return jsonResult(out), nil
		},
	)
}

// registerGetCostSummary registers the get_cost_summary tool.
func registerGetCostSummary(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_cost_summary",
			mcp.WithDescription("コストサマリーを取得する。detailed=true でエージェント/タスク/CLI別の内訳も返す。"),
			mcp.WithBoolean("detailed", mcp.Description("内訳を含める（デフォルト: false）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			detailed := optionalBool(args, "detailed", false)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("get_cost_summary", callerID, ""); res != nil {
				return res, nil
			}

			if detailed {
				breakdown, err := d.Store.GetDetailedBreakdown()
				if err != nil {
					return errResult("コスト内訳の取得に失敗しました: %v", err), nil
				}
				return jsonResult(map[string]any{
					"success":   true,
					"summary":   breakdown.Total,
					"breakdown": breakdown,
				}), nil
			}

			summary, err := d.Store.GetCostSummary()
			if err != nil {
				return errResult("コストサマリーの取得に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success": true,
				"summary": summary,
			}), nil
		},
	)
}

// registerResetCostCounter registers the reset_cost_counter tool.
func registerResetCostCounter(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("reset_cost_counter",
			mcp.WithDescription("コストカウンターをリセットする。※ Owner のみ使用可能。"),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("reset_cost_counter", callerID, ""); res != nil {
				return res, nil
			}

			deleted, err := d.Store.ResetCostCounter()
			if err != nil {
				return errResult("コストカウンターのリセットに失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":       true,
				"deleted_count": deleted,
				"message":       fmt.Sprintf("%d 件の記録をリセットしました", deleted),
			}), nil
		},
	)
}

// registerSetCostWarningThreshold registers the set_cost_warning_threshold
// tool.
func registerSetCostWarningThreshold(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("set_cost_warning_threshold",
			mcp.WithDescription("コスト警告の閾値（USD）を設定する。※ Owner のみ使用可能。"),
			mcp.WithNumber("threshold_usd", mcp.Required(), mcp.Description("新しい閾値（USD）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			threshold, err := requireFloat64(args, "threshold_usd")
			if err != nil {
				return errResult("%v", err), nil
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("set_cost_warning_threshold", callerID, ""); res != nil {
				return res, nil
			}

			if threshold <= 0 {
				return errResult("閾値は 0 より大きい値を指定してください"), nil
			}
			if err := d.Store.SetCostWarningThreshold(threshold); err != nil {
				return errResult("閾値の設定に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":   true,
				"threshold": threshold,
				"message":   fmt.Sprintf("コスト警告閾値を $%.2f に設定しました", threshold),
			}), nil
		},
	)
}
