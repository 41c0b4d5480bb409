package coord

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/guard"
	"github.com/jaakkos/tmuxcrew/internal/ipc"
)

const (
	validMessageTypes = "task_assign, task_complete, task_approved, task_failed, task_progress, status_update, request, response, broadcast, system, error"
	validPriorities   = "low, normal, high, urgent"
)

// registerSendMessage registers the send_message tool. Worker senders are
// restricted: no broadcast, direct sends go to the Admin only, and a
// request addressed to an unknown agent is rerouted to the unique Admin.
// An admin->owner task_complete additionally passes the quality gate.
func registerSendMessage(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("エージェント間でメッセージを送信する。receiver_id 省略でブロードキャスト。"),
			mcp.WithString("sender_id", mcp.Required(), mcp.Description("送信元エージェントID")),
			mcp.WithString("receiver_id", mcp.Description("宛先エージェントID（省略でブロードキャスト）")),
			mcp.WithString("message_type", mcp.Required(), mcp.Description("メッセージタイプ（task_assign, task_complete, etc.）")),
			mcp.WithString("content", mcp.Required(), mcp.Description("メッセージ内容")),
			mcp.WithString("subject", mcp.Description("件名（オプション）")),
			mcp.WithString("priority", mcp.Description("優先度（low/normal/high/urgent、デフォルト: normal）")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			senderID, err := requireString(args, "sender_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			content, err := requireString(args, "content")
			if err != nil {
				return errResult("%v", err), nil
			}
			msgType, err := requireString(args, "message_type")
			if err != nil {
				return errResult("%v", err), nil
			}
			receiverID := optionalString(args, "receiver_id")
			subject := optionalString(args, "subject")
			priority := optionalString(args, "priority")
			if priority == "" {
				priority = string(domain.PriorityNormal)
			}
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("send_message", callerID, ""); res != nil {
				return res, nil
			}
			if den := guard.ValidateSender(senderID, callerID); den != nil {
				return denialResult(den), nil
			}

			if !domain.IsValidMessageType(msgType) {
				return errResult("無効なメッセージタイプです: %s（有効: %s）", msgType, validMessageTypes), nil
			}
			if !domain.IsValidPriority(priority) {
				return errResult("無効な優先度です: %s（有効: %s）", priority, validPriorities), nil
			}

			if err := d.Registry.SyncFromDisk(); err != nil {
				d.logf("send_message: registry sync failed: %v", err)
			}
			sender, senderKnown := d.Registry.Get(senderID)

			rerouted := ""
			if senderKnown && sender.Role == domain.RoleWorker {
				newReceiver, reroutedID, denial := d.routeWorkerSend(receiverID, domain.MessageType(msgType))
				if denial != nil {
					return denial, nil
				}
				receiverID = newReceiver
				rerouted = reroutedID
			}

			var receiver *domain.Agent
			if receiverID != "" {
				a, ok := d.Registry.Get(receiverID)
				if !ok {
					return errResult("エージェント %s が見つかりません", receiverID), nil
				}
				receiver = &a
			}

			// Admin claiming completion to the Owner must pass the quality
			// gate first; a failed gate blocks delivery.
			if senderKnown && sender.Role == domain.RoleAdmin &&
				receiver != nil && receiver.Role == domain.RoleOwner &&
				domain.MessageType(msgType) == domain.MsgTaskComplete {
				dashboard, err := d.Store.Load()
				if err != nil {
					return errResult("ダッシュボードの読み込みに失敗しました: %v", err), nil
				}
				gateResult := d.Gate.Check(dashboard, d.repoRoot())
				if !gateResult.Passed() {
					return jsonResult(map[string]any{
						"success":     false,
						"error":       "品質ゲートを通過していないため完了報告を送信できません",
						"next_action": "replan_and_reassign",
						"gate":        gateResult,
					}), nil
				}
			}

			bus := d.bus()
			if !bus.IsRegistered(senderID) {
				if err := bus.RegisterAgent(senderID); err != nil {
					return errResult("送信者のIPC登録に失敗しました: %v", err), nil
				}
			}
			if receiverID != "" && !bus.IsRegistered(receiverID) {
				if err := bus.RegisterAgent(receiverID); err != nil {
					return errResult("宛先のIPC登録に失敗しました: %v", err), nil
				}
			}

			msg := ipc.NewMessage(senderID, receiverID, domain.MessageType(msgType),
				domain.MessagePriority(priority), subject, content, nil)

			out := map[string]any{
				"success":    true,
				"message_id": msg.ID,
			}
			if receiverID == "" {
				receivers, err := bus.Broadcast(msg)
				if err != nil {
					return errResult("ブロードキャストに失敗しました: %v", err), nil
				}
				out["message"] = "ブロードキャストを送信しました"
				out["receivers"] = receivers
			} else {
				if err := bus.Deliver(msg); err != nil {
					return errResult("メッセージの送信に失敗しました: %v", err), nil
				}
				out["message"] = fmt.Sprintf("メッセージを %s に送信しました", receiverID)
			}
			if rerouted != "" {
				out["rerouted_receiver_id"] = rerouted
			}

			if receiver != nil {
				var senderPtr *domain.Agent
				if senderKnown {
					senderPtr = &sender
				}
				notifyResult := d.Notifier.Notify(senderPtr, receiver, domain.MessageType(msgType), senderID)
				out["notification_method"] = notifyResult.Method
				out["notification_sent"] = notifyResult.Notified
				out["delivery_status"] = notifyResult.State
			}

			created := msg.CreatedAt
			if err := d.Store.AppendMessage(&domain.MessageSummary{
				MessageID:   msg.ID,
				SenderID:    senderID,
				ReceiverID:  receiverID,
				MessageType: msgType,
				Subject:     subject,
				Content:     content,
				CreatedAt:   &created,
			}); err != nil {
				d.logf("send_message: message log append failed: %v", err)
			}

			return jsonResult(out), nil
		},
	)
}

// routeWorkerSend applies the worker messaging restrictions. It returns
// the effective receiver id, the rerouted receiver id when the request
// was redirected to the Admin, or a denial result.
func (d *Deps) routeWorkerSend(receiverID string, msgType domain.MessageType) (string, string, *mcp.CallToolResult) {
	if receiverID == "" {
		return "", "", errResult("Worker はブロードキャストを送信できません。Admin 宛に send_message を使用してください")
	}
	if receiver, ok := d.Registry.Get(receiverID); ok {
		if receiver.Role != domain.RoleAdmin {
			return "", "", errResult("Worker は Admin 宛のみメッセージを送信できます（宛先: %s, ロール: %s）", receiverID, receiver.Role)
		}
		return receiverID, "", nil
	}
	// Unknown receiver: requests are rerouted to the unique Admin so a
	// stale id does not strand the worker.
	if msgType != domain.MsgRequest {
		return "", "", errResult("エージェント %s が見つかりません", receiverID)
	}
	admin, err := d.Registry.UniqueAdmin()
	if err != nil {
		return "", "", errResult("Admin エージェントが見つかりません")
	}
	return admin.ID, admin.ID, nil
}

// registerReadMessages registers the read_messages tool. Owner and Admin
// callers go through the polling guard; Admin reads additionally fold
// task reports into the dashboard.
func registerReadMessages(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("read_messages",
			mcp.WithDescription("エージェントのメッセージを読み取る。Worker は自分自身のみ読み取り可能。"),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("エージェントID")),
			mcp.WithBoolean("unread_only", mcp.Description("未読のみ取得する（デフォルト: false）")),
			mcp.WithString("message_type", mcp.Description("フィルターするメッセージタイプ")),
			mcp.WithBoolean("mark_as_read", mcp.Description("既読としてマークする（デフォルト: true）")),
			mcp.WithNumber("limit", mcp.Description("取得する最大件数")),
			mcp.WithString("caller_agent_id", mcp.Required(), mcp.Description("呼び出し元エージェントID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentID, err := requireString(args, "agent_id")
			if err != nil {
				return errResult("%v", err), nil
			}
			unreadOnly := optionalBool(args, "unread_only", false)
			markAsRead := optionalBool(args, "mark_as_read", true)
			msgType := optionalString(args, "message_type")
			limit := optionalInt(args, "limit", 0)
			callerID := optionalString(args, "caller_agent_id")

			if res := d.checkPermission("read_messages", callerID, agentID); res != nil {
				return res, nil
			}
			if msgType != "" && !domain.IsValidMessageType(msgType) {
				return errResult("無効なメッセージタイプです: %s（有効: %s）", msgType, validMessageTypes), nil
			}

			bus := d.bus()
			if !bus.IsRegistered(agentID) {
				if err := bus.RegisterAgent(agentID); err != nil {
					return errResult("IPC登録に失敗しました: %v", err), nil
				}
			}

			caller, callerKnown := d.Registry.Get(callerID)
			if callerKnown {
				unread, err := bus.UnreadCount(agentID)
				if err != nil {
					return errResult("未読数の取得に失敗しました: %v", err), nil
				}
				switch caller.Role {
				case domain.RoleOwner:
					if den := d.Guard.CheckOwnerRead(callerID, agentID, unread); den != nil {
						return denialResult(den), nil
					}
				case domain.RoleAdmin:
					if den := d.Guard.CheckAdminPoll(callerID, unread); den != nil {
						return denialResult(den), nil
					}
				}
			}

			messages, err := bus.Read(agentID, ipc.ReadOptions{
				UnreadOnly: unreadOnly,
				TypeFilter: domain.MessageType(msgType),
				MarkAsRead: markAsRead,
				Limit:      limit,
			})
			if err != nil {
				return errResult("メッセージの読み取りに失敗しました: %v", err), nil
			}

			out := map[string]any{
				"success":  true,
				"messages": messages,
				"count":    len(messages),
			}

			if callerKnown {
				switch caller.Role {
				case domain.RoleOwner:
					unlocked := false
					for i := range messages {
						senderRole := domain.Role("")
						if sender, ok := d.Registry.Get(messages[i].SenderID); ok {
							senderRole = sender.Role
						}
						if d.Guard.MaybeUnlockOwner(callerID, messages[i].SenderID, senderRole) {
							unlocked = true
						}
					}
					if unlocked {
						out["owner_wait_unlocked"] = true
					}
				case domain.RoleAdmin:
					report, err := d.Reconciler.Apply(messages)
					if err != nil {
						d.logf("read_messages: reconcile failed: %v", err)
					} else if len(report.Applied) > 0 || len(report.Skipped) > 0 {
						out["reconcile"] = report
					}
					if _, err := d.Store.SyncFromDisk(d.Registry, bus); err != nil {
						d.logf("read_messages: dashboard sync failed: %v", err)
					}
				}
			}

			return jsonResult(out), nil
		},
	)
}

// registerGetUnreadCount registers the get_unread_count tool.
func registerGetUnreadCount(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("get_unread_count",
			mcp.WithDescription("エージェントの未読メッセージ数を取得する。Worker は自分自身のみ。"),
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

			if res := d.checkPermission("get_unread_count", callerID, agentID); res != nil {
				return res, nil
			}

			bus := d.bus()
			if !bus.IsRegistered(agentID) {
				if err := bus.RegisterAgent(agentID); err != nil {
					return errResult("IPC登録に失敗しました: %v", err), nil
				}
			}
			count, err := bus.UnreadCount(agentID)
			if err != nil {
				return errResult("未読数の取得に失敗しました: %v", err), nil
			}

			// Counts are polled the same way messages are read, so the
			// same suppression applies.
			if caller, ok := d.Registry.Get(callerID); ok {
				switch caller.Role {
				case domain.RoleOwner:
					if den := d.Guard.CheckOwnerRead(callerID, agentID, count); den != nil {
						return denialResult(den), nil
					}
				case domain.RoleAdmin:
					if den := d.Guard.CheckAdminPoll(callerID, count); den != nil {
						return denialResult(den), nil
					}
				}
			}

			return jsonResult(map[string]any{
				"success":      true,
				"agent_id":     agentID,
				"unread_count": count,
			}), nil
		},
	)
}

// registerClearMessages registers the clear_messages tool.
func registerClearMessages(s *server.MCPServer, d *Deps) {
	s.AddTool(
		mcp.NewTool("clear_messages",
			mcp.WithDescription("エージェントのメッセージキューを空にする。※ Owner と Admin のみ使用可能。"),
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

			if res := d.checkPermission("clear_messages", callerID, ""); res != nil {
				return res, nil
			}

			bus := d.bus()
			if !bus.IsRegistered(agentID) {
				return errResult("エージェント %s のキューが見つかりません", agentID), nil
			}
			deleted, err := bus.Clear(agentID)
			if err != nil {
				return errResult("メッセージの削除に失敗しました: %v", err), nil
			}
			return jsonResult(map[string]any{
				"success":       true,
				"agent_id":      agentID,
				"deleted_count": deleted,
				"message":       fmt.Sprintf("%d 件のメッセージを削除しました", deleted),
			}), nil
		},
	)
}
