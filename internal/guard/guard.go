// Package guard enforces the tool permission table and the two
// polling-suppression states: the Owner's wait-for-Admin lock and the
// Admin's empty-inbox poll guard. Denials are structured so tool handlers
// can embed them directly in their responses.
package guard

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// Poll-guard windows.
const (
	PollGraceWindow = 30 * time.Second
	DashboardWindow = 90 * time.Second
)

// UnlockReasonAdminConsumed is recorded when the Owner's wait lock clears
// because an Admin message was read.
const UnlockReasonAdminConsumed = "admin_notification_consumed"

// Next-action hints attached to polling_blocked denials.
const (
	NextWaitForIPC          = "wait_for_ipc_notification"
	NextWaitForUserOrUnlock = "wait_for_user_input_or_unlock_owner_wait"
)

// agentSource is the slice of the registry the guard needs.
type agentSource interface {
	SyncFromDisk() error
	Get(agentID string) (domain.Agent, bool)
}

// Denial is a structured rejection. Nil means allowed.
type Denial struct {
	Error             string
	NextAction        string
	AllowedTools      []string
	WaitingForAdminID string
}

// Fields renders the denial as a tool-response payload.
func (d *Denial) Fields() map[string]any {
	out := map[string]any{
		"success": false,
		"error":   d.Error,
	}
	if d.NextAction != "" {
		out["next_action"] = d.NextAction
	}
	if d.AllowedTools != nil {
		out["allowed_tools"] = d.AllowedTools
	}
	if d.WaitingForAdminID != "" {
		out["waiting_for_admin_id"] = d.WaitingForAdminID
	}
	return out
}

// OwnerWaitState tracks one Owner's wait-for-Admin lock.
type OwnerWaitState struct {
	WaitingForAdmin bool       `json:"waiting_for_admin"`
	AdminID         string     `json:"admin_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	UnlockedAt      *time.Time `json:"unlocked_at,omitempty"`
	UnlockReason    string     `json:"unlock_reason,omitempty"`
}

// AdminPollState tracks one Admin's empty-inbox poll guard.
type AdminPollState struct {
	WaitingForIPC       bool       `json:"waiting_for_ipc"`
	AllowDashboardUntil *time.Time `json:"allow_dashboard_until,omitempty"`
	LastPollBlockedAt   *time.Time `json:"last_poll_blocked_at,omitempty"`
}

// Guard holds the permission checker and per-agent suppression states.
// States are per-process; a fresh process starts unlocked, which is safe
// because the lock only suppresses polling, never data access correctness.
type Guard struct {
	agents agentSource
	logger *log.Logger

	mu        sync.Mutex
	ownerWait map[string]*OwnerWaitState
	adminPoll map[string]*AdminPollState

	now func() time.Time
}

// New creates a guard over the given agent source.
func New(agents agentSource, logger *log.Logger) *Guard {
	return &Guard{
		agents:    agents,
		logger:    logger,
		ownerWait: make(map[string]*OwnerWaitState),
		adminPoll: make(map[string]*AdminPollState),
		now:       time.Now,
	}
}

// CheckPermission runs the full pre-filter for one tool call. targetAgentID
// carries the agent the tool operates on, for Worker self-scope checks; pass
// "" when the tool has no agent target.
func (g *Guard) CheckPermission(tool, callerID, targetAgentID string) *Denial {
	if callerID == "" {
		if bootstrapTools[tool] {
			return nil
		}
		return &Denial{Error: fmt.Sprintf(
			"`%s` の呼び出しには `caller_agent_id` が必須です。自身のエージェント ID を指定してください。", tool)}
	}

	// Agents created by sibling server processes must be visible.
	if err := g.agents.SyncFromDisk(); err != nil && g.logger != nil {
		g.logger.Printf("guard: agent sync failed: %v", err)
	}

	agent, ok := g.agents.Get(callerID)
	if !ok {
		return &Denial{Error: fmt.Sprintf("エージェント %s が見つかりません", callerID)}
	}
	role := agent.Role

	if role == domain.RoleOwner {
		if state := g.ownerState(callerID); state.WaitingForAdmin && !ownerWaitAllowedTools[tool] {
			return &Denial{
				Error: fmt.Sprintf(
					"polling_blocked: Admin からの通知待機中のため、`%s` は実行できません。", tool),
				NextAction:        NextWaitForUserOrUnlock,
				AllowedTools:      ownerWaitToolList(),
				WaitingForAdminID: state.AdminID,
			}
		}
	}

	allowed := AllowedRoles(tool)
	if len(allowed) == 0 {
		if g.logger != nil {
			g.logger.Printf("guard: tool %q has no permission entry, rejecting", tool)
		}
		return &Denial{Error: fmt.Sprintf(
			"ツール `%s` の権限定義が存在しないため実行を拒否しました。", tool)}
	}

	permitted := false
	for _, r := range allowed {
		if r == role {
			permitted = true
			break
		}
	}
	if !permitted {
		return &Denial{Error: fmt.Sprintf(
			"あなたのロール (%s) では `%s` は使用禁止です。許可されたロール: %s。`get_role_guide(role=%q)` で自身の役割を確認してください。",
			role, tool, rolesString(allowed), string(role))}
	}

	if role == domain.RoleWorker && workerSelfScopeTools[tool] {
		if targetAgentID == "" {
			return &Denial{Error: fmt.Sprintf(
				"`%s` は Worker self-scope 対象ツールです。対象の agent_id が未指定のため拒否しました。", tool)}
		}
		if targetAgentID != callerID {
			return &Denial{Error: fmt.Sprintf(
				"Worker は `%s` を自分自身の agent_id でのみ実行できます。caller_agent_id=%s, target_agent_id=%s",
				tool, callerID, targetAgentID)}
		}
	}

	return nil
}

// ValidateSender enforces sender_id == caller_agent_id on send_message.
func ValidateSender(senderID, callerID string) *Denial {
	if callerID == "" {
		return &Denial{Error: "caller_agent_id が必要です"}
	}
	if senderID != callerID {
		return &Denial{Error: fmt.Sprintf(
			"sender_id と caller_agent_id が一致しないため拒否しました。 sender_id=%s, caller_agent_id=%s",
			senderID, callerID)}
	}
	return nil
}

func (g *Guard) ownerState(ownerID string) *OwnerWaitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.ownerWait[ownerID]
	if !ok {
		state = &OwnerWaitState{}
		g.ownerWait[ownerID] = state
	}
	return state
}

func (g *Guard) adminState(adminID string) *AdminPollState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.adminPoll[adminID]
	if !ok {
		state = &AdminPollState{}
		g.adminPoll[adminID] = state
	}
	return state
}

// OwnerWait returns a copy of the Owner's wait state.
func (g *Guard) OwnerWait(ownerID string) OwnerWaitState {
	return *g.ownerState(ownerID)
}

// AdminPoll returns a copy of the Admin's poll state.
func (g *Guard) AdminPoll(adminID string) AdminPollState {
	return *g.adminState(adminID)
}

// MarkOwnerWaiting locks the Owner into waiting for the given Admin.
func (g *Guard) MarkOwnerWaiting(ownerID, adminID, sessionID string) {
	state := g.ownerState(ownerID)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	state.WaitingForAdmin = true
	state.AdminID = adminID
	state.SessionID = sessionID
	state.LockedAt = &now
	state.UnlockedAt = nil
	state.UnlockReason = ""
}

// ClearOwnerWait releases the Owner's wait lock. Idempotent; the recorded
// reason is kept from the first effective unlock.
func (g *Guard) ClearOwnerWait(ownerID, reason string) {
	state := g.ownerState(ownerID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !state.WaitingForAdmin && state.UnlockReason != "" {
		return
	}
	now := g.now()
	state.WaitingForAdmin = false
	state.AdminID = ""
	state.UnlockedAt = &now
	state.UnlockReason = reason
}

// MaybeUnlockOwner clears the wait lock when the Owner has consumed a
// message from the expected Admin (or any Admin when none was pinned).
// Reports whether an unlock happened.
func (g *Guard) MaybeUnlockOwner(ownerID, senderID string, senderRole domain.Role) bool {
	state := g.ownerState(ownerID)
	g.mu.Lock()
	waiting := state.WaitingForAdmin
	expected := state.AdminID
	g.mu.Unlock()
	if !waiting {
		return false
	}
	if expected != "" && senderID != expected {
		return false
	}
	if expected == "" && senderRole != domain.RoleAdmin {
		return false
	}
	g.ClearOwnerWait(ownerID, UnlockReasonAdminConsumed)
	return true
}

// CheckOwnerRead gates Owner inbox reads while the wait lock is held: only
// the Owner's own, non-empty inbox may be read.
func (g *Guard) CheckOwnerRead(ownerID, targetAgentID string, unread int) *Denial {
	state := g.ownerState(ownerID)
	g.mu.Lock()
	waiting := state.WaitingForAdmin
	adminID := state.AdminID
	g.mu.Unlock()
	if !waiting {
		return nil
	}
	if targetAgentID != ownerID {
		return &Denial{
			Error:             "polling_blocked: Admin 通知待機中は他エージェントの受信箱を参照できません。",
			NextAction:        NextWaitForUserOrUnlock,
			WaitingForAdminID: adminID,
		}
	}
	if unread == 0 {
		return &Denial{
			Error:             "polling_blocked: 受信箱が空です。Admin からの通知を待ってください。",
			NextAction:        NextWaitForUserOrUnlock,
			WaitingForAdminID: adminID,
		}
	}
	return nil
}

// CheckAdminPoll applies the empty-inbox guard for Admin read_messages /
// get_unread_count calls. The first empty poll passes and arms the guard; a
// second empty poll inside the grace window is blocked; a non-empty poll
// disarms the guard and opens the dashboard window.
func (g *Guard) CheckAdminPoll(adminID string, unread int) *Denial {
	state := g.adminState(adminID)
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if unread > 0 {
		until := now.Add(DashboardWindow)
		state.WaitingForIPC = false
		state.AllowDashboardUntil = &until
		state.LastPollBlockedAt = nil
		return nil
	}

	if !state.WaitingForIPC {
		state.WaitingForIPC = true
		stamp := now
		state.LastPollBlockedAt = &stamp
		return nil
	}
	if state.LastPollBlockedAt != nil && now.Sub(*state.LastPollBlockedAt) < PollGraceWindow {
		return &Denial{
			Error:      "polling_blocked: 未読メッセージがありません。IPC 通知を待ってください。",
			NextAction: NextWaitForIPC,
		}
	}
	stamp := now
	state.LastPollBlockedAt = &stamp
	return nil
}

// CheckDashboardRead gates Admin dashboard reads: while the poll guard is
// armed they are only allowed inside the window opened by a non-empty read.
func (g *Guard) CheckDashboardRead(adminID string) *Denial {
	state := g.adminState(adminID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !state.WaitingForIPC {
		return nil
	}
	if state.AllowDashboardUntil != nil && g.now().Before(*state.AllowDashboardUntil) {
		return nil
	}
	return &Denial{
		Error:      "polling_blocked: IPC 通知待機中はダッシュボードを参照できません。",
		NextAction: NextWaitForIPC,
	}
}

// Reset drops all suppression state (session cleanup).
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ownerWait = make(map[string]*OwnerWaitState)
	g.adminPoll = make(map[string]*AdminPollState)
}
