package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

var agentStatusEmoji = map[string]string{
	"idle":       "🟢",
	"busy":       "🔵",
	"error":      "🔴",
	"terminated": "⚫",
}

var taskStatusEmoji = map[domain.TaskStatus]string{
	domain.TaskPending:    "⏳",
	domain.TaskInProgress: "🔄",
	domain.TaskCompleted:  "✅",
	domain.TaskFailed:     "❌",
	domain.TaskBlocked:    "🚫",
	domain.TaskCancelled:  "🗑️",
}

var messageTypeEmoji = map[string]string{
	"task_progress": "📊",
	"task_complete": "✅",
	"task_failed":   "❌",
	"request":       "❓",
	"response":      "💬",
	"task_approved": "👍",
	"error":         "🔴",
}

const renderTimeLayout = "2006-01-02 15:04:05"

// renderBody produces the human-facing Markdown below the front-matter.
func (s *Store) renderBody(d *domain.Dashboard) string {
	var b strings.Builder
	b.WriteString("# Multi-Agent Dashboard\n\n")
	fmt.Fprintf(&b, "**更新時刻**: %s\n", s.now().Format(renderTimeLayout))

	s.writeAgentTable(&b, d)
	s.writeTaskTable(&b, d)
	s.writeTaskDetails(&b, d)
	s.writeStatsSection(&b, d)
	return b.String()
}

// agentLabelMap maps agent ids to display labels for tables and messages.
func agentLabelMap(d *domain.Dashboard) map[string]string {
	labels := make(map[string]string, len(d.Agents))
	for _, a := range d.Agents {
		label := a.Name
		if label == "" {
			switch a.Role {
			case string(domain.RoleOwner):
				label = "owner"
			case string(domain.RoleAdmin):
				label = "admin"
			default:
				label = a.Role
			}
		}
		labels[a.AgentID] = label
	}
	return labels
}

func displayAgent(agentID string, labels map[string]string) string {
	if agentID == "" {
		return "all"
	}
	if label, ok := labels[agentID]; ok {
		return label
	}
	return "unknown"
}

// formatWorktreePath renders a worktree path relative to the workspace.
func formatWorktreePath(worktreePath, workspacePath string) string {
	if worktreePath == "" {
		return "-"
	}
	if rel, err := filepath.Rel(workspacePath, worktreePath); err == nil {
		return rel
	}
	return worktreePath
}

// worktreeEnabled reports whether tasks carry worktrees at all. Worktrees
// need git; enable_worktree alone is not enough.
func (s *Store) worktreeEnabled() bool {
	return s.settings == nil || (s.settings.EnableGit && s.settings.EnableWorktree)
}

func (s *Store) writeAgentTable(b *strings.Builder, d *domain.Dashboard) {
	b.WriteString("\n---\n\n## エージェント状態\n\n")
	b.WriteString("| ID | 名前 | 役割 | 状態 | 現在のタスク |\n")
	b.WriteString("|:---|:---|:---|:---|:---|\n")
	for _, a := range d.Agents {
		emoji, ok := agentStatusEmoji[strings.ToLower(a.Status)]
		if !ok {
			emoji = "⚪"
		}
		current := a.CurrentTask
		if current == "" {
			current = "-"
		}
		name := a.Name
		if name == "" {
			name = a.Role
		}
		fmt.Fprintf(b, "| `%s` | `%s` | %s | %s %s | %s |\n",
			a.AgentID, name, a.Role, emoji, a.Status, current)
	}
}

func (s *Store) writeTaskTable(b *strings.Builder, d *domain.Dashboard) {
	showWorktree := s.worktreeEnabled()
	b.WriteString("\n---\n\n## タスク状態\n\n")
	if showWorktree {
		b.WriteString("| ID | タイトル | 状態 | 担当 | 進捗 | worktree |\n")
		b.WriteString("|:---|:---|:---|:---|:---|:---|\n")
	} else {
		b.WriteString("| ID | タイトル | 状態 | 担当 | 進捗 |\n")
		b.WriteString("|:---|:---|:---|:---|:---|\n")
	}
	labels := agentLabelMap(d)
	for i := range d.Tasks {
		t := &d.Tasks[i]
		emoji, ok := taskStatusEmoji[t.Status]
		if !ok {
			emoji = "❓"
		}
		assigned := "-"
		if t.AssignedAgentID != "" {
			assigned = displayAgent(t.AssignedAgentID, labels)
		}
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		if showWorktree {
			worktree := formatWorktreePath(t.WorktreePath, d.WorkspacePath)
			cell := fmt.Sprintf("<details><summary>表示</summary><code>%s</code></details>", worktree)
			fmt.Fprintf(b, "| `%s` | %s | %s %s | `%s` | %d%% | %s |\n",
				id, t.Title, emoji, t.Status, assigned, t.Progress, cell)
		} else {
			fmt.Fprintf(b, "| `%s` | %s | %s %s | `%s` | %d%% |\n",
				id, t.Title, emoji, t.Status, assigned, t.Progress)
		}
	}
}

// writeTaskDetails lists checklist, logs and errors for in-progress tasks.
func (s *Store) writeTaskDetails(b *strings.Builder, d *domain.Dashboard) {
	var active []*domain.Task
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.Status == domain.TaskInProgress && (len(t.Checklist) > 0 || len(t.Logs) > 0 || t.ErrorMessage != "") {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return
	}
	b.WriteString("\n---\n\n## タスク詳細\n")
	for _, t := range active {
		fmt.Fprintf(b, "\n### %s\n\n**進捗**: %d%%\n", t.Title, t.Progress)
		if t.ErrorMessage != "" {
			fmt.Fprintf(b, "\n**エラー**: %s\n", t.ErrorMessage)
		}
		if len(t.Checklist) > 0 {
			b.WriteString("\n**チェックリスト**:\n")
			for _, item := range t.Checklist {
				check := " "
				if item.Completed {
					check = "x"
				}
				fmt.Fprintf(b, "- [%s] %s\n", check, item.Text)
			}
		}
		if len(t.Logs) > 0 {
			b.WriteString("\n**最新ログ**:\n")
			for _, entry := range t.Logs {
				fmt.Fprintf(b, "- %s - %s\n", entry.Timestamp.Format("15:04"), entry.Message)
			}
		}
	}
}

func (s *Store) writeStatsSection(b *strings.Builder, d *domain.Dashboard) {
	b.WriteString("\n---\n\n## 統計\n\n")
	fmt.Fprintf(b, "- **総エージェント数**: %d\n", d.TotalAgents)
	fmt.Fprintf(b, "- **アクティブエージェント**: %d\n", d.ActiveAgents)
	fmt.Fprintf(b, "- **総タスク数**: %d\n", d.TotalTasks)
	fmt.Fprintf(b, "- **完了タスク**: %d\n", d.CompletedTasks)
	fmt.Fprintf(b, "- **失敗タスク**: %d\n", d.FailedTasks)

	pending, inProgress := 0, 0
	for i := range d.Tasks {
		switch d.Tasks[i].Status {
		case domain.TaskPending:
			pending++
		case domain.TaskInProgress:
			inProgress++
		}
	}
	allDone := d.TotalTasks > 0 && pending == 0 && inProgress == 0 && d.FailedTasks == 0
	mark := "❌"
	if allDone {
		mark = "✅"
	}
	fmt.Fprintf(b, "- **実装完了**: %s\n", mark)

	if d.Cost.TotalAPICalls > 0 {
		s.writeCostSection(b, d)
	}
}

type costBucket struct {
	calls  int
	tokens int
	cost   float64
}

func (s *Store) writeCostSection(b *strings.Builder, d *domain.Dashboard) {
	cost := d.Cost
	labels := agentLabelMap(d)
	roleOf := make(map[string]string, len(d.Agents))
	for _, a := range d.Agents {
		roleOf[a.AgentID] = a.Role
	}

	roleStats := map[string]*costBucket{}
	agentStats := map[string]*costBucket{}
	modelStats := map[string]*costBucket{}
	bucket := func(m map[string]*costBucket, key string) *costBucket {
		bk, ok := m[key]
		if !ok {
			bk = &costBucket{}
			m[key] = bk
		}
		return bk
	}

	for i := range cost.Calls {
		call := &cost.Calls[i]
		callCost := call.EstimatedCostUSD
		if call.IsActual() {
			callCost = *call.ActualCostUSD
		}
		role := "unknown"
		if call.AgentID != "" {
			if r, ok := roleOf[call.AgentID]; ok {
				role = r
			}
		}
		rb := bucket(roleStats, role)
		rb.calls++
		rb.tokens += call.Tokens
		rb.cost += callCost

		agentKey := call.AgentID
		if agentKey == "" {
			agentKey = "unknown"
		}
		ab := bucket(agentStats, agentKey)
		ab.calls++
		ab.tokens += call.Tokens

		modelKey := call.Model
		if modelKey == "" {
			modelKey = "unknown"
		}
		mb := bucket(modelStats, modelKey)
		mb.calls++
		mb.tokens += call.Tokens
		mb.cost += callCost
	}

	b.WriteString("\n---\n\n## コスト情報\n\n")
	fmt.Fprintf(b, "- **総API呼び出し数**: %d\n", cost.TotalAPICalls)
	fmt.Fprintf(b, "- **推定トークン数**: %d\n", cost.EstimatedTokens)
	fmt.Fprintf(b, "- **実測コスト (Claude)**: $%.4f\n", cost.ActualCostUSD)
	fmt.Fprintf(b, "- **推定コスト (全CLI)**: $%.4f\n", cost.EstimatedCostUSD)
	fmt.Fprintf(b, "- **合算コスト**: $%.4f\n", cost.TotalCostUSD)
	fmt.Fprintf(b, "- **警告閾値**: $%.2f\n", cost.WarningThreshold)

	b.WriteString("\n**役割別内訳**:\n")
	for _, role := range sortedKeys(roleStats) {
		bk := roleStats[role]
		fmt.Fprintf(b, "- `%s`: %d calls / %d tokens / $%.4f\n", role, bk.calls, bk.tokens, bk.cost)
	}

	b.WriteString("\n**エージェント別呼び出し**:\n")
	for _, agentID := range keysByCalls(agentStats) {
		bk := agentStats[agentID]
		display := "unknown"
		if agentID != "unknown" {
			display = displayAgent(agentID, labels)
		}
		fmt.Fprintf(b, "- `%s`: %d calls / %d tokens\n", display, bk.calls, bk.tokens)
	}

	b.WriteString("\n**モデル別内訳**:\n")
	for _, model := range keysByCalls(modelStats) {
		bk := modelStats[model]
		fmt.Fprintf(b, "- `%s`: %d calls / %d tokens / $%.4f\n", model, bk.calls, bk.tokens, bk.cost)
	}

	if cost.TotalCostUSD >= cost.WarningThreshold {
		b.WriteString("\n⚠️ **警告**: 合算コストが閾値を超えています！\n")
	}
}

func sortedKeys(m map[string]*costBucket) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keysByCalls(m map[string]*costBucket) []string {
	out := sortedKeys(m)
	sort.SliceStable(out, func(i, j int) bool {
		return m[out[i]].calls > m[out[j]].calls
	})
	return out
}

// ---- messages.md ----

const messagesHeader = "# Multi-Agent Messages\n"

func renderMessageBlock(msg *domain.MessageSummary, labels map[string]string) string {
	timeStr := "-"
	if msg.CreatedAt != nil {
		timeStr = msg.CreatedAt.Format("15:04:05")
	}
	emoji, ok := messageTypeEmoji[msg.MessageType]
	if !ok {
		emoji = "📨"
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		content = "(本文なし)"
	}
	sender := msg.SenderID
	if label, ok := labels[sender]; ok {
		sender = label
	}
	receiver := "broadcast"
	if msg.ReceiverID != "" {
		receiver = msg.ReceiverID
		if label, ok := labels[msg.ReceiverID]; ok {
			receiver = label
		}
	}
	return fmt.Sprintf("\n<details open>\n<summary>%s %s %s → %s</summary>\n\n```text\n%s\n```\n</details>\n",
		timeStr, emoji, sender, receiver, content)
}

// appendMessageBlocks writes rendered message blocks to the end of
// messages.md. Earlier file content is never touched.
func (s *Store) appendMessageBlocks(labels map[string]string, msgs []domain.MessageSummary) error {
	if len(msgs) == 0 {
		return nil
	}
	path := s.ws.MessagesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open messages.md: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(messagesHeader + "\n## メッセージ履歴\n"); err != nil {
			return err
		}
	}
	for i := range msgs {
		if _, err := f.WriteString(renderMessageBlock(&msgs[i], labels)); err != nil {
			return fmt.Errorf("append messages.md: %w", err)
		}
	}
	return nil
}

// AppendMessage records one message in the dashboard's message ledger and
// appends it to messages.md without rewriting the existing history.
func (s *Store) AppendMessage(msg *domain.MessageSummary) error {
	var labels map[string]string
	err := s.Mutate(func(d *domain.Dashboard) error {
		d.Messages = append(d.Messages, *msg)
		labels = agentLabelMap(d)
		return nil
	})
	if err != nil {
		return err
	}
	return s.appendMessageBlocks(labels, []domain.MessageSummary{*msg})
}
