package guard

import (
	"sort"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

// toolPermissions maps each tool to the roles allowed to invoke it. Tools
// absent from the table are rejected (fail-close).
var toolPermissions = map[string][]domain.Role{
	// Session
	"init_tmux_workspace":       {domain.RoleOwner},
	"cleanup_workspace":         {domain.RoleOwner},
	"cleanup_on_completion":     {domain.RoleOwner},
	"check_all_tasks_completed": {domain.RoleOwner, domain.RoleAdmin},
	"unlock_owner_wait":         {domain.RoleOwner},

	// Agents
	"create_agent":          {domain.RoleOwner, domain.RoleAdmin},
	"create_workers_batch":  {domain.RoleOwner, domain.RoleAdmin},
	"list_agents":           {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"get_agent_status":      {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"terminate_agent":       {domain.RoleOwner, domain.RoleAdmin},
	"register_agent_to_ipc": {domain.RoleOwner, domain.RoleAdmin},

	// Tasks
	"create_task":            {domain.RoleOwner, domain.RoleAdmin},
	"get_task":               {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"list_tasks":             {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"assign_task_to_agent":   {domain.RoleAdmin},
	"update_task_status":     {domain.RoleAdmin},
	"reopen_task":            {domain.RoleOwner, domain.RoleAdmin},
	"remove_task":            {domain.RoleOwner, domain.RoleAdmin},
	"report_task_progress":   {domain.RoleWorker},
	"report_task_completion": {domain.RoleWorker},

	// Dispatch
	"send_task":         {domain.RoleOwner, domain.RoleAdmin},
	"send_command":      {domain.RoleOwner, domain.RoleAdmin},
	"broadcast_command": {domain.RoleAdmin},
	"get_output":        {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"open_session":      {domain.RoleOwner, domain.RoleAdmin},

	// Messaging
	"send_message":     {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"read_messages":    {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"get_unread_count": {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"clear_messages":   {domain.RoleOwner, domain.RoleAdmin},

	// Dashboard
	"get_dashboard":         {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"get_dashboard_summary": {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},

	// Worktree
	"create_worktree":       {domain.RoleOwner, domain.RoleAdmin},
	"list_worktrees":        {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"remove_worktree":       {domain.RoleOwner, domain.RoleAdmin},
	"assign_worktree":       {domain.RoleOwner, domain.RoleAdmin},
	"merge_completed_tasks": {domain.RoleOwner, domain.RoleAdmin},
	"get_worktree_status":   {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},

	// Cost
	"get_cost_estimate":          {domain.RoleOwner, domain.RoleAdmin},
	"get_cost_summary":           {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"reset_cost_counter":         {domain.RoleOwner},
	"set_cost_warning_threshold": {domain.RoleOwner},

	// Memory
	"save_to_memory":              {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"retrieve_from_memory":        {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"list_memory_entries":         {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"get_memory_entry":            {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"delete_memory_entry":         {domain.RoleOwner, domain.RoleAdmin},
	"get_memory_summary":          {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"list_memory_archive":         {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"search_memory_archive":       {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
	"restore_from_memory_archive": {domain.RoleOwner, domain.RoleAdmin},

	// Guides
	"get_role_guide": {domain.RoleOwner, domain.RoleAdmin, domain.RoleWorker},
}

// bootstrapTools may be called before any agent exists, so they accept an
// empty caller_agent_id.
var bootstrapTools = map[string]bool{
	"init_tmux_workspace": true,
}

// ownerWaitAllowedTools remain callable while the Owner is locked waiting
// for the Admin's notification.
var ownerWaitAllowedTools = map[string]bool{
	"read_messages":     true,
	"get_unread_count":  true,
	"unlock_owner_wait": true,
}

// workerSelfScopeTools require a Worker's target agent id to equal its own.
var workerSelfScopeTools = map[string]bool{
	"read_messages":    true,
	"get_unread_count": true,
}

// AllowedRoles returns the roles permitted to call the tool; nil when the
// tool has no permission entry.
func AllowedRoles(tool string) []domain.Role {
	return toolPermissions[tool]
}

func rolesString(roles []domain.Role) string {
	if len(roles) == 0 {
		return "なし"
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

func ownerWaitToolList() []string {
	out := make([]string, 0, len(ownerWaitAllowedTools))
	for tool := range ownerWaitAllowedTools {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}
