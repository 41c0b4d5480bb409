package coord

import (
	"github.com/mark3labs/mcp-go/server"
)

// Register registers the whole coordination tool surface with the
// mcp-go server.
func Register(s *server.MCPServer, deps *Deps) {
	// Session lifecycle tools (5)
	registerInitTmuxWorkspace(s, deps)
	registerCleanupWorkspace(s, deps)
	registerCleanupOnCompletion(s, deps)
	registerCheckAllTasksCompleted(s, deps)
	registerUnlockOwnerWait(s, deps)

	// Agent tools (6)
	registerCreateAgent(s, deps)
	registerCreateWorkersBatch(s, deps)
	registerListAgents(s, deps)
	registerGetAgentStatus(s, deps)
	registerTerminateAgent(s, deps)
	registerRegisterAgentToIPC(s, deps)

	// Task tools (9)
	registerCreateTask(s, deps)
	registerGetTask(s, deps)
	registerListTasks(s, deps)
	registerAssignTaskToAgent(s, deps)
	registerUpdateTaskStatus(s, deps)
	registerReopenTask(s, deps)
	registerRemoveTask(s, deps)
	registerReportTaskProgress(s, deps)
	registerReportTaskCompletion(s, deps)

	// Dispatch tools (5)
	registerSendTask(s, deps)
	registerSendCommand(s, deps)
	registerBroadcastCommand(s, deps)
	registerGetOutput(s, deps)
	registerOpenSession(s, deps)

	// Messaging tools (4)
	registerSendMessage(s, deps)
	registerReadMessages(s, deps)
	registerGetUnreadCount(s, deps)
	registerClearMessages(s, deps)

	// Dashboard tools (2)
	registerGetDashboard(s, deps)
	registerGetDashboardSummary(s, deps)

	// Worktree tools (6)
	registerCreateWorktree(s, deps)
	registerListWorktrees(s, deps)
	registerRemoveWorktree(s, deps)
	registerAssignWorktree(s, deps)
	registerMergeCompletedTasks(s, deps)
	registerGetWorktreeStatus(s, deps)

	// Cost tools (4)
	registerGetCostEstimate(s, deps)
	registerGetCostSummary(s, deps)
	registerResetCostCounter(s, deps)
	registerSetCostWarningThreshold(s, deps)

	// Memory tools (9)
	registerSaveToMemory(s, deps)
	registerRetrieveFromMemory(s, deps)
	registerListMemoryEntries(s, deps)
	registerGetMemoryEntry(s, deps)
	registerDeleteMemoryEntry(s, deps)
	registerGetMemorySummary(s, deps)
	registerListMemoryArchive(s, deps)
	registerSearchMemoryArchive(s, deps)
	registerRestoreFromMemoryArchive(s, deps)

	// Role guide (1)
	registerGetRoleGuide(s, deps)
}
