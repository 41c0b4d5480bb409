package coord

// InstructionsText returns the static instruction string advertised by the
// MCP server. Kept short: the per-role guides (get_role_guide) carry the
// detailed workflow.
func InstructionsText() string {
	return `Multi-agent orchestration server. Owner / Admin / Worker agents run in
tmux panes and coordinate through this server.

基本フロー:
1. init_tmux_workspace でワークスペースを初期化する
2. create_agent で Owner → Admin → Worker の順にエージェントを作成する
3. create_task / assign_task_to_agent / send_task でタスクを配布する
4. Worker は report_task_progress / report_task_completion で Admin に報告する
5. Admin が read_messages でメッセージを消化するとダッシュボードに反映される

各ツールは caller_agent_id で呼び出し元を申告すること。役割ごとの権限と
手順は get_role_guide を参照。`
}
